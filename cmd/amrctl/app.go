package main

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/cache"
	"github.com/kiranshivaraju/amrhunter/internal/config"
	"github.com/kiranshivaraju/amrhunter/internal/fetch"
	"github.com/kiranshivaraju/amrhunter/internal/ingest"
	"github.com/kiranshivaraju/amrhunter/internal/lifecycle"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/store"
	"github.com/kiranshivaraju/amrhunter/pkg/models"
)

type jobStore interface {
	GetAll(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

type jobLifecycle interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	History(ctx context.Context, id string) ([]*models.StatusHistory, error)
	Archive(ctx context.Context, id string) (*models.Job, error)
	Cancel(ctx context.Context, id, reason string) (*models.Job, error)
	Retry(ctx context.Context, id string) (*models.Job, error)
	Elapsed(job *models.Job) time.Duration
}

type annotationIngester interface {
	Ingest(ctx context.Context, jobID, format string, r io.Reader, file ingest.ResultFile) (*ingest.Report, error)
}

type downloader interface {
	Get(ctx context.Context, rawURL string) (*fetch.Download, error)
}

type keyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type cacheClearer interface {
	Clear(ctx context.Context) error
}

type migrator interface {
	Up() error
	Down() error
	Version() (version uint, dirty bool, err error)
}

// dbMigrator runs the embedded migrations against one database.
type dbMigrator struct{ url string }

func (m dbMigrator) Up() error                     { return store.RunMigrations(m.url) }
func (m dbMigrator) Down() error                   { return store.RollbackMigrations(m.url) }
func (m dbMigrator) Version() (uint, bool, error) { return store.MigrationVersion(m.url) }

// app holds what the commands operate on. It is filled from the environment
// on first use unless ready is already set.
type app struct {
	ready bool

	log        *zap.Logger
	jobs       jobStore
	lifecycle  jobLifecycle
	ingester   annotationIngester
	fetcher    downloader
	keys       keyStore
	cache      cacheClearer
	migrations migrator

	closers []func()
}

func (a *app) init(ctx context.Context) error {
	if a.ready {
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	a.log = log
	a.closers = append(a.closers, func() { _ = log.Sync() })

	pool, err := store.Connect(ctx, cfg.Database, log)
	if err != nil {
		return errors.Wrap(err, "connect database")
	}
	a.closers = append(a.closers, pool.Close)

	var c cache.Cache
	if cfg.Cache.Backend == config.CacheBackendRedis {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "create redis cache")
		}
		c = rc
	} else {
		c = cache.NewMemoryCache(cfg.Cache.CleanupInterval)
	}
	a.closers = append(a.closers, func() { _ = c.Close() })

	st := store.New(pool, c, log, store.AnnotationOptions{
		BatchSize:     cfg.Store.BatchSize,
		JobTTL:        cfg.Cache.AnnotationTTL,
		VocabularyTTL: cfg.Cache.VocabularyTTL,
		RangeTTL:      cfg.Cache.RangeTTL,
	})

	a.jobs = st.Jobs
	a.lifecycle = lifecycle.NewManager(st.Jobs, log, lifecycle.WithMaxAttempts(cfg.Lifecycle.MaxAttempts))
	a.ingester = ingest.NewIngester(st.Annotations, st.ResultFiles, log)
	a.fetcher = fetch.NewClient(cfg.Download.Timeout, log)
	a.keys = st.APIKeys
	a.cache = c
	a.migrations = dbMigrator{url: cfg.Database.URL}
	a.ready = true
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
