// Package main is the entrypoint for the amrhunter API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/api"
	"github.com/kiranshivaraju/amrhunter/internal/api/handler"
	mw "github.com/kiranshivaraju/amrhunter/internal/api/middleware"
	"github.com/kiranshivaraju/amrhunter/internal/api/response"
	"github.com/kiranshivaraju/amrhunter/internal/cache"
	"github.com/kiranshivaraju/amrhunter/internal/config"
	"github.com/kiranshivaraju/amrhunter/internal/ingest"
	"github.com/kiranshivaraju/amrhunter/internal/lifecycle"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/metrics"
	"github.com/kiranshivaraju/amrhunter/internal/store"
)

const (
	shutdownTimeout   = 30 * time.Second
	requestsPerMinute = 600
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("env", cfg.Server.Env), zap.String("cache_backend", cfg.Cache.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database, log)
	if err != nil {
		return errors.Wrap(err, "connect database")
	}
	defer pool.Close()

	if err := metrics.RegisterPool(prometheus.DefaultRegisterer, pool.Stats); err != nil {
		return errors.Wrap(err, "register pool metrics")
	}

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	log.Info("database migrations applied")

	// 4. Read cache
	c, err := newCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	// 5. Data layer and services
	st := store.New(pool, c, log, store.AnnotationOptions{
		BatchSize:     cfg.Store.BatchSize,
		JobTTL:        cfg.Cache.AnnotationTTL,
		VocabularyTTL: cfg.Cache.VocabularyTTL,
		RangeTTL:      cfg.Cache.RangeTTL,
	})
	manager := lifecycle.NewManager(st.Jobs, log, lifecycle.WithMaxAttempts(cfg.Lifecycle.MaxAttempts))
	ingester := ingest.NewIngester(st.Annotations, st.ResultFiles, log)

	// 6. Build router with dependencies
	jobs := handler.NewJobHandler(manager, st.Jobs, log)
	annotations := handler.NewAnnotationHandler(st.Annotations, ingester, log)
	files := handler.NewFileHandler(st.ResultFiles, log)
	admin := handler.NewAdminHandler(st.APIKeys, c, log)

	router := api.NewRouter(api.Dependencies{
		Logger:    log,
		Auth:      mw.NewAuth(st.APIKeys, log),
		RateLimit: mw.NewRateLimit(rateLimitCache(c, cfg), requestsPerMinute),

		HealthHandler:  healthHandler(st, c),
		MetricsHandler: promhttp.Handler(),

		CreateJob:      jobs.Create,
		ListJobs:       jobs.List,
		GetJob:         jobs.Get,
		DeleteJob:      jobs.Delete,
		TransitionJob:  jobs.Transition,
		UpdateProgress: jobs.Progress,
		JobHistory:     jobs.History,
		SetParameter:   jobs.SetParameter,
		RetryJob:       jobs.Retry,

		ListAnnotations:   annotations.List,
		GetAnnotation:     annotations.GetFeature,
		IngestAnnotations: annotations.Ingest,
		ExportAnnotations: annotations.Export,
		FeatureTypes:      annotations.FeatureTypes,
		Contigs:           annotations.Contigs,

		ListFiles: files.List,
		GetFile:   files.Get,

		CreateKeyHandler: admin.CreateKey,
		ListKeysHandler:  admin.ListKeys,
		RevokeKeyHandler: admin.RevokeKey,
		ClearCache:       admin.ClearCache,
		Stats:            jobs.Stats,
	})

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server error")
	case <-ctx.Done():
		log.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}

	log.Info("server stopped gracefully")
	return nil
}

// newCache builds the configured read cache. The Redis backend must answer a
// ping before the server starts.
func newCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.Backend != config.CacheBackendRedis {
		return cache.NewMemoryCache(cfg.Cache.CleanupInterval), nil
	}
	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, errors.Wrap(err, "create redis cache")
	}
	if err := rc.Ping(ctx); err != nil {
		_ = rc.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return rc, nil
}

// rateLimitCache returns the store for rate-limit counters. It is kept apart
// from c so that clearing the read cache does not reset rate-limit windows.
func rateLimitCache(c cache.Cache, cfg *config.Config) cache.Cache {
	if rc, ok := c.(*cache.RedisCache); ok {
		return rc.WithNamespace(cache.RateLimitNamespace)
	}
	return cache.NewMemoryCache(cfg.Cache.CleanupInterval)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
