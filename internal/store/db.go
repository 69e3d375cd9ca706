package store

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/config"
	"github.com/kiranshivaraju/amrhunter/internal/logging"
	"github.com/kiranshivaraju/amrhunter/internal/metrics"
)

// Pool hands out database connections to the DAOs. It is safe for concurrent
// use; acquiring a connection is the only point where callers block.
type Pool struct {
	pgx            *pgxpool.Pool
	acquireTimeout time.Duration
	log            *zap.Logger
}

// Conn is a connection checked out of a Pool. Release may be called more
// than once; only the first call returns the connection.
type Conn struct {
	*pgxpool.Conn
	once sync.Once
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	if c == nil || c.Conn == nil {
		return
	}
	c.once.Do(c.Conn.Release)
}

func Connect(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database URL")
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, &ConnectionError{Kind: ErrStorageUnavailable, Err: errors.Wrap(err, "connect to database")}
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &ConnectionError{Kind: ErrStorageUnavailable, Err: errors.Wrap(err, "ping database")}
	}

	p := NewPool(pool, cfg.AcquireTimeout, log)
	p.log.Info("database pool ready",
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Int32("min_conns", poolCfg.MinConns),
		zap.Duration("acquire_timeout", cfg.AcquireTimeout))
	return p, nil
}

// NewPool wraps an existing pgx pool.
func NewPool(pool *pgxpool.Pool, acquireTimeout time.Duration, log *zap.Logger) *Pool {
	return &Pool{pgx: pool, acquireTimeout: acquireTimeout, log: logging.OrNop(log)}
}

// Acquire checks out a connection, waiting at most the configured acquire
// timeout. A timeout while every connection is in use yields a
// *ConnectionError of kind ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	actx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	c, err := p.pgx.Acquire(actx)
	if err == nil {
		return &Conn{Conn: c}, nil
	}

	// The caller's own cancellation is not a pool failure.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	stat := p.pgx.Stat()
	if errors.Is(err, context.DeadlineExceeded) && stat.AcquiredConns() >= stat.MaxConns() {
		p.log.Warn("connection pool exhausted",
			zap.Int32("acquired", stat.AcquiredConns()),
			zap.Int32("max", stat.MaxConns()))
		return nil, &ConnectionError{Kind: ErrPoolExhausted, Err: err}
	}
	p.log.Error("acquire connection", zap.Error(err))
	return nil, &ConnectionError{Kind: ErrStorageUnavailable, Err: err}
}

// Release returns conn to the pool. Releasing nil or an already released
// connection is a no-op.
func (p *Pool) Release(conn *Conn) {
	conn.Release()
}

// WithConn runs fn on a checked-out connection and releases it afterwards.
func (p *Pool) WithConn(ctx context.Context, fn func(conn *Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (p *Pool) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return p.WithConn(ctx, func(conn *Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return errors.Wrap(err, "begin transaction")
		}
		defer func() {
			// Rollback after Commit is a no-op.
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() metrics.PoolStats {
	s := p.pgx.Stat()
	return metrics.PoolStats{
		Acquired: s.AcquiredConns(),
		Idle:     s.IdleConns(),
		Total:    s.TotalConns(),
		Max:      s.MaxConns(),
	}
}

// Ping checks database connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(conn *Conn) error {
		return conn.Ping(ctx)
	})
}

// Close closes every connection. Outstanding connections are closed as they
// are released.
func (p *Pool) Close() {
	p.pgx.Close()
}
