// Package store is the Postgres data layer: a connection pool, the generic
// DAO contract and one DAO per entity.
package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/cache"
)

// Store bundles the DAOs that share one pool.
type Store struct {
	Pool        *Pool
	Jobs        *JobDAO
	Annotations *AnnotationDAO
	ResultFiles *ResultFileDAO
	APIKeys     *APIKeyDAO
}

// New builds every DAO on top of pool. c may be nil to disable read caching.
func New(pool *Pool, c cache.Cache, log *zap.Logger, opts AnnotationOptions) *Store {
	s := &Store{
		Pool:        pool,
		Jobs:        NewJobDAO(pool, log),
		Annotations: NewAnnotationDAO(pool, c, log, opts),
		ResultFiles: NewResultFileDAO(pool, log),
		APIKeys:     NewAPIKeyDAO(pool, log),
	}
	s.Jobs.OnDelete(s.Annotations.Invalidate)
	return s
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}
