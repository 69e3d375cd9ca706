// Package storetest starts a throwaway Postgres for integration tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/kiranshivaraju/amrhunter/internal/config"
	"github.com/kiranshivaraju/amrhunter/internal/store"
)

// DatabaseURL spins up a Postgres container, applies the migrations and
// returns its connection string. The container is removed when t ends.
func DatabaseURL(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("amrhunter_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr))
	return connStr
}

// NewPool returns a pool connected to a fresh, migrated database.
func NewPool(t *testing.T) *store.Pool {
	t.Helper()
	return NewPoolWithConfig(t, config.DatabaseConfig{
		URL:             DatabaseURL(t),
		MaxOpenConns:    10,
		MinConns:        1,
		ConnMaxLifetime: 5 * time.Minute,
		AcquireTimeout:  5 * time.Second,
	})
}

// NewPoolWithConfig connects with cfg. cfg.URL must already be migrated.
func NewPoolWithConfig(t *testing.T, cfg config.DatabaseConfig) *store.Pool {
	t.Helper()
	pool, err := store.Connect(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
