// Package testutil provides shared test infrastructure, most notably a
// disposable PostgreSQL container with pgvector for integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mosaic0/mosaic/internal/postgres"
)

// TestDB wraps a PostgreSQL test container with a ready connection pool. The
// schema is fully migrated.
type TestDB struct {
	Container *pgcontainer.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupTestDB starts a pgvector-enabled PostgreSQL container, runs the
// migrations and returns a pool. The returned cleanup must be called to
// terminate the container.
func SetupTestDB(t *testing.T) (*TestDB, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := pgcontainer.Run(ctx,
		"pgvector/pgvector:pg16",
		pgcontainer.WithDatabase("mosaic_test"),
		pgcontainer.WithUsername("mosaic_test"),
		pgcontainer.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("getting connection string: %v", err)
	}

	if err := postgres.Migrate(connStr); err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("running migrations: %v", err)
	}

	pool, err := postgres.Open(ctx, connStr)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("opening pool: %v", err)
	}

	db := &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
	}
	cleanup := func() {
		pool.Close()
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminating postgres container: %v", err)
		}
	}
	return db, cleanup
}
