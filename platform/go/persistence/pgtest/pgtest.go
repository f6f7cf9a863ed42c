// Package pgtest starts throwaway Postgres databases for integration tests.
package pgtest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
)

// Schema is the schema every integration test bootstraps into.
const Schema = "varda"

// Pool returns a pool connected to a bootstrapped database. TEST_DATABASE_URL wins when set,
// otherwise a postgres:16-alpine container is started. The test is skipped in -short mode.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	connString := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if connString == "" {
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("varda"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = container.Terminate(context.Background())
		})

		connString, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString, SearchPath: Schema})
	require.NoError(t, err)
	t.Cleanup(func() {
		persistence.ClosePool(pool)
	})

	require.NoError(t, persistence.BootstrapSchema(ctx, pool, Schema))
	truncateAll(ctx, t, pool)
	return pool
}

// truncateAll empties every table in the test schema so a shared TEST_DATABASE_URL starts clean.
func truncateAll(ctx context.Context, t *testing.T, pool *pgxpool.Pool) {
	t.Helper()

	rows, err := pool.Query(ctx, `SELECT tablename FROM pg_tables WHERE schemaname = $1`, Schema)
	require.NoError(t, err)
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)
	if len(tables) == 0 {
		return
	}

	quoted := make([]string, 0, len(tables))
	for _, name := range tables {
		quoted = append(quoted, pgx.Identifier{Schema, name}.Sanitize())
	}
	_, err = pool.Exec(ctx, "TRUNCATE "+strings.Join(quoted, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err)
}

// Exec runs fixture statements and fails the test on the first error.
func Exec(t *testing.T, pool *pgxpool.Pool, statements ...string) {
	t.Helper()
	for _, stmt := range statements {
		_, err := pool.Exec(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}
