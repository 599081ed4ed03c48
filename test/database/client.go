// Package database provides the PostgreSQL test harness: a shared
// testcontainer (or an external CI database) with per-test isolation.
package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentmesh/relay/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// NewTestClient creates a migrated database client for one test.
// In CI (CI_DATABASE_URL set): connects to the external PostgreSQL service.
// In local dev: starts one shared testcontainer per test binary.
//
// Tests using this harness should t.Skip under testing.Short().
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		containerOnce.Do(func() {
			pgContainer, err := postgres.Run(ctx,
				"postgres:16-alpine",
				postgres.WithDatabase("relay_test"),
				postgres.WithUsername("relay"),
				postgres.WithPassword("relay"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(60*time.Second)),
			)
			if err != nil {
				containerErr = err
				return
			}
			sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
		})
		require.NoError(t, containerErr)
		connStr = sharedConnStr
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	require.NoError(t, db.PingContext(ctx))

	require.NoError(t, database.Migrate(db, "relay_test"))

	// Each test starts from clean tables; the schema is shared.
	_, err = db.ExecContext(ctx, `
		TRUNCATE outbox_entries, assignments, capabilities, presence, watermarks, transactions, events, streams`)
	require.NoError(t, err)

	client := database.NewClientFromDB(db, connStr)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
