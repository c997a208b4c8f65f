package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/persistence/persistencetest"
	"github.com/dukex/waypoint/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{
		"workflow_event",
		"workflow_execution_step_result",
		"workflow_execution",
		"workflow",
		"workflow_collection",
		"schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping PostgreSQL container tests in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("waypoint_test"),
			postgres.WithUsername("waypoint"),
			postgres.WithPassword("waypoint"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	for _, table := range []string{"workflow_collection", "workflow", "workflow_execution", "workflow_execution_step_result", "workflow_event"} {
		var exists bool

		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	var indexes int

	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pg_indexes
WHERE tablename = 'workflow_event' AND indexname IN
('idx_workflow_event_pending', 'idx_workflow_event_lookup', 'idx_workflow_event_output')`).Scan(&indexes)
	require.NoError(t, err)
	assert.Equal(t, 3, indexes)
}

func TestNewPersistence_MigrationsAreReentrant(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	again, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)
	require.NoError(t, again.Close(ctx))
}

func TestNewPersistence_ConcurrentStartup(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)
	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.DiscardHandler)

	var group errgroup.Group

	for range 4 {
		group.Go(func() error {
			p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
			if err != nil {
				return err
			}

			return p.Close(ctx)
		})
	}

	require.NoError(t, group.Wait())
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestPostgresPersistence_Contract(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		p, _, _ := setupTestDB(t)

		return p
	})
}
