// Package postgresql provides the PostgreSQL persistence implementation of the
// workflow store, the execution ledger and the event log.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// migrationLockKey identifies the advisory lock held while migrating.
const migrationLockKey int64 = 0x77617970

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	workflowRepo   *WorkflowRepository
	executionRepo  *ExecutionRepository
	stepResultRepo *StepResultRepository
	eventRepo      *EventRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger = logger.With("module", "postgresql")
	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations()).WithAdvisoryLock(migrationLockKey)

	postgres := &Persistence{
		db:             database,
		logger:         logger,
		workflowRepo:   NewWorkflowRepository(database, logger),
		executionRepo:  NewExecutionRepository(database, logger),
		stepResultRepo: NewStepResultRepository(database, logger),
		eventRepo:      NewEventRepository(database, logger),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return p.executionRepo
}

func (p *Persistence) StepResultRepository() persistence.StepResultRepository {
	return p.stepResultRepo
}

func (p *Persistence) EventRepository() persistence.EventRepository {
	return p.eventRepo
}

// encodeJSON returns nil for a nil value so the column stores SQL NULL.
func encodeJSON(value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func decodeJSON(data []byte, target any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	return json.Unmarshal(data, target)
}

func nullInt64(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}

	v := value.Int64

	return &v
}

func nullString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}

	v := value.String

	return &v
}

type scanner interface {
	Scan(dest ...any) error
}

func closeRows(ctx context.Context, logger *slog.Logger, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
