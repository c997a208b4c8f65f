package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/google/uuid"
)

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const workflowColumns = `
	id
  , title
  , collection_id
  , phases
  , timeout_ms
  , max_retries
  , schedules
  , created_at
  , updated_at
`

// SaveCollection creates or updates a workflow collection.
func (r *WorkflowRepository) SaveCollection(ctx context.Context, collection *models.WorkflowCollection) error {
	now := time.Now().UTC()
	if collection.CreatedAt.IsZero() {
		collection.CreatedAt = now
	}

	if collection.UpdatedAt.IsZero() {
		collection.UpdatedAt = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_collection (id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			updated_at = EXCLUDED.updated_at
	`, collection.ID, collection.Title, collection.CreatedAt, collection.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save workflow collection %s: %w", collection.ID, err)
	}

	return nil
}

// Save saves a workflow to the database.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	if workflow.UpdatedAt.IsZero() {
		workflow.UpdatedAt = now
	}

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	phasesJSON, err := json.Marshal(workflow.Phases)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to marshal phases: %w", err))
	}

	schedulesJSON, err := encodeJSON(workflow.Schedules)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, fmt.Errorf("failed to marshal schedules: %w", err))
	}

	var collectionID any
	if workflow.CollectionID != "" {
		collectionID = workflow.CollectionID
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow (id, title, collection_id, phases, timeout_ms, max_retries, schedules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			collection_id = EXCLUDED.collection_id,
			phases = EXCLUDED.phases,
			timeout_ms = EXCLUDED.timeout_ms,
			max_retries = EXCLUDED.max_retries,
			schedules = EXCLUDED.schedules,
			updated_at = EXCLUDED.updated_at
	`,
		workflow.ID,
		workflow.Title,
		collectionID,
		phasesJSON,
		workflow.TimeoutMs,
		workflow.MaxRetries,
		schedulesJSON,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// GetByID returns the workflow or persistence.ErrWorkflowNotFound.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflow WHERE id = $1", id)

	workflow, err := r.scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return workflow, nil
}

// GetAll returns all workflows from the database.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+workflowColumns+" FROM workflow ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow      models.Workflow
		collectionID  sql.NullString
		phasesJSON    []byte
		timeoutMs     sql.NullInt64
		schedulesJSON []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Title,
		&collectionID,
		&phasesJSON,
		&timeoutMs,
		&workflow.MaxRetries,
		&schedulesJSON,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	workflow.CollectionID = collectionID.String
	workflow.TimeoutMs = nullInt64(timeoutMs)

	err = decodeJSON(phasesJSON, &workflow.Phases)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal phases: %w", err)
	}

	err = decodeJSON(schedulesJSON, &workflow.Schedules)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal schedules: %w", err)
	}

	return &workflow, nil
}
