package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
)

// StepResultRepository stores one row per (execution_id, step_id).
type StepResultRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepResultRepository creates a new step result repository.
func NewStepResultRepository(db *sql.DB, logger *slog.Logger) *StepResultRepository {
	return &StepResultRepository{db: db, logger: logger}
}

const stepResultColumns = `
	execution_id
  , step_id
  , input
  , output
  , error
  , attempt
  , started_at_epoch_ms
  , completed_at_epoch_ms
`

// Upsert overwrites the latest attempt of a step.
func (r *StepResultRepository) Upsert(ctx context.Context, result *models.ExecutionStepResult) error {
	inputJSON, err := encodeJSON(result.Input)
	if err != nil {
		return persistence.NewStepResultError("Upsert", result.ExecutionID, result.StepID, err)
	}

	outputJSON, err := encodeJSON(result.Output)
	if err != nil {
		return persistence.NewStepResultError("Upsert", result.ExecutionID, result.StepID, err)
	}

	var errorJSON any
	if result.Error != nil {
		errorJSON, err = encodeJSON(result.Error)
		if err != nil {
			return persistence.NewStepResultError("Upsert", result.ExecutionID, result.StepID, err)
		}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_execution_step_result (`+stepResultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			input = EXCLUDED.input,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			attempt = EXCLUDED.attempt,
			started_at_epoch_ms = EXCLUDED.started_at_epoch_ms,
			completed_at_epoch_ms = EXCLUDED.completed_at_epoch_ms
	`,
		result.ExecutionID,
		result.StepID,
		inputJSON,
		outputJSON,
		errorJSON,
		result.Attempt,
		result.StartedAtEpochMs,
		result.CompletedAtEpochMs,
	)
	if err != nil {
		return persistence.NewStepResultError("Upsert", result.ExecutionID, result.StepID, err)
	}

	return nil
}

func (r *StepResultRepository) Get(ctx context.Context, executionID, stepID string) (*models.ExecutionStepResult, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+stepResultColumns+` FROM workflow_execution_step_result
		WHERE execution_id = $1 AND step_id = $2
	`, executionID, stepID)

	result, err := scanStepResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStepResultError("Get", executionID, stepID, persistence.ErrStepResultNotFound)
		}

		return nil, persistence.NewStepResultError("Get", executionID, stepID, err)
	}

	return result, nil
}

func (r *StepResultRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.ExecutionStepResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+stepResultColumns+` FROM workflow_execution_step_result
		WHERE execution_id = $1
		ORDER BY COALESCE(started_at_epoch_ms, 0), step_id
	`, executionID)
	if err != nil {
		return nil, persistence.NewExecutionError("ListByExecution", executionID, err)
	}
	defer closeRows(ctx, r.logger, rows)

	results := make([]*models.ExecutionStepResult, 0)

	for rows.Next() {
		result, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}

		results = append(results, result)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating step results: %w", err)
	}

	return results, nil
}

func scanStepResult(row scanner) (*models.ExecutionStepResult, error) {
	var (
		result      models.ExecutionStepResult
		inputJSON   []byte
		outputJSON  []byte
		errorJSON   []byte
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)

	err := row.Scan(
		&result.ExecutionID,
		&result.StepID,
		&inputJSON,
		&outputJSON,
		&errorJSON,
		&result.Attempt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	result.StartedAtEpochMs = nullInt64(startedAt)
	result.CompletedAtEpochMs = nullInt64(completedAt)

	err = decodeJSON(inputJSON, &result.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}

	err = decodeJSON(outputJSON, &result.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}

	if len(errorJSON) > 0 && string(errorJSON) != "null" {
		result.Error = &models.StepError{}

		err = decodeJSON(errorJSON, result.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	return &result, nil
}
