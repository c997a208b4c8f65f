package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
)

// ExecutionRepository is the PostgreSQL execution ledger. Lease and status
// transitions are single conditional UPDATE statements.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

const executionColumns = `
	id
  , workflow_id
  , status
  , input
  , output
  , parent_execution_id
  , created_at
  , updated_at
  , start_at_epoch_ms
  , started_at_epoch_ms
  , completed_at_epoch_ms
  , timeout_ms
  , deadline_at_epoch_ms
  , lock_id
  , locked_until_epoch_ms
  , claimed_at_epoch_ms
  , retry_count
  , max_retries
  , error
`

func (r *ExecutionRepository) Create(ctx context.Context, execution *models.WorkflowExecution) (bool, error) {
	inputJSON, err := encodeJSON(execution.Input)
	if err != nil {
		return false, persistence.NewExecutionError("Create", execution.ID, fmt.Errorf("failed to marshal input: %w", err))
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO workflow_execution (
			id, workflow_id, status, input, parent_execution_id, created_at, updated_at,
			start_at_epoch_ms, timeout_ms, deadline_at_epoch_ms, retry_count, max_retries
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`,
		execution.ID,
		execution.WorkflowID,
		execution.Status,
		inputJSON,
		execution.ParentExecutionID,
		execution.CreatedAt,
		execution.UpdatedAt,
		execution.StartAtEpochMs,
		execution.TimeoutMs,
		execution.DeadlineAtEpochMs,
		execution.RetryCount,
		execution.MaxRetries,
	)
	if err != nil {
		return false, persistence.NewExecutionError("Create", execution.ID, err)
	}

	return affected(result)
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM workflow_execution WHERE id = $1", id)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}

	return r.list(ctx, `
		SELECT `+executionColumns+` FROM workflow_execution
		WHERE workflow_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, workflowID, limit)
}

func (r *ExecutionRepository) ListChildren(ctx context.Context, parentID string) ([]*models.WorkflowExecution, error) {
	return r.list(ctx, `
		SELECT `+executionColumns+` FROM workflow_execution
		WHERE parent_execution_id = $1
		ORDER BY created_at, id
	`, parentID)
}

func (r *ExecutionRepository) list(ctx context.Context, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

// FindClaimable selects due executions, oldest first. A dormant execution is
// woken only by events that became visible at or after its last claim, so an
// event the previous cycle already saw does not wake it again.
func (r *ExecutionRepository) FindClaimable(ctx context.Context, nowMs int64, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.id FROM workflow_execution e
		WHERE e.status IN ('enqueued', 'running')
		  AND (e.start_at_epoch_ms IS NULL OR e.start_at_epoch_ms <= $1)
		  AND (e.lock_id IS NULL OR e.locked_until_epoch_ms < $1)
		  AND (
			e.status = 'enqueued'
			OR e.lock_id IS NOT NULL
			OR e.deadline_at_epoch_ms < $1
			OR EXISTS (
				SELECT 1 FROM workflow_event ev
				WHERE ev.execution_id = e.id
				  AND ev.consumed_at IS NULL
				  AND ev.type IN ('signal', 'timer', 'message')
				  AND ev.visible_at <= $1
				  AND ev.visible_at >= COALESCE(e.claimed_at_epoch_ms, 0)
			)
		  )
		ORDER BY e.created_at, e.id
		LIMIT $2
	`, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable executions: %w", err)
	}
	defer closeRows(ctx, r.logger, rows)

	ids := make([]string, 0)

	for rows.Next() {
		var id string

		err := rows.Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution id: %w", err)
		}

		ids = append(ids, id)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating claimable executions: %w", err)
	}

	return ids, nil
}

func (r *ExecutionRepository) TryClaim(ctx context.Context, id, token string, nowMs, untilMs int64) (bool, error) {
	return r.update(ctx, "TryClaim", id, `
		UPDATE workflow_execution SET
			retry_count = retry_count + CASE WHEN status = 'running' AND lock_id IS NOT NULL THEN 1 ELSE 0 END,
			lock_id = $2,
			locked_until_epoch_ms = $4,
			claimed_at_epoch_ms = $3,
			updated_at = $5
		WHERE id = $1
		  AND status IN ('enqueued', 'running')
		  AND (lock_id IS NULL OR locked_until_epoch_ms < $3)
	`, id, token, nowMs, untilMs, msTime(nowMs))
}

func (r *ExecutionRepository) Renew(ctx context.Context, id, token string, nowMs, untilMs int64) (bool, error) {
	return r.update(ctx, "Renew", id, `
		UPDATE workflow_execution SET
			locked_until_epoch_ms = $3,
			updated_at = $4
		WHERE id = $1
		  AND lock_id = $2
		  AND status IN ('enqueued', 'running')
	`, id, token, untilMs, msTime(nowMs))
}

func (r *ExecutionRepository) Release(ctx context.Context, id, token string, nowMs int64) (bool, error) {
	return r.update(ctx, "Release", id, `
		UPDATE workflow_execution SET
			lock_id = NULL,
			locked_until_epoch_ms = NULL,
			updated_at = $3
		WHERE id = $1 AND lock_id = $2
	`, id, token, msTime(nowMs))
}

func (r *ExecutionRepository) MarkRunning(ctx context.Context, id, token string, nowMs int64) (bool, error) {
	return r.update(ctx, "MarkRunning", id, `
		UPDATE workflow_execution SET
			status = 'running',
			started_at_epoch_ms = $3,
			updated_at = $4
		WHERE id = $1 AND lock_id = $2 AND status = 'enqueued'
	`, id, token, nowMs, msTime(nowMs))
}

func (r *ExecutionRepository) Complete(ctx context.Context, id, token string, completion persistence.Completion) (bool, error) {
	if !completion.Status.IsTerminal() {
		return false, nil
	}

	outputJSON, err := encodeJSON(completion.Output)
	if err != nil {
		return false, persistence.NewExecutionError("Complete", id, fmt.Errorf("failed to marshal output: %w", err))
	}

	var errorJSON any
	if completion.Error != nil {
		errorJSON, err = encodeJSON(completion.Error)
		if err != nil {
			return false, persistence.NewExecutionError("Complete", id, fmt.Errorf("failed to marshal error: %w", err))
		}
	}

	return r.update(ctx, "Complete", id, `
		UPDATE workflow_execution SET
			status = $3,
			output = $4,
			error = $5,
			completed_at_epoch_ms = $6,
			lock_id = NULL,
			locked_until_epoch_ms = NULL,
			updated_at = $7
		WHERE id = $1 AND lock_id = $2 AND status = 'running'
	`, id, token, completion.Status, outputJSON, errorJSON, completion.NowMs, msTime(completion.NowMs))
}

func (r *ExecutionRepository) update(ctx context.Context, op, id, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, persistence.NewExecutionError(op, id, err)
	}

	ok, err := affected(result)
	if err != nil {
		return false, persistence.NewExecutionError(op, id, err)
	}

	return ok, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return rows == 1, nil
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution   models.WorkflowExecution
		status      string
		inputJSON   []byte
		outputJSON  []byte
		parentID    sql.NullString
		startAt     sql.NullInt64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		timeoutMs   sql.NullInt64
		deadlineAt  sql.NullInt64
		lockID      sql.NullString
		lockedUntil sql.NullInt64
		claimedAt   sql.NullInt64
		errorJSON   []byte
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&status,
		&inputJSON,
		&outputJSON,
		&parentID,
		&execution.CreatedAt,
		&execution.UpdatedAt,
		&startAt,
		&startedAt,
		&completedAt,
		&timeoutMs,
		&deadlineAt,
		&lockID,
		&lockedUntil,
		&claimedAt,
		&execution.RetryCount,
		&execution.MaxRetries,
		&errorJSON,
	)
	if err != nil {
		return nil, err
	}

	execution.Status = models.ExecutionStatus(status)
	execution.ParentExecutionID = nullString(parentID)
	execution.StartAtEpochMs = nullInt64(startAt)
	execution.StartedAtEpochMs = nullInt64(startedAt)
	execution.CompletedAtEpochMs = nullInt64(completedAt)
	execution.TimeoutMs = nullInt64(timeoutMs)
	execution.DeadlineAtEpochMs = nullInt64(deadlineAt)
	execution.LockID = nullString(lockID)
	execution.LockedUntilEpochMs = nullInt64(lockedUntil)
	execution.ClaimedAtEpochMs = nullInt64(claimedAt)

	err = decodeJSON(inputJSON, &execution.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}

	err = decodeJSON(outputJSON, &execution.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}

	if len(errorJSON) > 0 && string(errorJSON) != "null" {
		execution.Error = &models.ExecutionError{}

		err = decodeJSON(errorJSON, execution.Error)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}

	return &execution, nil
}
