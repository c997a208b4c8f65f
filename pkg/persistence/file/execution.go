package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
)

const executionsDir = "executions"

// ExecutionRepository handles execution ledger file operations.
type ExecutionRepository struct {
	store *store
}

func (er *ExecutionRepository) load(id string) (*models.WorkflowExecution, error) {
	var execution models.WorkflowExecution

	found, err := er.store.read(executionsDir, id, &execution)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, persistence.ErrExecutionNotFound
	}

	return &execution, nil
}

// mutate applies fn to the stored execution and persists it when fn returns true.
func (er *ExecutionRepository) mutate(op, id string, nowMs int64, fn func(*models.WorkflowExecution) bool) (bool, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	execution, err := er.load(id)
	if err != nil {
		return false, persistence.NewExecutionError(op, id, err)
	}

	if !fn(execution) {
		return false, nil
	}

	execution.UpdatedAt = time.UnixMilli(nowMs).UTC()

	err = er.store.write(executionsDir, id, execution)
	if err != nil {
		return false, persistence.NewExecutionError(op, id, err)
	}

	return true, nil
}

func (er *ExecutionRepository) Create(_ context.Context, execution *models.WorkflowExecution) (bool, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	_, err := er.load(execution.ID)
	if err == nil {
		return false, nil
	}

	if !persistence.IsExecutionNotFound(err) {
		return false, persistence.NewExecutionError("Create", execution.ID, err)
	}

	err = er.store.write(executionsDir, execution.ID, execution)
	if err != nil {
		return false, persistence.NewExecutionError("Create", execution.ID, err)
	}

	return true, nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	execution, err := er.load(id)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

func (er *ExecutionRepository) all() ([]*models.WorkflowExecution, error) {
	ids, err := er.store.ids(executionsDir)
	if err != nil {
		return nil, err
	}

	executions := make([]*models.WorkflowExecution, 0, len(ids))

	for _, id := range ids {
		execution, err := er.load(id)
		if err != nil {
			return nil, persistence.NewExecutionError("load", id, err)
		}

		executions = append(executions, execution)
	}

	sort.Slice(executions, func(i, j int) bool {
		if executions[i].CreatedAt.Equal(executions[j].CreatedAt) {
			return executions[i].ID < executions[j].ID
		}

		return executions[i].CreatedAt.Before(executions[j].CreatedAt)
	})

	return executions, nil
}

// ListByWorkflow returns the newest executions of a workflow first.
func (er *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkflowExecution, 0)

	for i := len(executions) - 1; i >= 0; i-- {
		if executions[i].WorkflowID != workflowID {
			continue
		}

		result = append(result, executions[i])

		if limit > 0 && len(result) == limit {
			break
		}
	}

	return result, nil
}

func (er *ExecutionRepository) ListChildren(_ context.Context, parentID string) ([]*models.WorkflowExecution, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	children := make([]*models.WorkflowExecution, 0)

	for _, execution := range executions {
		if execution.ParentExecutionID != nil && *execution.ParentExecutionID == parentID {
			children = append(children, execution)
		}
	}

	return children, nil
}

func leaseFree(execution *models.WorkflowExecution, nowMs int64) bool {
	return execution.LockID == nil || execution.LockedUntilEpochMs == nil || *execution.LockedUntilEpochMs < nowMs
}

// FindClaimable returns due executions, oldest first.
func (er *ExecutionRepository) FindClaimable(_ context.Context, nowMs int64, limit int) ([]string, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)

	for _, execution := range executions {
		if limit > 0 && len(ids) == limit {
			break
		}

		ok, err := er.claimable(execution, nowMs)
		if err != nil {
			return nil, err
		}

		if ok {
			ids = append(ids, execution.ID)
		}
	}

	return ids, nil
}

func (er *ExecutionRepository) claimable(execution *models.WorkflowExecution, nowMs int64) (bool, error) {
	if execution.Status.IsTerminal() || !leaseFree(execution, nowMs) {
		return false, nil
	}

	if execution.StartAtEpochMs != nil && *execution.StartAtEpochMs > nowMs {
		return false, nil
	}

	if execution.Status == models.ExecutionStatusEnqueued || execution.LockID != nil {
		return true, nil
	}

	if execution.DeadlineExceeded(nowMs) {
		return true, nil
	}

	var claimedAt int64
	if execution.ClaimedAtEpochMs != nil {
		claimedAt = *execution.ClaimedAtEpochMs
	}

	events, err := loadEvents(er.store, execution.ID)
	if err != nil {
		return false, err
	}

	for _, event := range events {
		visible := event.VisibleAtMs()
		if event.Type.IsWakeEvent() && event.ConsumedAt == nil && visible <= nowMs && visible >= claimedAt {
			return true, nil
		}
	}

	return false, nil
}

func (er *ExecutionRepository) TryClaim(_ context.Context, id, token string, nowMs, untilMs int64) (bool, error) {
	return er.mutate("TryClaim", id, nowMs, func(execution *models.WorkflowExecution) bool {
		if execution.Status.IsTerminal() || !leaseFree(execution, nowMs) {
			return false
		}

		if execution.Status == models.ExecutionStatusRunning && execution.LockID != nil {
			execution.RetryCount++
		}

		execution.LockID = models.StringPtr(token)
		execution.LockedUntilEpochMs = models.Int64Ptr(untilMs)
		execution.ClaimedAtEpochMs = models.Int64Ptr(nowMs)

		return true
	})
}

func holds(execution *models.WorkflowExecution, token string) bool {
	return execution.LockID != nil && *execution.LockID == token
}

func (er *ExecutionRepository) Renew(_ context.Context, id, token string, nowMs, untilMs int64) (bool, error) {
	return er.mutate("Renew", id, nowMs, func(execution *models.WorkflowExecution) bool {
		if execution.Status.IsTerminal() || !holds(execution, token) {
			return false
		}

		execution.LockedUntilEpochMs = models.Int64Ptr(untilMs)

		return true
	})
}

func (er *ExecutionRepository) Release(_ context.Context, id, token string, nowMs int64) (bool, error) {
	return er.mutate("Release", id, nowMs, func(execution *models.WorkflowExecution) bool {
		if !holds(execution, token) {
			return false
		}

		execution.LockID = nil
		execution.LockedUntilEpochMs = nil

		return true
	})
}

func (er *ExecutionRepository) MarkRunning(_ context.Context, id, token string, nowMs int64) (bool, error) {
	return er.mutate("MarkRunning", id, nowMs, func(execution *models.WorkflowExecution) bool {
		if execution.Status != models.ExecutionStatusEnqueued || !holds(execution, token) {
			return false
		}

		execution.Status = models.ExecutionStatusRunning
		execution.StartedAtEpochMs = models.Int64Ptr(nowMs)

		return true
	})
}

func (er *ExecutionRepository) Complete(_ context.Context, id, token string, completion persistence.Completion) (bool, error) {
	return er.mutate("Complete", id, completion.NowMs, func(execution *models.WorkflowExecution) bool {
		if !execution.Status.CanTransitionTo(completion.Status) ||
			execution.Status != models.ExecutionStatusRunning ||
			!holds(execution, token) {
			return false
		}

		execution.Status = completion.Status
		execution.Output = completion.Output
		execution.Error = completion.Error
		execution.CompletedAtEpochMs = models.Int64Ptr(completion.NowMs)
		execution.LockID = nil
		execution.LockedUntilEpochMs = nil

		return true
	})
}
