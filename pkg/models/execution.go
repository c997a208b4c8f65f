package models

import "time"

// ExecutionStatus is the canonical persisted status of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusEnqueued  ExecutionStatus = "enqueued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// RunState is the coarse state exposed to pollers.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateCancelled RunState = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces enqueued -> running -> {success, error, cancelled}.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionStatusEnqueued:
		return next == ExecutionStatusRunning
	case ExecutionStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// RunState maps the persisted status onto the public run state. Both success and
// error are completed; the error field tells them apart.
func (s ExecutionStatus) RunState() RunState {
	switch s {
	case ExecutionStatusEnqueued:
		return RunStatePending
	case ExecutionStatusRunning:
		return RunStateRunning
	case ExecutionStatusCancelled:
		return RunStateCancelled
	default:
		return RunStateCompleted
	}
}

// WorkflowExecution is one run of a workflow. All epoch fields are milliseconds.
type WorkflowExecution struct {
	ID                 string          `json:"id"`
	WorkflowID         string          `json:"workflow_id"`
	Status             ExecutionStatus `json:"status"`
	Input              any             `json:"input,omitempty"`
	Output             any             `json:"output,omitempty"`
	ParentExecutionID  *string         `json:"parent_execution_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	StartAtEpochMs     *int64          `json:"start_at_epoch_ms,omitempty"`
	StartedAtEpochMs   *int64          `json:"started_at_epoch_ms,omitempty"`
	CompletedAtEpochMs *int64          `json:"completed_at_epoch_ms,omitempty"`
	TimeoutMs          *int64          `json:"timeout_ms,omitempty"`
	DeadlineAtEpochMs  *int64          `json:"deadline_at_epoch_ms,omitempty"`
	LockID             *string         `json:"lock_id,omitempty"`
	LockedUntilEpochMs *int64          `json:"locked_until_epoch_ms,omitempty"`
	ClaimedAtEpochMs   *int64          `json:"claimed_at_epoch_ms,omitempty"`
	RetryCount         int             `json:"retry_count"`
	MaxRetries         int             `json:"max_retries"`
	Error              *ExecutionError `json:"error,omitempty"`
}

// IsLeased reports whether a worker holds an unexpired lease at nowMs.
func (e *WorkflowExecution) IsLeased(nowMs int64) bool {
	return e.LockID != nil && e.LockedUntilEpochMs != nil && *e.LockedUntilEpochMs >= nowMs
}

// DeadlineExceeded reports whether the execution ran past its deadline.
func (e *WorkflowExecution) DeadlineExceeded(nowMs int64) bool {
	return e.DeadlineAtEpochMs != nil && nowMs > *e.DeadlineAtEpochMs
}

// ExecutionStepResult is the latest attempt outcome of one step, keyed by
// (execution_id, step_id). Retries overwrite it.
type ExecutionStepResult struct {
	ExecutionID        string     `json:"execution_id"`
	StepID             string     `json:"step_id"`
	Input              any        `json:"input,omitempty"`
	Output             any        `json:"output,omitempty"`
	Error              *StepError `json:"error,omitempty"`
	Attempt            int        `json:"attempt"`
	StartedAtEpochMs   *int64     `json:"started_at_epoch_ms,omitempty"`
	CompletedAtEpochMs *int64     `json:"completed_at_epoch_ms,omitempty"`
}

// IsTerminal reports whether the step reached success or terminal failure.
func (r *ExecutionStepResult) IsTerminal() bool {
	return r != nil && r.CompletedAtEpochMs != nil
}

// Succeeded reports whether the step reached terminal success.
func (r *ExecutionStepResult) Succeeded() bool {
	return r.IsTerminal() && r.Error == nil
}

// AwaitingRetry reports whether the last attempt failed and another is scheduled.
func (r *ExecutionStepResult) AwaitingRetry() bool {
	return r != nil && r.CompletedAtEpochMs == nil && r.Error != nil
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}

// StringPtr returns a pointer to v.
func StringPtr(v string) *string {
	return &v
}
