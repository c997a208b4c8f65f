package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStepResultNotFound indicates a step has no recorded attempt yet.
	ErrStepResultNotFound = errors.New("step result not found")

	// ErrInvalidEvent indicates an event is missing its execution or type.
	ErrInvalidEvent = errors.New("invalid event")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for workflow errors.
func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{
		Op:         op,
		WorkflowID: workflowID,
		Err:        err,
	}
}

// ExecutionError wraps ledger errors with the execution and, when relevant, step.
type ExecutionError struct {
	Op          string
	ExecutionID string
	StepID      string
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s operation failed for step %s of execution %s: %v", e.Op, e.StepID, e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// NewStepResultError creates an execution error scoped to one step.
func NewStepResultError(op, executionID, stepID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, StepID: stepID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsStepResultNotFound checks if an error indicates a step has not run yet.
func IsStepResultNotFound(err error) bool {
	return errors.Is(err, ErrStepResultNotFound)
}
