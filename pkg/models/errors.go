package models

import (
	"errors"
	"fmt"
)

// ErrExecutionCancelled is recorded when a cancellation request is observed.
var ErrExecutionCancelled = errors.New("execution cancelled")

// ExecutionErrorType classifies the structured error persisted on an execution.
type ExecutionErrorType string

const (
	ExecutionErrorStepFailed         ExecutionErrorType = "step_failed"
	ExecutionErrorTimeout            ExecutionErrorType = "timeout"
	ExecutionErrorCancelled          ExecutionErrorType = "cancelled"
	ExecutionErrorMaxRetriesExceeded ExecutionErrorType = "max_retries_exceeded"
	ExecutionErrorInvalidDefinition  ExecutionErrorType = "invalid_definition"
)

// ExecutionError is the externally observable failure of an execution.
type ExecutionError struct {
	Type    ExecutionErrorType `json:"type"`
	Message string             `json:"message"`
	StepID  string             `json:"step_id,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Type, e.StepID, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// StepError is the error of a step attempt as stored on its result row.
type StepError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Attempt   int    `json:"attempt"`
}

func (e *StepError) Error() string {
	return e.Message
}

// StepTransientError is a retryable step failure; it consumes one attempt.
type StepTransientError struct {
	Err error
}

func (e *StepTransientError) Error() string {
	return "transient step failure: " + e.Err.Error()
}

func (e *StepTransientError) Unwrap() error {
	return e.Err
}

// StepTerminalError is a step failure that is not retried, either because it
// was classified non-retryable or because attempts are exhausted.
type StepTerminalError struct {
	StepID string
	Err    error
}

func (e *StepTerminalError) Error() string {
	if e.StepID == "" {
		return "terminal step failure: " + e.Err.Error()
	}

	return fmt.Sprintf("terminal failure of step %s: %v", e.StepID, e.Err)
}

func (e *StepTerminalError) Unwrap() error {
	return e.Err
}

// ExecutionTimeoutError reports that an execution ran past its deadline.
type ExecutionTimeoutError struct {
	DeadlineAtEpochMs int64
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution deadline %d exceeded", e.DeadlineAtEpochMs)
}

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}

	return &StepTerminalError{Err: err}
}

// Transient marks err as retryable. Unclassified errors are already transient.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &StepTransientError{Err: err}
}

// IsTerminal reports whether err was classified non-retryable.
func IsTerminal(err error) bool {
	var terminal *StepTerminalError

	return errors.As(err, &terminal)
}
