// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/google/uuid"
)

// CreateTestWorkflow creates a workflow with the given phases and default
// values that can be overridden.
func CreateTestWorkflow(phases [][]models.Step, overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:    uuid.New().String(),
		Title: "Test Workflow",
	}

	for _, steps := range phases {
		workflow.Phases = append(workflow.Phases, models.Phase{Steps: steps})
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithTimeout sets the workflow's default execution timeout.
func WithTimeout(timeout time.Duration) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.TimeoutMs = models.Int64Ptr(timeout.Milliseconds())
	}
}

// WithMaxRetries sets the workflow's crash-recovery budget.
func WithMaxRetries(maxRetries int) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.MaxRetries = maxRetries
	}
}

// ToolStep builds a tool_call step.
func ToolStep(name, connectionID, toolName string) models.Step {
	return models.Step{
		Name:   name,
		Action: models.ToolCallAction{ConnectionID: connectionID, ToolName: toolName},
	}
}

// CodeStep builds a code step.
func CodeStep(name, code string) models.Step {
	return models.Step{Name: name, Action: models.CodeAction{Code: code}}
}

// SleepStep builds a sleep step with a relative duration.
func SleepStep(name string, d time.Duration) models.Step {
	return models.Step{Name: name, Action: models.SleepAction{SleepMs: models.Int64Ptr(d.Milliseconds())}}
}

// SignalStep builds a wait_for_signal step; a zero timeout waits forever.
func SignalStep(name, signal string, timeout time.Duration) models.Step {
	action := models.WaitForSignalAction{SignalName: signal}
	if timeout > 0 {
		action.TimeoutMs = models.Int64Ptr(timeout.Milliseconds())
	}

	return models.Step{Name: name, Action: action}
}

// WithRetry returns step with a fixed-delay retry policy.
func WithRetry(step models.Step, maxAttempts int, backoff time.Duration) models.Step {
	step.Retry = &models.RetryPolicy{MaxAttempts: maxAttempts, BackoffMs: backoff.Milliseconds()}

	return step
}

// CreateTestExecution creates an enqueued execution of workflowID.
func CreateTestExecution(workflowID string, now time.Time, overrides ...func(*models.WorkflowExecution)) *models.WorkflowExecution {
	execution := &models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     models.ExecutionStatusEnqueued,
		Input:      map[string]any{"n": float64(5)},
		CreatedAt:  now.UTC().Truncate(time.Millisecond),
		UpdatedAt:  now.UTC().Truncate(time.Millisecond),
	}

	for _, override := range overrides {
		override(execution)
	}

	return execution
}

// CreateTestEvent creates an event of the given type for executionID.
func CreateTestEvent(executionID string, eventType models.EventType, name string, now time.Time) *models.WorkflowEvent {
	event := &models.WorkflowEvent{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ExecutionID: executionID,
		Type:        eventType,
		CreatedAt:   now.UTC().Truncate(time.Millisecond),
		VisibleAt:   models.Int64Ptr(now.UnixMilli()),
	}

	if name != "" {
		event.Name = models.StringPtr(name)
	}

	return event
}
