// Package events defines the notifications exchanged between waypoint processes.
// They are hints: every consumer re-reads the ledger, so a lost or duplicated
// notification only changes latency.
package events

import (
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every engine notification.
const Topic = "waypoint.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// ExecutionWakeupEvent asks workers to poll now: an execution was
	// triggered, signalled or cancelled.
	ExecutionWakeupEvent EventType = "execution.wakeup"

	// ExecutionCompletedEvent reports that an execution reached a terminal status.
	ExecutionCompletedEvent EventType = "execution.completed"

	// WorkflowSavedEvent reports a new or updated workflow definition.
	WorkflowSavedEvent EventType = "workflow.saved"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}

// WakeupReason tells why an execution became runnable.
type WakeupReason string

const (
	WakeupTriggered WakeupReason = "triggered"
	WakeupSignal    WakeupReason = "signal"
	WakeupCancel    WakeupReason = "cancel"
	WakeupChild     WakeupReason = "child_completed"
)

type ExecutionWakeup struct {
	BaseEvent

	ExecutionID string       `json:"execution_id"`
	Reason      WakeupReason `json:"reason"`
}

func (e ExecutionWakeup) GetType() EventType {
	return ExecutionWakeupEvent
}

// NewExecutionWakeup creates a wakeup for executionID.
func NewExecutionWakeup(workflowID, executionID string, reason WakeupReason) ExecutionWakeup {
	return ExecutionWakeup{
		BaseEvent:   NewBaseEvent(ExecutionWakeupEvent, workflowID),
		ExecutionID: executionID,
		Reason:      reason,
	}
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID       string                 `json:"execution_id"`
	ParentExecutionID string                 `json:"parent_execution_id,omitempty"`
	Status            models.ExecutionStatus `json:"status"`
	Error             *models.ExecutionError `json:"error,omitempty"`
	Duration          time.Duration          `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

// NewExecutionCompleted describes a terminal execution.
func NewExecutionCompleted(execution *models.WorkflowExecution, workerID string) ExecutionCompleted {
	event := ExecutionCompleted{
		BaseEvent:   NewBaseEvent(ExecutionCompletedEvent, execution.WorkflowID),
		ExecutionID: execution.ID,
		Status:      execution.Status,
		Error:       execution.Error,
	}

	event.WorkerID = workerID

	if execution.ParentExecutionID != nil {
		event.ParentExecutionID = *execution.ParentExecutionID
	}

	if execution.StartedAtEpochMs != nil && execution.CompletedAtEpochMs != nil {
		event.Duration = time.Duration(*execution.CompletedAtEpochMs-*execution.StartedAtEpochMs) * time.Millisecond
	}

	return event
}

type WorkflowSaved struct {
	BaseEvent
}

func (e WorkflowSaved) GetType() EventType {
	return WorkflowSavedEvent
}

// NewWorkflowSaved announces a stored workflow definition.
func NewWorkflowSaved(workflowID string) WorkflowSaved {
	return WorkflowSaved{BaseEvent: NewBaseEvent(WorkflowSavedEvent, workflowID)}
}
