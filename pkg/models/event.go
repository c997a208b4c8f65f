package models

import (
	"fmt"
	"time"
)

// EventType classifies entries of the per-execution event log.
type EventType string

const (
	EventTypeSignal            EventType = "signal"
	EventTypeTimer             EventType = "timer"
	EventTypeMessage           EventType = "message"
	EventTypeOutput            EventType = "output"
	EventTypeStepStarted       EventType = "step_started"
	EventTypeStepCompleted     EventType = "step_completed"
	EventTypeWorkflowStarted   EventType = "workflow_started"
	EventTypeWorkflowCompleted EventType = "workflow_completed"
)

// WakeEventTypes are the event types that make a dormant execution claimable.
var WakeEventTypes = []EventType{EventTypeSignal, EventTypeTimer, EventTypeMessage}

// IsWakeEvent reports whether events of type t can resume a dormant execution.
func (t EventType) IsWakeEvent() bool {
	for _, w := range WakeEventTypes {
		if w == t {
			return true
		}
	}

	return false
}

const (
	// OutputResultName names the output event carrying an execution's final result.
	OutputResultName = "result"

	// CancelMessageName names the message event that requests cancellation.
	CancelMessageName = "cancel"
)

// WorkflowEvent is an append-only log entry. VisibleAt and ConsumedAt are epoch
// milliseconds; an event is pending while ConsumedAt is nil.
type WorkflowEvent struct {
	ID                string    `json:"id"`
	ExecutionID       string    `json:"execution_id"`
	Type              EventType `json:"type"`
	Name              *string   `json:"name,omitempty"`
	Payload           any       `json:"payload,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	VisibleAt         *int64    `json:"visible_at,omitempty"`
	ConsumedAt        *int64    `json:"consumed_at,omitempty"`
	SourceExecutionID *string   `json:"source_execution_id,omitempty"`
}

// VisibleAtMs returns visible_at, falling back to the creation time.
func (e *WorkflowEvent) VisibleAtMs() int64 {
	if e.VisibleAt != nil {
		return *e.VisibleAt
	}

	return e.CreatedAt.UnixMilli()
}

// IsVisible reports whether the event is actionable at nowMs.
func (e *WorkflowEvent) IsVisible(nowMs int64) bool {
	return e.VisibleAtMs() <= nowMs
}

// IsPending reports whether the event is visible and not yet consumed.
func (e *WorkflowEvent) IsPending(nowMs int64) bool {
	return e.ConsumedAt == nil && e.IsVisible(nowMs)
}

// EventName returns the name or "" when unset.
func (e *WorkflowEvent) EventName() string {
	if e.Name == nil {
		return ""
	}

	return *e.Name
}

// SleepTimerName names the timer that ends a sleep step.
func SleepTimerName(step string) string {
	return "sleep/" + step
}

// SignalTimeoutTimerName names the timer that bounds one wait_for_signal attempt.
func SignalTimeoutTimerName(step string, attempt int) string {
	return fmt.Sprintf("timeout/%s/%d", step, attempt)
}

// RetryTimerName names the timer that releases the next attempt of a step.
func RetryTimerName(step string, attempt int) string {
	return fmt.Sprintf("retry/%s/%d", step, attempt)
}

// ChildCompletedSignalName names the signal a child execution raises on its parent.
func ChildCompletedSignalName(childExecutionID string) string {
	return "execution/" + childExecutionID + "/completed"
}
