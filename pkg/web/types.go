// Package web provides HTTP request and response types for the workflow API.
package web

import "github.com/dukex/waypoint/pkg/models"

// TriggerExecutionRequest is the body of POST /workflows/:id/executions.
type TriggerExecutionRequest struct {
	Input             any     `json:"input,omitempty"`
	TimeoutMs         *int64  `json:"timeout_ms,omitempty"          validate:"omitempty,gt=0"`
	StartAtEpochMs    *int64  `json:"start_at_epoch_ms,omitempty"   validate:"omitempty,gt=0"`
	ParentExecutionID *string `json:"parent_execution_id,omitempty" validate:"omitempty,min=1"`
	IdempotencyKey    string  `json:"idempotency_key,omitempty"`
}

// TriggerExecutionResponse reports the execution a trigger resolved to.
// Created is false when an idempotency key matched an earlier trigger.
type TriggerExecutionResponse struct {
	Execution *models.WorkflowExecution `json:"execution"`
	Created   bool                      `json:"created"`
}

// SignalRequest is the body of POST /executions/:id/signals.
type SignalRequest struct {
	Name              string  `json:"name"                          validate:"required"`
	Payload           any     `json:"payload,omitempty"`
	SourceExecutionID *string `json:"source_execution_id,omitempty"`
}

// SignalResponse carries the id of the appended signal event.
type SignalResponse struct {
	EventID string `json:"event_id"`
}
