// Package persistence provides the storage abstraction for workflow definitions,
// the execution ledger and the per-execution event log.
package persistence

import (
	"context"

	"github.com/dukex/waypoint/pkg/models"
)

// Persistence aggregates the repositories backing the engine.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	StepResultRepository() StepResultRepository
	EventRepository() EventRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores workflow templates and their collections.
type WorkflowRepository interface {
	SaveCollection(ctx context.Context, collection *models.WorkflowCollection) error
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetAll(ctx context.Context) ([]*models.Workflow, error)
}

// ExecutionRepository is the execution ledger. Every mutating method is a single
// conditional update and reports through its bool result whether the
// precondition held; a false result is never an error.
type ExecutionRepository interface {
	// Create inserts the execution unless one with the same id exists.
	Create(ctx context.Context, execution *models.WorkflowExecution) (bool, error)
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error)
	ListChildren(ctx context.Context, parentID string) ([]*models.WorkflowExecution, error)

	// FindClaimable returns ids of executions a worker may claim at nowMs:
	// enqueued and due, running with an expired lease, or running and dormant
	// with a wake event visible since the last claim or a passed deadline.
	FindClaimable(ctx context.Context, nowMs int64, limit int) ([]string, error)

	// TryClaim sets a fresh lease when the execution is unleased or its lease
	// expired. Reclaiming an expired lease of a running execution increments
	// retry_count.
	TryClaim(ctx context.Context, id, token string, nowMs, untilMs int64) (bool, error)
	Renew(ctx context.Context, id, token string, nowMs, untilMs int64) (bool, error)
	Release(ctx context.Context, id, token string, nowMs int64) (bool, error)

	// MarkRunning moves an enqueued execution held by token to running.
	MarkRunning(ctx context.Context, id, token string, nowMs int64) (bool, error)

	// Complete moves a running execution held by token to a terminal status and
	// clears its lease.
	Complete(ctx context.Context, id, token string, completion Completion) (bool, error)
}

// Completion is the terminal outcome written by ExecutionRepository.Complete.
type Completion struct {
	Status models.ExecutionStatus
	Output any
	Error  *models.ExecutionError
	NowMs  int64
}

// StepResultRepository stores the latest attempt outcome of each step.
type StepResultRepository interface {
	Upsert(ctx context.Context, result *models.ExecutionStepResult) error
	Get(ctx context.Context, executionID, stepID string) (*models.ExecutionStepResult, error)
	ListByExecution(ctx context.Context, executionID string) ([]*models.ExecutionStepResult, error)
}

// EventQuery filters the event log. Empty fields match everything; an empty
// ExecutionID queries the whole system.
type EventQuery struct {
	ExecutionID string
	Types       []models.EventType
	Name        *string

	// PendingAt, when set, restricts the result to unconsumed events visible at
	// that epoch millisecond.
	PendingAt *int64
	Limit     int
}

// EventRepository is the append-only event log.
type EventRepository interface {
	Append(ctx context.Context, event *models.WorkflowEvent) error

	// InsertOutput appends an output event unless one with the same
	// (execution_id, name) exists.
	InsertOutput(ctx context.Context, event *models.WorkflowEvent) (bool, error)

	// List returns matching events in append order.
	List(ctx context.Context, query EventQuery) ([]*models.WorkflowEvent, error)

	// Consume stamps consumed_at on a pending event. Only the first caller wins.
	Consume(ctx context.Context, id string, nowMs int64) (bool, error)
}
