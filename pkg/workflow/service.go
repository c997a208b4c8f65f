package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/waypoint/pkg/eventbus"
	"github.com/dukex/waypoint/pkg/eventlog"
	"github.com/dukex/waypoint/pkg/events"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrExecutionTerminal is returned when signalling or cancelling an execution
// that already finished.
var ErrExecutionTerminal = errors.New("execution already terminal")

// idempotencyNamespace scopes the UUIDv5 ids derived from idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f1c7f4e-5a83-4d0e-9a4c-1f7e8e0b2d61")

// TriggerRequest asks for a new execution of a workflow.
type TriggerRequest struct {
	WorkflowID        string  `json:"workflow_id"                   validate:"required"`
	Input             any     `json:"input,omitempty"`
	TimeoutMs         *int64  `json:"timeout_ms,omitempty"          validate:"omitempty,gt=0"`
	StartAtEpochMs    *int64  `json:"start_at_epoch_ms,omitempty"`
	ParentExecutionID *string `json:"parent_execution_id,omitempty"`

	// IdempotencyKey makes duplicate triggers resolve to one execution.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SignalRequest delivers a named signal to a running execution.
type SignalRequest struct {
	ExecutionID       string  `json:"execution_id"                  validate:"required"`
	Name              string  `json:"name"                          validate:"required"`
	Payload           any     `json:"payload,omitempty"`
	SourceExecutionID *string `json:"source_execution_id,omitempty"`
}

// Status is the poller's view of an execution.
type Status struct {
	Execution *models.WorkflowExecution     `json:"execution"`
	State     models.RunState               `json:"state"`
	Steps     []*models.ExecutionStepResult `json:"steps"`
	Children  []*models.WorkflowExecution   `json:"children,omitempty"`
}

// Service starts executions and forwards signals and cancellations to them.
type Service struct {
	persistence persistence.Persistence
	events      *eventlog.Log
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewService creates a service. publisher may be nil.
func NewService(p persistence.Persistence, publisher eventbus.EventPublisher, clock clockwork.Clock, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = eventbus.Nop{}
	}

	return &Service{
		persistence: p,
		events:      eventlog.New(p.EventRepository(), clock, logger),
		publisher:   publisher,
		clock:       clock,
		logger:      logger.With("module", "workflow_service"),
	}
}

// ExecutionID returns the id a trigger of workflowID with key resolves to.
func ExecutionID(workflowID, key string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(workflowID+"/"+key)).String()
}

// Trigger loads the workflow and instantiates it. created is false when the
// idempotency key matched an existing execution, which is returned instead.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*models.WorkflowExecution, bool, error) {
	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, false, err
	}

	return s.Instantiate(ctx, workflow, req)
}

// Instantiate creates an enqueued execution of workflow, computes its deadline
// and records workflow_started.
func (s *Service) Instantiate(ctx context.Context, workflow *models.Workflow, req TriggerRequest) (*models.WorkflowExecution, bool, error) {
	err := workflow.Validate()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	if req.ParentExecutionID != nil {
		_, err = s.persistence.ExecutionRepository().GetByID(ctx, *req.ParentExecutionID)
		if err != nil {
			return nil, false, fmt.Errorf("parent execution: %w", err)
		}
	}

	id := uuid.New().String()
	if req.IdempotencyKey != "" {
		id = ExecutionID(workflow.ID, req.IdempotencyKey)
	}

	now := s.clock.Now().UTC()

	execution := &models.WorkflowExecution{
		ID:                id,
		WorkflowID:        workflow.ID,
		Status:            models.ExecutionStatusEnqueued,
		Input:             req.Input,
		ParentExecutionID: req.ParentExecutionID,
		CreatedAt:         now,
		UpdatedAt:         now,
		StartAtEpochMs:    req.StartAtEpochMs,
		TimeoutMs:         req.TimeoutMs,
		MaxRetries:        workflow.MaxRetries,
	}

	if execution.TimeoutMs == nil {
		execution.TimeoutMs = workflow.TimeoutMs
	}

	if execution.TimeoutMs != nil {
		start := now.UnixMilli()
		if req.StartAtEpochMs != nil && *req.StartAtEpochMs > start {
			start = *req.StartAtEpochMs
		}

		execution.DeadlineAtEpochMs = models.Int64Ptr(start + *execution.TimeoutMs)
	}

	created, err := s.persistence.ExecutionRepository().Create(ctx, execution)
	if err != nil {
		return nil, false, err
	}

	if !created {
		existing, err := s.persistence.ExecutionRepository().GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}

		s.logger.InfoContext(ctx, "duplicate trigger resolved to existing execution",
			"workflow_id", workflow.ID,
			"execution_id", id)

		return existing, false, nil
	}

	_, err = s.events.Append(ctx, &models.WorkflowEvent{
		ExecutionID: id,
		Type:        models.EventTypeWorkflowStarted,
		Payload:     map[string]any{"workflow_id": workflow.ID, "input": req.Input},
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.InfoContext(ctx, "execution enqueued", "workflow_id", workflow.ID, "execution_id", id)
	s.wake(ctx, execution, events.WakeupTriggered)

	return execution, true, nil
}

// Signal appends a signal event to a non-terminal execution.
func (s *Service) Signal(ctx context.Context, req SignalRequest) (string, error) {
	execution, err := s.active(ctx, req.ExecutionID)
	if err != nil {
		return "", err
	}

	id, err := s.events.Append(ctx, &models.WorkflowEvent{
		ExecutionID:       req.ExecutionID,
		Type:              models.EventTypeSignal,
		Name:              models.StringPtr(req.Name),
		Payload:           req.Payload,
		SourceExecutionID: req.SourceExecutionID,
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "signal delivered", "execution_id", req.ExecutionID, "signal", req.Name)
	s.wake(ctx, execution, events.WakeupSignal)

	return id, nil
}

// Cancel requests cancellation. It is observed at the next phase boundary.
func (s *Service) Cancel(ctx context.Context, executionID string) error {
	execution, err := s.active(ctx, executionID)
	if err != nil {
		return err
	}

	_, err = s.events.Append(ctx, &models.WorkflowEvent{
		ExecutionID: executionID,
		Type:        models.EventTypeMessage,
		Name:        models.StringPtr(models.CancelMessageName),
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "cancellation requested", "execution_id", executionID)
	s.wake(ctx, execution, events.WakeupCancel)

	return nil
}

// Status returns the execution with its public run state and step results.
func (s *Service) Status(ctx context.Context, executionID string) (*Status, error) {
	execution, err := s.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	steps, err := s.persistence.StepResultRepository().ListByExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	children, err := s.persistence.ExecutionRepository().ListChildren(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return &Status{Execution: execution, State: execution.Status.RunState(), Steps: steps, Children: children}, nil
}

// Events returns the full event history of an execution.
func (s *Service) Events(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	_, err := s.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return s.events.History(ctx, executionID)
}

// Executions lists the latest executions of a workflow.
func (s *Service) Executions(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	return s.persistence.ExecutionRepository().ListByWorkflow(ctx, workflowID, limit)
}

func (s *Service) active(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	execution, err := s.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrExecutionTerminal, executionID, execution.Status)
	}

	return execution, nil
}

func (s *Service) wake(ctx context.Context, execution *models.WorkflowExecution, reason events.WakeupReason) {
	err := s.publisher.Publish(ctx, execution.ID, events.NewExecutionWakeup(execution.WorkflowID, execution.ID, reason))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to publish wakeup", "execution_id", execution.ID, "error", err)
	}
}
