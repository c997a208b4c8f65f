// Package eventlog is the per-execution append-only event stream: lifecycle
// markers, timers, signals, messages and idempotent outputs.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Log wraps the event repository with id assignment, clock stamping and the
// consumption protocol.
type Log struct {
	repo   persistence.EventRepository
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates an event log.
func New(repo persistence.EventRepository, clock clockwork.Clock, logger *slog.Logger) *Log {
	return &Log{
		repo:   repo,
		clock:  clock,
		logger: logger.With("module", "eventlog"),
	}
}

// Query selects pending events; an empty ExecutionID searches every execution.
type Query struct {
	ExecutionID string
	Type        models.EventType
	Name        string
	Limit       int
}

func (l *Log) stamp(event *models.WorkflowEvent) error {
	now := l.clock.Now().UTC()

	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate event ID: %w", err)
		}

		event.ID = id.String()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}

	if event.VisibleAt == nil {
		event.VisibleAt = models.Int64Ptr(now.UnixMilli())
	}

	return nil
}

// Append stores the event and returns its id.
func (l *Log) Append(ctx context.Context, event *models.WorkflowEvent) (string, error) {
	err := l.stamp(event)
	if err != nil {
		return "", err
	}

	err = l.repo.Append(ctx, event)
	if err != nil {
		return "", err
	}

	l.logger.DebugContext(ctx, "event appended",
		"execution_id", event.ExecutionID,
		"type", event.Type,
		"name", event.EventName(),
		"event_id", event.ID)

	return event.ID, nil
}

// Pending returns unconsumed events visible now, in append order.
func (l *Log) Pending(ctx context.Context, query Query) ([]*models.WorkflowEvent, error) {
	now := l.clock.Now().UnixMilli()

	filter := persistence.EventQuery{
		ExecutionID: query.ExecutionID,
		PendingAt:   &now,
		Limit:       query.Limit,
	}

	if query.Type != "" {
		filter.Types = []models.EventType{query.Type}
	}

	if query.Name != "" {
		filter.Name = &query.Name
	}

	return l.repo.List(ctx, filter)
}

// History returns every event of an execution, consumed or not.
func (l *Log) History(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	return l.repo.List(ctx, persistence.EventQuery{ExecutionID: executionID})
}

// Find returns every event of one type and name, consumed or not.
func (l *Log) Find(ctx context.Context, executionID string, eventType models.EventType, name string) ([]*models.WorkflowEvent, error) {
	filter := persistence.EventQuery{
		ExecutionID: executionID,
		Types:       []models.EventType{eventType},
	}

	if name != "" {
		filter.Name = &name
	}

	return l.repo.List(ctx, filter)
}

// PublishOutput records a named result once; later calls are successful no-ops.
func (l *Log) PublishOutput(ctx context.Context, executionID, name string, payload any) (bool, error) {
	event := &models.WorkflowEvent{
		ExecutionID: executionID,
		Type:        models.EventTypeOutput,
		Name:        models.StringPtr(name),
		Payload:     payload,
	}

	err := l.stamp(event)
	if err != nil {
		return false, err
	}

	inserted, err := l.repo.InsertOutput(ctx, event)
	if err != nil {
		return false, fmt.Errorf("failed to publish output %s: %w", name, err)
	}

	if !inserted {
		l.logger.DebugContext(ctx, "output already published", "execution_id", executionID, "name", name)
	}

	return inserted, nil
}

// Consume stamps consumed_at; only the first caller gets true.
func (l *Log) Consume(ctx context.Context, eventID string) (bool, error) {
	return l.repo.Consume(ctx, eventID, l.clock.Now().UnixMilli())
}

// MatchSignal consumes and returns the earliest pending signal named name on
// the execution, including signals raised by child executions. When another
// worker consumes a candidate first, the next one is tried.
func (l *Log) MatchSignal(ctx context.Context, executionID, name string) (*models.WorkflowEvent, error) {
	return l.claimFirst(ctx, Query{ExecutionID: executionID, Type: models.EventTypeSignal, Name: name})
}

// TakeMessage consumes the earliest pending message named name.
func (l *Log) TakeMessage(ctx context.Context, executionID, name string) (*models.WorkflowEvent, error) {
	return l.claimFirst(ctx, Query{ExecutionID: executionID, Type: models.EventTypeMessage, Name: name})
}

func (l *Log) claimFirst(ctx context.Context, query Query) (*models.WorkflowEvent, error) {
	candidates, err := l.Pending(ctx, query)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		ok, err := l.Consume(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}

		if ok {
			candidate.ConsumedAt = models.Int64Ptr(l.clock.Now().UnixMilli())

			return candidate, nil
		}
	}

	return nil, nil
}

// ScheduleTimer returns the timer named name, creating it with visibleAt when
// it does not exist yet. Re-running a step therefore never moves its timer.
func (l *Log) ScheduleTimer(ctx context.Context, executionID, name string, visibleAt int64) (*models.WorkflowEvent, error) {
	timer, err := l.FindTimer(ctx, executionID, name)
	if err != nil || timer != nil {
		return timer, err
	}

	timer = &models.WorkflowEvent{
		ExecutionID: executionID,
		Type:        models.EventTypeTimer,
		Name:        models.StringPtr(name),
		VisibleAt:   models.Int64Ptr(visibleAt),
	}

	_, err = l.Append(ctx, timer)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule timer %s: %w", name, err)
	}

	return timer, nil
}

// FindTimer returns the timer named name, consumed or not, or nil.
func (l *Log) FindTimer(ctx context.Context, executionID, name string) (*models.WorkflowEvent, error) {
	timers, err := l.Find(ctx, executionID, models.EventTypeTimer, name)
	if err != nil {
		return nil, err
	}

	if len(timers) == 0 {
		return nil, nil
	}

	return timers[0], nil
}

// Fired reports whether the timer is visible now and, if it is still pending,
// consumes it. A timer consumed by an earlier attempt also counts as fired.
func (l *Log) Fired(ctx context.Context, timer *models.WorkflowEvent) (bool, error) {
	if timer.ConsumedAt != nil {
		return true, nil
	}

	if !timer.IsVisible(l.clock.Now().UnixMilli()) {
		return false, nil
	}

	_, err := l.Consume(ctx, timer.ID)
	if err != nil {
		return false, err
	}

	return true, nil
}
