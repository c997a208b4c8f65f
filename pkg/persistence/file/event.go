package file

import (
	"context"
	"slices"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
)

const eventsDir = "events"

// EventRepository keeps one file per execution holding its events in append order.
type EventRepository struct {
	store *store
}

func loadEvents(s *store, executionID string) ([]*models.WorkflowEvent, error) {
	events := make([]*models.WorkflowEvent, 0)

	_, err := s.read(eventsDir, executionID, &events)
	if err != nil {
		return nil, err
	}

	return events, nil
}

func validEvent(event *models.WorkflowEvent) bool {
	return event.ID != "" && event.ExecutionID != "" && event.Type != ""
}

func (er *EventRepository) Append(_ context.Context, event *models.WorkflowEvent) error {
	if !validEvent(event) {
		return persistence.NewExecutionError("Append", event.ExecutionID, persistence.ErrInvalidEvent)
	}

	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	return er.append(event)
}

func (er *EventRepository) append(event *models.WorkflowEvent) error {
	events, err := loadEvents(er.store, event.ExecutionID)
	if err != nil {
		return persistence.NewExecutionError("Append", event.ExecutionID, err)
	}

	events = append(events, event)

	err = er.store.write(eventsDir, event.ExecutionID, events)
	if err != nil {
		return persistence.NewExecutionError("Append", event.ExecutionID, err)
	}

	return nil
}

func (er *EventRepository) InsertOutput(_ context.Context, event *models.WorkflowEvent) (bool, error) {
	if !validEvent(event) || event.Type != models.EventTypeOutput {
		return false, persistence.NewExecutionError("InsertOutput", event.ExecutionID, persistence.ErrInvalidEvent)
	}

	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	events, err := loadEvents(er.store, event.ExecutionID)
	if err != nil {
		return false, persistence.NewExecutionError("InsertOutput", event.ExecutionID, err)
	}

	for _, existing := range events {
		if existing.Type == models.EventTypeOutput && existing.EventName() == event.EventName() {
			return false, nil
		}
	}

	err = er.append(event)
	if err != nil {
		return false, err
	}

	return true, nil
}

func matches(event *models.WorkflowEvent, query persistence.EventQuery) bool {
	if len(query.Types) > 0 && !slices.Contains(query.Types, event.Type) {
		return false
	}

	if query.Name != nil && event.EventName() != *query.Name {
		return false
	}

	if query.PendingAt != nil && !event.IsPending(*query.PendingAt) {
		return false
	}

	return true
}

func (er *EventRepository) List(_ context.Context, query persistence.EventQuery) ([]*models.WorkflowEvent, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	executionIDs := []string{query.ExecutionID}

	if query.ExecutionID == "" {
		ids, err := er.store.ids(eventsDir)
		if err != nil {
			return nil, err
		}

		executionIDs = ids
	}

	result := make([]*models.WorkflowEvent, 0)

	for _, executionID := range executionIDs {
		events, err := loadEvents(er.store, executionID)
		if err != nil {
			return nil, persistence.NewExecutionError("List", executionID, err)
		}

		for _, event := range events {
			if !matches(event, query) {
				continue
			}

			result = append(result, event)

			if query.Limit > 0 && len(result) == query.Limit {
				return result, nil
			}
		}
	}

	return result, nil
}

// Consume scans every execution's events for id.
func (er *EventRepository) Consume(_ context.Context, id string, nowMs int64) (bool, error) {
	er.store.mu.Lock()
	defer er.store.mu.Unlock()

	executionIDs, err := er.store.ids(eventsDir)
	if err != nil {
		return false, err
	}

	for _, executionID := range executionIDs {
		events, err := loadEvents(er.store, executionID)
		if err != nil {
			return false, persistence.NewExecutionError("Consume", executionID, err)
		}

		for _, event := range events {
			if event.ID != id {
				continue
			}

			if event.ConsumedAt != nil {
				return false, nil
			}

			event.ConsumedAt = models.Int64Ptr(nowMs)

			err = er.store.write(eventsDir, executionID, events)
			if err != nil {
				return false, persistence.NewExecutionError("Consume", executionID, err)
			}

			return true, nil
		}
	}

	return false, nil
}
