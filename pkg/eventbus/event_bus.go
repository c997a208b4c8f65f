// Package eventbus carries engine notifications between processes.
package eventbus

import (
	"context"

	"github.com/dukex/waypoint/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}

// decode returns an empty value of the concrete event registered for eventType.
func decode(eventType events.EventType) (any, bool) {
	switch eventType {
	case events.ExecutionWakeupEvent:
		return &events.ExecutionWakeup{}, true
	case events.ExecutionCompletedEvent:
		return &events.ExecutionCompleted{}, true
	case events.WorkflowSavedEvent:
		return &events.WorkflowSaved{}, true
	default:
		return nil, false
	}
}

// Nop discards every notification. Components use it when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }
func (Nop) Handle(events.EventType, EventHandler) error  { return nil }
func (Nop) Subscribe(context.Context) error              { return nil }
func (Nop) Close() error                                 { return nil }
func (Nop) GenerateID() string                           { return "" }
