package mocks

import (
	"context"

	"github.com/dukex/waypoint/pkg/eventbus"
	"github.com/dukex/waypoint/pkg/events"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a testify mock of eventbus.EventBus.
type MockEventBus struct {
	mock.Mock
}

// AcceptAll makes every Publish succeed without setting expectations.
func (m *MockEventBus) AcceptAll() *MockEventBus {
	m.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	return m
}

// WakeupFor matches an execution.wakeup published for executionID with reason.
func WakeupFor(executionID string, reason events.WakeupReason) any {
	return mock.MatchedBy(func(e events.ExecutionWakeup) bool {
		return e.ExecutionID == executionID && e.Reason == reason
	})
}

// SavedWorkflow matches a workflow.saved notification for workflowID.
func SavedWorkflow(workflowID string) any {
	return mock.MatchedBy(func(e events.WorkflowSaved) bool {
		return e.WorkflowID == workflowID
	})
}

// AssertWakeup asserts an execution.wakeup keyed by the execution id was published.
func (m *MockEventBus) AssertWakeup(t mock.TestingT, executionID string, reason events.WakeupReason) bool {
	return m.AssertCalled(t, "Publish", mock.Anything, executionID, WakeupFor(executionID, reason))
}

// Published returns the events of eventType passed to Publish, in call order.
func (m *MockEventBus) Published(eventType events.EventType) []eventbus.Event {
	var published []eventbus.Event

	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}

		if event, ok := call.Arguments.Get(2).(eventbus.Event); ok && event.GetType() == eventType {
			published = append(published, event)
		}
	}

	return published
}

func (m *MockEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	args := m.Called(ctx, key, event)

	return args.Error(0)
}

func (m *MockEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	args := m.Called(eventType, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockEventBus) Close() error {
	return m.Called().Error(0)
}

func (m *MockEventBus) GenerateID() string {
	return m.Called().String(0)
}
