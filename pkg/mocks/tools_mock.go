package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockInvoker is a mock implementation of tools.Invoker.
type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, connectionID, toolName string, input any) (any, error) {
	args := m.Called(ctx, connectionID, toolName, input)

	return args.Get(0), args.Error(1)
}
