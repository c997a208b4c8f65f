package mocks

import (
	"context"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockWorkflowRepository is a mock implementation of persistence.WorkflowRepository.
type MockWorkflowRepository struct {
	mock.Mock
}

func (m *MockWorkflowRepository) SaveCollection(ctx context.Context, collection *models.WorkflowCollection) error {
	args := m.Called(ctx, collection)

	return args.Error(0)
}

func (m *MockWorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

func (m *MockWorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Workflow), args.Error(1)
}

func (m *MockWorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Workflow), args.Error(1)
}

// MockPersistence mocks the health of a persistence layer and its workflow
// repository. Ledger repositories come from Backing, which may be nil.
type MockPersistence struct {
	mock.Mock

	Workflows *MockWorkflowRepository
	Backing   persistence.Persistence
}

func NewMockPersistence(backing persistence.Persistence) *MockPersistence {
	return &MockPersistence{
		Workflows: &MockWorkflowRepository{},
		Backing:   backing,
	}
}

func (m *MockPersistence) WorkflowRepository() persistence.WorkflowRepository {
	return m.Workflows
}

func (m *MockPersistence) ExecutionRepository() persistence.ExecutionRepository {
	return m.Backing.ExecutionRepository()
}

func (m *MockPersistence) StepResultRepository() persistence.StepResultRepository {
	return m.Backing.StepResultRepository()
}

func (m *MockPersistence) EventRepository() persistence.EventRepository {
	return m.Backing.EventRepository()
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
