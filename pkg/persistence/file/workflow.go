package file

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/google/uuid"
)

const (
	collectionsDir = "collections"
	workflowsDir   = "workflows"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	store *store
}

// SaveCollection creates or replaces a workflow collection.
func (wr *WorkflowRepository) SaveCollection(_ context.Context, collection *models.WorkflowCollection) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	now := time.Now().UTC()
	if collection.CreatedAt.IsZero() {
		collection.CreatedAt = now
	}

	if collection.UpdatedAt.IsZero() {
		collection.UpdatedAt = now
	}

	return wr.store.write(collectionsDir, collection.ID, collection)
}

// Save creates or replaces a workflow, assigning a UUIDv7 when it has no id.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	if workflow.UpdatedAt.IsZero() {
		workflow.UpdatedAt = now
	}

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate workflow ID: %w", err)
		}

		workflow.ID = id.String()
	}

	err := wr.store.write(workflowsDir, workflow.ID, workflow)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// GetByID returns the workflow or persistence.ErrWorkflowNotFound.
func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	var workflow models.Workflow

	found, err := wr.store.read(workflowsDir, id, &workflow)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	if !found {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	return &workflow, nil
}

// GetAll returns every workflow, newest first.
func (wr *WorkflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	wr.store.mu.Lock()
	defer wr.store.mu.Unlock()

	ids, err := wr.store.ids(workflowsDir)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		var workflow models.Workflow

		found, err := wr.store.read(workflowsDir, id, &workflow)
		if err != nil {
			return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
		}

		if found {
			workflows = append(workflows, &workflow)
		}
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	return workflows, nil
}
