// Package workflow manages workflow definitions and starts, signals and
// cancels their executions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/waypoint/pkg/eventbus"
	"github.com/dukex/waypoint/pkg/events"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrInvalidWorkflow wraps every validation failure of a definition.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Repository stores workflow definitions after validating them.
type Repository struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	publisher   eventbus.EventPublisher
	clock       clockwork.Clock
	logger      *slog.Logger
}

// NewRepository creates a repository. publisher may be nil.
func NewRepository(p persistence.Persistence, publisher eventbus.EventPublisher, clock clockwork.Clock, logger *slog.Logger) *Repository {
	if publisher == nil {
		publisher = eventbus.Nop{}
	}

	return &Repository{
		persistence: p,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		publisher:   publisher,
		clock:       clock,
		logger:      logger.With("module", "workflow_repository"),
	}
}

func (r *Repository) HealthCheck(ctx context.Context) (string, bool) {
	if r.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := r.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

func (r *Repository) FetchAll(ctx context.Context) ([]*models.Workflow, error) {
	workflows, err := r.persistence.WorkflowRepository().GetAll(ctx)
	if err != nil {
		return make([]*models.Workflow, 0), err
	}

	return workflows, nil
}

func (r *Repository) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	return r.persistence.WorkflowRepository().GetByID(ctx, id)
}

// Validate runs the struct tag rules and the structural checks of the workflow.
func (r *Repository) Validate(workflow *models.Workflow) error {
	err := r.validate.Struct(workflow)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	err = workflow.Validate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	return nil
}

// Save validates and stores workflow, creating or replacing it. A missing id
// is generated.
func (r *Repository) Save(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	err := r.Validate(workflow)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now().UTC()

	existing, err := r.persistence.WorkflowRepository().GetByID(ctx, workflow.ID)

	switch {
	case err == nil:
		workflow.CreatedAt = existing.CreatedAt
	case persistence.IsWorkflowNotFound(err):
		workflow.CreatedAt = now
	default:
		return nil, err
	}

	workflow.UpdatedAt = now

	err = r.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "workflow saved", "workflow_id", workflow.ID, "phases", len(workflow.Phases))

	err = r.publisher.Publish(ctx, workflow.ID, events.NewWorkflowSaved(workflow.ID))
	if err != nil {
		r.logger.WarnContext(ctx, "failed to publish workflow saved", "workflow_id", workflow.ID, "error", err)
	}

	return workflow, nil
}

// SaveCollection stores a collection, generating its id when missing.
func (r *Repository) SaveCollection(ctx context.Context, collection *models.WorkflowCollection) (*models.WorkflowCollection, error) {
	if collection.ID == "" {
		collection.ID = uuid.New().String()
	}

	err := r.validate.Struct(collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	now := r.clock.Now().UTC()
	if collection.CreatedAt.IsZero() {
		collection.CreatedAt = now
	}

	collection.UpdatedAt = now

	return collection, r.persistence.WorkflowRepository().SaveCollection(ctx, collection)
}
