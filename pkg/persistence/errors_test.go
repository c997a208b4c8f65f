package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions see through wrappers", func(t *testing.T) {
		workflowErr := persistence.NewWorkflowError("GetByID", "workflow-123", persistence.ErrWorkflowNotFound)
		executionErr := persistence.NewExecutionError("TryClaim", "exec-1", persistence.ErrExecutionNotFound)
		stepErr := persistence.NewStepResultError("Get", "exec-1", "fetch", persistence.ErrStepResultNotFound)

		assert.True(t, persistence.IsWorkflowNotFound(workflowErr))
		assert.True(t, persistence.IsExecutionNotFound(executionErr))
		assert.True(t, persistence.IsStepResultNotFound(stepErr))

		assert.False(t, persistence.IsExecutionNotFound(workflowErr))
		assert.True(t, errors.Is(stepErr, persistence.ErrStepResultNotFound))
	})

	t.Run("workflow error contains context", func(t *testing.T) {
		err := persistence.NewWorkflowError("Save", "workflow-123", persistence.ErrWorkflowNotFound)

		assert.Contains(t, err.Error(), "Save")
		assert.Contains(t, err.Error(), "workflow-123")
		assert.Contains(t, err.Error(), "workflow not found")
	})

	t.Run("step result error names the step", func(t *testing.T) {
		err := persistence.NewStepResultError("Upsert", "exec-1", "fetch", errors.New("disk full"))

		assert.Contains(t, err.Error(), "step fetch")
		assert.Contains(t, err.Error(), "execution exec-1")
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("joined error keeps sentinel", func(t *testing.T) {
		err := errors.Join(errors.New("context"), persistence.NewExecutionError("GetByID", "x", persistence.ErrExecutionNotFound))

		assert.True(t, persistence.IsExecutionNotFound(err))
	})
}
