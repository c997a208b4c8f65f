package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	p := NewPersistence("/tmp/test")
	assert.Equal(t, "/tmp/test", p.store.root)

	p = NewPersistence("file:///tmp/test")
	assert.Equal(t, "/tmp/test", p.store.root)
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := NewPersistence(t.TempDir())
	assert.NoError(t, p.HealthCheck(t.Context()))

	missing := NewPersistence(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, missing.HealthCheck(t.Context()))
}

func TestWorkflowRepository_WritesOneFilePerWorkflow(t *testing.T) {
	dir := t.TempDir()
	p := NewPersistence(dir)

	workflow := testutil.CreateTestWorkflow([][]models.Step{{testutil.CodeStep("double", "n => n * 2")}})
	workflow.ID = "double"

	require.NoError(t, p.WorkflowRepository().Save(t.Context(), workflow))

	_, err := os.Stat(filepath.Join(dir, "workflows", "double.json"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(dir, "workflows"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestStore_RejectsPathTraversal(t *testing.T) {
	p := NewPersistence(t.TempDir())

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		t.Run(id, func(t *testing.T) {
			_, err := p.WorkflowRepository().GetByID(t.Context(), id)
			assert.Error(t, err)
		})
	}
}
