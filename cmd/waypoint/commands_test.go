package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, databaseURL string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := NewRootCommand()
	root.Writer = &out

	err := root.Run(context.Background(), append([]string{"waypoint", "--database-url", databaseURL}, args...))

	return out.String(), err
}

func TestCLI_LoadTriggerSignalCancelStatus(t *testing.T) {
	databaseURL := t.TempDir()

	out, err := runCLI(t, databaseURL, "load", "../../pkg/workflow/testdata")
	require.NoError(t, err)
	assert.Contains(t, out, "loaded order-fulfilment (Order fulfilment)")

	out, err = runCLI(t, databaseURL, "trigger", "--input", `{"order":42}`, "--idempotency-key", "order-42", "order-fulfilment")
	require.NoError(t, err)

	executionID := workflow.ExecutionID("order-fulfilment", "order-42")
	assert.Equal(t, executionID+" created=true\n", out)

	out, err = runCLI(t, databaseURL, "trigger", "--idempotency-key", "order-42", "order-fulfilment")
	require.NoError(t, err)
	assert.Equal(t, executionID+" created=false\n", out)

	out, err = runCLI(t, databaseURL, "status", executionID)
	require.NoError(t, err)

	var status workflow.Status
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, models.RunStatePending, status.State)
	assert.Equal(t, map[string]any{"order": float64(42)}, status.Execution.Input)

	out, err = runCLI(t, databaseURL, "signal", "--name", "approved", "--payload", "true", executionID)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	_, err = runCLI(t, databaseURL, "cancel", executionID)
	require.NoError(t, err)

	out, err = runCLI(t, databaseURL, "status", "--events", executionID)
	require.NoError(t, err)

	var history []*models.WorkflowEvent
	require.NoError(t, json.Unmarshal([]byte(out), &history))
	require.Len(t, history, 3)
	assert.Equal(t, models.EventTypeSignal, history[1].Type)
	assert.Equal(t, true, history[1].Payload)
}

func TestCLI_Errors(t *testing.T) {
	databaseURL := t.TempDir()

	_, err := runCLI(t, databaseURL, "trigger")
	assert.ErrorIs(t, err, errMissingArgument)

	_, err = runCLI(t, databaseURL, "trigger", "--input", "{broken", "wf")
	assert.ErrorContains(t, err, "invalid JSON")

	_, err = runCLI(t, databaseURL, "cancel", "missing")
	assert.Error(t, err)
}
