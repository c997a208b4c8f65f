package web_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"github.com/dukex/waypoint/pkg/code"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/scheduler"
	"github.com/dukex/waypoint/pkg/tools"
	"github.com/dukex/waypoint/pkg/web"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_TriggerRunAndPoll(t *testing.T) {
	api := setupTestApp(t)
	definition := api.saveWorkflow(t)
	logger := slog.New(slog.DiscardHandler)

	status, body := api.do(t, http.MethodPost, "/workflows/"+definition.ID+"/executions", web.TriggerExecutionRequest{
		Input: map[string]any{"n": 21},
	})
	require.Equal(t, http.StatusCreated, status)

	var triggered web.TriggerExecutionResponse
	require.NoError(t, json.Unmarshal(body, &triggered))

	worker := scheduler.New(scheduler.DefaultConfig(), scheduler.Dependencies{
		Store:   api.store,
		Tools:   tools.NewRegistry(logger),
		Sandbox: code.NewGojaSandbox(logger),
		Clock:   api.clock,
		Logger:  logger,
	})

	processed, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	status, body = api.do(t, http.MethodGet, "/executions/"+triggered.Execution.ID, nil)
	require.Equal(t, http.StatusOK, status)

	var current workflow.Status
	require.NoError(t, json.Unmarshal(body, &current))
	assert.Equal(t, models.RunStateCompleted, current.State)
	assert.Equal(t, models.ExecutionStatusSuccess, current.Execution.Status)
	assert.Equal(t, map[string]any{"doubled": float64(42)}, current.Execution.Output)
	require.Len(t, current.Steps, 1)
	assert.Equal(t, "double", current.Steps[0].StepID)

	status, _ = api.do(t, http.MethodPost, "/executions/"+triggered.Execution.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
}
