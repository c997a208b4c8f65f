package schedule_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/testutil"
	"github.com/dukex/waypoint/pkg/triggers/schedule"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrigger(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name        string
		workflowID  string
		cron        string
		expectError bool
	}{
		{name: "every five minutes", workflowID: "wf", cron: "*/5 * * * *"},
		{name: "daily", workflowID: "wf", cron: "0 0 * * *"},
		{name: "descriptor", workflowID: "wf", cron: "@hourly"},
		{name: "invalid cron expression", workflowID: "wf", cron: "invalid cron", expectError: true},
		{name: "empty cron", workflowID: "wf", cron: "", expectError: true},
		{name: "missing workflow", workflowID: "", cron: "* * * * *", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, err := schedule.NewTrigger(tt.workflowID, 0, models.Schedule{Cron: tt.cron}, logger)
			if tt.expectError {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.cron, trigger.CronExpr)
			assert.Equal(t, "wf/schedule/0", trigger.ID)
		})
	}
}

func TestFromWorkflows(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	step := testutil.CodeStep("a", "1")

	withSchedules := testutil.CreateTestWorkflow([][]models.Step{{step}}, func(w *models.Workflow) {
		w.Schedules = []models.Schedule{{Cron: "@daily"}, {Cron: "*/10 * * * *", Input: map[string]any{"batch": true}}}
	})
	without := testutil.CreateTestWorkflow([][]models.Step{{step}})

	all, err := schedule.FromWorkflows([]*models.Workflow{withSchedules, without}, logger)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, map[string]any{"batch": true}, all[1].Input)

	broken := testutil.CreateTestWorkflow([][]models.Step{{step}}, func(w *models.Workflow) {
		w.Schedules = []models.Schedule{{Cron: "bogus"}}
	})

	_, err = schedule.FromWorkflows([]*models.Workflow{broken}, logger)
	assert.ErrorContains(t, err, broken.ID)
}

func TestTrigger_RequestIsIdempotentPerTick(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	tick := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	first, err := schedule.NewTrigger("wf", 0, models.Schedule{Cron: "*/5 * * * *"}, logger)
	require.NoError(t, err)

	// another worker running the same schedule
	second, err := schedule.NewTrigger("wf", 0, models.Schedule{Cron: "*/5 * * * *"}, logger)
	require.NoError(t, err)

	a := first.Request(tick.Add(150 * time.Millisecond))
	b := second.Request(tick.Add(2 * time.Second))
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.Equal(t, "wf", a.WorkflowID)

	next := first.Request(tick.Add(5 * time.Minute))
	assert.NotEqual(t, a.IdempotencyKey, next.IdempotencyKey)

	assert.Equal(t, workflow.ExecutionID("wf", a.IdempotencyKey), workflow.ExecutionID("wf", b.IdempotencyKey))
}

func TestTrigger_StartFiresCallback(t *testing.T) {
	trigger, err := schedule.NewTrigger("wf", 0, models.Schedule{Cron: "@every 1s", Input: "tick"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received []workflow.TriggerRequest
	)

	ctx := context.Background()

	err = trigger.Start(ctx, func(_ context.Context, req workflow.TriggerRequest) error {
		mu.Lock()
		defer mu.Unlock()

		received = append(received, req)

		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) > 0
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, trigger.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, "wf", received[0].WorkflowID)
	assert.Equal(t, "tick", received[0].Input)
	assert.NotEmpty(t, received[0].IdempotencyKey)
}
