package workflow_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/waypoint/pkg/events"
	"github.com/dukex/waypoint/pkg/mocks"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/persistence/file"
	"github.com/dukex/waypoint/pkg/testutil"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	service *workflow.Service
	store   persistence.Persistence
	bus     *mocks.MockEventBus
	clock   *clockwork.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	clock := clockwork.NewFakeClockAt(baseTime)
	bus := &mocks.MockEventBus{}
	bus.AcceptAll()

	return &fixture{
		service: workflow.NewService(store, bus, clock, slog.New(slog.DiscardHandler)),
		store:   store,
		bus:     bus,
		clock:   clock,
	}
}

func (f *fixture) saveWorkflow(t *testing.T, overrides ...func(*models.Workflow)) *models.Workflow {
	t.Helper()

	wf := testutil.CreateTestWorkflow([][]models.Step{{testutil.CodeStep("double", "({n}) => n * 2")}}, overrides...)
	require.NoError(t, f.store.WorkflowRepository().Save(context.Background(), wf))

	return wf
}

func TestService_Trigger(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.saveWorkflow(t, testutil.WithTimeout(time.Minute), testutil.WithMaxRetries(2))

	execution, created, err := f.service.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: wf.ID,
		Input:      map[string]any{"n": 5},
	})
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, models.ExecutionStatusEnqueued, execution.Status)
	assert.Equal(t, 2, execution.MaxRetries)
	assert.Equal(t, baseTime.Add(time.Minute).UnixMilli(), *execution.DeadlineAtEpochMs)

	stored, err := f.store.ExecutionRepository().GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.ID, stored.ID)

	started, err := f.store.EventRepository().List(ctx, persistence.EventQuery{
		ExecutionID: execution.ID,
		Types:       []models.EventType{models.EventTypeWorkflowStarted},
	})
	require.NoError(t, err)
	assert.Len(t, started, 1)

	f.bus.AssertWakeup(t, execution.ID, events.WakeupTriggered)
}

func TestService_TriggerDeadlineFollowsStartAt(t *testing.T) {
	f := setup(t)
	wf := f.saveWorkflow(t, testutil.WithTimeout(time.Minute))
	startAt := baseTime.Add(time.Hour).UnixMilli()

	execution, _, err := f.service.Trigger(context.Background(), workflow.TriggerRequest{
		WorkflowID:     wf.ID,
		StartAtEpochMs: &startAt,
		TimeoutMs:      models.Int64Ptr(1000),
	})
	require.NoError(t, err)

	assert.Equal(t, startAt, *execution.StartAtEpochMs)
	assert.Equal(t, startAt+1000, *execution.DeadlineAtEpochMs, "the request timeout overrides the workflow default")
}

func TestService_TriggerIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.saveWorkflow(t)
	req := workflow.TriggerRequest{WorkflowID: wf.ID, IdempotencyKey: "tick-1"}

	first, created, err := f.service.Trigger(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, workflow.ExecutionID(wf.ID, "tick-1"), first.ID)

	second, created, err := f.service.Trigger(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	executions, err := f.service.Executions(ctx, wf.ID, 10)
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestService_TriggerErrors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, _, err := f.service.Trigger(ctx, workflow.TriggerRequest{WorkflowID: "missing"})
	assert.True(t, persistence.IsWorkflowNotFound(err))

	wf := f.saveWorkflow(t)

	_, _, err = f.service.Trigger(ctx, workflow.TriggerRequest{WorkflowID: wf.ID, ParentExecutionID: models.StringPtr("ghost")})
	assert.True(t, persistence.IsExecutionNotFound(err))

	invalid := testutil.CreateTestWorkflow([][]models.Step{{testutil.CodeStep("a", "1"), testutil.CodeStep("a", "2")}})
	_, _, err = f.service.Instantiate(ctx, invalid, workflow.TriggerRequest{WorkflowID: invalid.ID})
	assert.ErrorIs(t, err, workflow.ErrInvalidWorkflow)
}

func TestService_SignalAndCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.saveWorkflow(t)

	execution, _, err := f.service.Trigger(ctx, workflow.TriggerRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	id, err := f.service.Signal(ctx, workflow.SignalRequest{
		ExecutionID: execution.ID,
		Name:        "approved",
		Payload:     map[string]any{"by": "ops"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, f.service.Cancel(ctx, execution.ID))

	history, err := f.service.Events(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.EventTypeWorkflowStarted, history[0].Type)
	assert.Equal(t, models.EventTypeSignal, history[1].Type)
	assert.Equal(t, "approved", history[1].EventName())
	assert.Equal(t, models.EventTypeMessage, history[2].Type)
	assert.Equal(t, models.CancelMessageName, history[2].EventName())

	f.bus.AssertWakeup(t, execution.ID, events.WakeupSignal)
	f.bus.AssertWakeup(t, execution.ID, events.WakeupCancel)
}

func TestService_TerminalExecutionRejectsSignals(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.saveWorkflow(t)

	execution := testutil.CreateTestExecution(wf.ID, baseTime, func(e *models.WorkflowExecution) {
		e.Status = models.ExecutionStatusSuccess
	})
	_, err := f.store.ExecutionRepository().Create(ctx, execution)
	require.NoError(t, err)

	err = f.service.Cancel(ctx, execution.ID)
	assert.ErrorIs(t, err, workflow.ErrExecutionTerminal)

	_, err = f.service.Signal(ctx, workflow.SignalRequest{ExecutionID: execution.ID, Name: "late"})
	assert.ErrorIs(t, err, workflow.ErrExecutionTerminal)

	err = f.service.Cancel(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestService_Status(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	wf := f.saveWorkflow(t)

	execution, _, err := f.service.Trigger(ctx, workflow.TriggerRequest{WorkflowID: wf.ID})
	require.NoError(t, err)

	require.NoError(t, f.store.StepResultRepository().Upsert(ctx, &models.ExecutionStepResult{
		ExecutionID: execution.ID,
		StepID:      "double",
		Attempt:     1,
	}))

	status, err := f.service.Status(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePending, status.State)
	require.Len(t, status.Steps, 1)
	assert.Equal(t, "double", status.Steps[0].StepID)
	assert.Empty(t, status.Children)

	child, _, err := f.service.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID:        wf.ID,
		ParentExecutionID: &execution.ID,
	})
	require.NoError(t, err)

	status, err = f.service.Status(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, status.Children, 1)
	assert.Equal(t, child.ID, status.Children[0].ID)
}
