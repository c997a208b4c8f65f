// Package persistencetest holds the behavioural contract every persistence
// backend must satisfy.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) persistence.Persistence

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

const leaseMs = int64(30_000)

// Run executes the contract against the backend built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("workflows", func(t *testing.T) { testWorkflows(t, factory(t)) })
	t.Run("workflow timestamps are kept", func(t *testing.T) { testWorkflowTimestamps(t, factory(t)) })
	t.Run("create is idempotent", func(t *testing.T) { testCreateIdempotent(t, factory(t)) })
	t.Run("claim is exclusive", func(t *testing.T) { testClaimExclusive(t, factory(t)) })
	t.Run("renew and release need the token", func(t *testing.T) { testRenewRelease(t, factory(t)) })
	t.Run("terminal executions are immutable", func(t *testing.T) { testTerminalImmutable(t, factory(t)) })
	t.Run("find claimable", func(t *testing.T) { testFindClaimable(t, factory(t)) })
	t.Run("step results are overwritten", func(t *testing.T) { testStepResults(t, factory(t)) })
	t.Run("output events are unique", func(t *testing.T) { testOutputUnique(t, factory(t)) })
	t.Run("consume has one winner", func(t *testing.T) { testConsume(t, factory(t)) })
	t.Run("list children", func(t *testing.T) { testListChildren(t, factory(t)) })
	t.Run("list filters", func(t *testing.T) { testListFilters(t, factory(t)) })
}

func seed(t *testing.T, p persistence.Persistence, overrides ...func(*models.WorkflowExecution)) *models.WorkflowExecution {
	t.Helper()

	ctx := context.Background()
	workflow := testutil.CreateTestWorkflow([][]models.Step{{testutil.CodeStep("double", "n => n * 2")}})
	require.NoError(t, p.WorkflowRepository().Save(ctx, workflow))

	execution := testutil.CreateTestExecution(workflow.ID, baseTime, overrides...)

	created, err := p.ExecutionRepository().Create(ctx, execution)
	require.NoError(t, err)
	require.True(t, created)

	return execution
}

func ms(d time.Duration) int64 {
	return baseTime.Add(d).UnixMilli()
}

func testWorkflows(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.WorkflowRepository()

	collection := &models.WorkflowCollection{ID: "billing", Title: "Billing"}
	require.NoError(t, repo.SaveCollection(ctx, collection))

	workflow := testutil.CreateTestWorkflow(
		[][]models.Step{
			{testutil.SleepStep("wait", time.Second), testutil.SignalStep("approve", "approved", 5*time.Second)},
			{testutil.WithRetry(testutil.ToolStep("charge", "stripe", "charge"), 3, time.Second)},
		},
		testutil.WithTimeout(time.Minute),
		func(w *models.Workflow) { w.CollectionID = collection.ID },
	)
	require.NoError(t, repo.Save(ctx, workflow))

	got, err := repo.GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.Title, got.Title)
	assert.Equal(t, "billing", got.CollectionID)
	require.Len(t, got.Phases, 2)
	assert.Equal(t, workflow.Phases[0].Steps[1].Action, got.Phases[0].Steps[1].Action)
	assert.Equal(t, 3, got.Phases[1].Steps[0].MaxAttempts())
	assert.Equal(t, int64(60_000), *got.TimeoutMs)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func testWorkflowTimestamps(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.WorkflowRepository()

	collection := &models.WorkflowCollection{
		ID:        "billing",
		Title:     "Billing",
		CreatedAt: baseTime,
		UpdatedAt: baseTime.Add(time.Minute),
	}
	require.NoError(t, repo.SaveCollection(ctx, collection))
	assert.True(t, baseTime.Equal(collection.CreatedAt))
	assert.True(t, baseTime.Add(time.Minute).Equal(collection.UpdatedAt))

	workflow := testutil.CreateTestWorkflow([][]models.Step{{testutil.SleepStep("wait", time.Second)}})
	workflow.CreatedAt = baseTime
	workflow.UpdatedAt = baseTime.Add(time.Hour)
	require.NoError(t, repo.Save(ctx, workflow))

	got, err := repo.GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, baseTime.Equal(got.CreatedAt), "created_at %s", got.CreatedAt)
	assert.True(t, baseTime.Add(time.Hour).Equal(got.UpdatedAt), "updated_at %s", got.UpdatedAt)

	got.UpdatedAt = baseTime.Add(2 * time.Hour)
	require.NoError(t, repo.Save(ctx, got))

	got, err = repo.GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.True(t, baseTime.Equal(got.CreatedAt))
	assert.True(t, baseTime.Add(2*time.Hour).Equal(got.UpdatedAt))
}

func testCreateIdempotent(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	execution := seed(t, p)

	created, err := p.ExecutionRepository().Create(ctx, execution)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = p.ExecutionRepository().GetByID(ctx, "missing")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func testClaimExclusive(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.ExecutionRepository()
	execution := seed(t, p)

	ok, err := repo.TryClaim(ctx, execution.ID, "a", ms(0), ms(0)+leaseMs)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TryClaim(ctx, execution.ID, "b", ms(time.Second), ms(time.Second)+leaseMs)
	require.NoError(t, err)
	assert.False(t, ok, "a live lease must not be stolen")

	ok, err = repo.MarkRunning(ctx, execution.ID, "a", ms(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	expired := ms(31 * time.Second)

	ok, err = repo.TryClaim(ctx, execution.ID, "b", expired, expired+leaseMs)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lease can be reclaimed")

	got, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", *got.LockID)
	assert.Equal(t, expired+leaseMs, *got.LockedUntilEpochMs)
	assert.Equal(t, expired, *got.ClaimedAtEpochMs)
	assert.Equal(t, 1, got.RetryCount)
}

func testRenewRelease(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.ExecutionRepository()
	execution := seed(t, p)

	ok, err := repo.TryClaim(ctx, execution.ID, "a", ms(0), ms(0)+leaseMs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Renew(ctx, execution.ID, "b", ms(time.Second), ms(time.Second)+leaseMs)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Renew(ctx, execution.ID, "a", ms(time.Second), ms(time.Second)+leaseMs)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Release(ctx, execution.ID, "b", ms(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Release(ctx, execution.ID, "a", ms(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LockID)
	assert.Nil(t, got.LockedUntilEpochMs)

	ok, err = repo.Release(ctx, execution.ID, "a", ms(time.Second))
	require.NoError(t, err)
	assert.False(t, ok, "releasing twice is a no-op")
}

func testTerminalImmutable(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.ExecutionRepository()
	execution := seed(t, p)

	ok, err := repo.TryClaim(ctx, execution.ID, "a", ms(0), ms(0)+leaseMs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Complete(ctx, execution.ID, "a", persistence.Completion{Status: models.ExecutionStatusSuccess, NowMs: ms(0)})
	require.NoError(t, err)
	assert.False(t, ok, "an enqueued execution cannot complete")

	ok, err = repo.MarkRunning(ctx, execution.ID, "a", ms(0))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Complete(ctx, execution.ID, "a", persistence.Completion{
		Status: models.ExecutionStatusError,
		Error:  &models.ExecutionError{Type: models.ExecutionErrorStepFailed, Message: "boom", StepID: "double"},
		NowMs:  ms(time.Second),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, got.Status)
	assert.Equal(t, "double", got.Error.StepID)
	assert.Equal(t, ms(time.Second), *got.CompletedAtEpochMs)
	assert.Nil(t, got.LockID)

	ok, err = repo.TryClaim(ctx, execution.ID, "b", ms(time.Hour), ms(time.Hour)+leaseMs)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Complete(ctx, execution.ID, "a", persistence.Completion{Status: models.ExecutionStatusSuccess, NowMs: ms(time.Hour)})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = repo.GetByID(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, got.Status)
}

func testFindClaimable(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.ExecutionRepository()
	events := p.EventRepository()

	enqueued := seed(t, p)
	delayed := seed(t, p, func(e *models.WorkflowExecution) {
		e.StartAtEpochMs = models.Int64Ptr(ms(time.Hour))
	})
	dormant := seed(t, p, func(e *models.WorkflowExecution) {
		e.DeadlineAtEpochMs = models.Int64Ptr(ms(10 * time.Minute))
	})

	ok, err := repo.TryClaim(ctx, dormant.ID, "w", ms(0), ms(0)+leaseMs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkRunning(ctx, dormant.ID, "w", ms(0))
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := repo.FindClaimable(ctx, ms(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{enqueued.ID}, ids, "leased and delayed executions are not claimable")

	ok, err = repo.Release(ctx, dormant.ID, "w", ms(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ids, err = repo.FindClaimable(ctx, ms(2*time.Second), 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, dormant.ID, "a released execution sleeps until an event wakes it")

	timer := testutil.CreateTestEvent(dormant.ID, models.EventTypeTimer, "sleep/double", baseTime)
	timer.VisibleAt = models.Int64Ptr(ms(5 * time.Second))
	require.NoError(t, events.Append(ctx, timer))

	ids, err = repo.FindClaimable(ctx, ms(4*time.Second), 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, dormant.ID, "the timer is not visible yet")

	ids, err = repo.FindClaimable(ctx, ms(5*time.Second), 10)
	require.NoError(t, err)
	assert.Contains(t, ids, dormant.ID)

	ok, err = repo.TryClaim(ctx, dormant.ID, "w2", ms(6*time.Second), ms(6*time.Second)+leaseMs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.Release(ctx, dormant.ID, "w2", ms(6*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	ids, err = repo.FindClaimable(ctx, ms(7*time.Second), 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, dormant.ID, "an event seen by the last claim does not wake again")

	ids, err = repo.FindClaimable(ctx, ms(11*time.Minute), 10)
	require.NoError(t, err)
	assert.Contains(t, ids, dormant.ID, "a passed deadline wakes the execution")
	assert.NotContains(t, ids, delayed.ID)

	ids, err = repo.FindClaimable(ctx, ms(time.Hour), 10)
	require.NoError(t, err)
	assert.Contains(t, ids, delayed.ID, "a delayed execution becomes claimable at start_at")
}

func testStepResults(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.StepResultRepository()
	execution := seed(t, p)

	_, err := repo.Get(ctx, execution.ID, "double")
	assert.True(t, persistence.IsStepResultNotFound(err))

	first := &models.ExecutionStepResult{
		ExecutionID:      execution.ID,
		StepID:           "double",
		Input:            map[string]any{"n": float64(5)},
		Error:            &models.StepError{Message: "flaky", Retryable: true, Attempt: 1},
		Attempt:          1,
		StartedAtEpochMs: models.Int64Ptr(ms(0)),
	}
	require.NoError(t, repo.Upsert(ctx, first))

	second := &models.ExecutionStepResult{
		ExecutionID:        execution.ID,
		StepID:             "double",
		Input:              map[string]any{"n": float64(5)},
		Output:             map[string]any{"doubled": float64(10)},
		Attempt:            2,
		StartedAtEpochMs:   models.Int64Ptr(ms(time.Second)),
		CompletedAtEpochMs: models.Int64Ptr(ms(2 * time.Second)),
	}
	require.NoError(t, repo.Upsert(ctx, second))

	results, err := repo.ListByExecution(ctx, execution.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Attempt)
	assert.Nil(t, results[0].Error)
	assert.Equal(t, map[string]any{"doubled": float64(10)}, results[0].Output)
	assert.True(t, results[0].Succeeded())
}

func testOutputUnique(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.EventRepository()
	execution := seed(t, p)

	for i := range 2 {
		event := testutil.CreateTestEvent(execution.ID, models.EventTypeOutput, models.OutputResultName, baseTime)
		event.Payload = map[string]any{"attempt": float64(i)}

		inserted, err := repo.InsertOutput(ctx, event)
		require.NoError(t, err)
		assert.Equal(t, i == 0, inserted)
	}

	outputs, err := repo.List(ctx, persistence.EventQuery{
		ExecutionID: execution.ID,
		Types:       []models.EventType{models.EventTypeOutput},
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, map[string]any{"attempt": float64(0)}, outputs[0].Payload)
}

func testConsume(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.EventRepository()
	execution := seed(t, p)

	signal := testutil.CreateTestEvent(execution.ID, models.EventTypeSignal, "approved", baseTime)
	require.NoError(t, repo.Append(ctx, signal))

	ok, err := repo.Consume(ctx, signal.ID, ms(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Consume(ctx, signal.ID, ms(2*time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	pendingAt := ms(3 * time.Second)

	pending, err := repo.List(ctx, persistence.EventQuery{ExecutionID: execution.ID, PendingAt: &pendingAt})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testListChildren(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	parent := seed(t, p)
	first := seed(t, p, func(e *models.WorkflowExecution) { e.ParentExecutionID = &parent.ID })
	second := seed(t, p, func(e *models.WorkflowExecution) {
		e.ParentExecutionID = &parent.ID
		e.CreatedAt = baseTime.Add(time.Second)
	})
	seed(t, p)

	children, err := p.ExecutionRepository().ListChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, first.ID, children[0].ID, "children come back oldest first")
	assert.Equal(t, second.ID, children[1].ID)

	none, err := p.ExecutionRepository().ListChildren(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListFilters(t *testing.T, p persistence.Persistence) {
	ctx := context.Background()
	repo := p.EventRepository()
	first := seed(t, p)
	second := seed(t, p)

	started := testutil.CreateTestEvent(first.ID, models.EventTypeWorkflowStarted, "", baseTime)
	approved := testutil.CreateTestEvent(first.ID, models.EventTypeSignal, "approved", baseTime)
	later := testutil.CreateTestEvent(first.ID, models.EventTypeTimer, "sleep/double", baseTime)
	later.VisibleAt = models.Int64Ptr(ms(time.Minute))
	other := testutil.CreateTestEvent(second.ID, models.EventTypeSignal, "approved", baseTime)

	for _, event := range []*models.WorkflowEvent{started, approved, later, other} {
		require.NoError(t, repo.Append(ctx, event))
	}

	all, err := repo.List(ctx, persistence.EventQuery{ExecutionID: first.ID})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, started.ID, all[0].ID, "events come back in append order")

	name := "approved"
	now := ms(time.Second)

	signals, err := repo.List(ctx, persistence.EventQuery{
		Types:     []models.EventType{models.EventTypeSignal},
		Name:      &name,
		PendingAt: &now,
	})
	require.NoError(t, err)
	assert.Len(t, signals, 2, "an empty execution id searches every execution")

	pending, err := repo.List(ctx, persistence.EventQuery{ExecutionID: first.ID, PendingAt: &now})
	require.NoError(t, err)
	assert.Len(t, pending, 2, "invisible timers are not pending")
}
