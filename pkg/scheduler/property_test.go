package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/testutil"
	"github.com/dukex/waypoint/pkg/tools"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var statusRank = map[models.ExecutionStatus]int{
	models.ExecutionStatusEnqueued:  0,
	models.ExecutionStatusRunning:   1,
	models.ExecutionStatusSuccess:   2,
	models.ExecutionStatusError:     2,
	models.ExecutionStatusCancelled: 2,
}

func drawStep(rt *rapid.T, name string) models.Step {
	switch rapid.SampledFrom([]string{"code", "tool", "sleep", "signal"}).Draw(rt, name+"_kind") {
	case "code":
		return testutil.CodeStep(name, "({n}) => n + 1")
	case "tool":
		return testutil.ToolStep(name, "local", "echo")
	case "sleep":
		return testutil.SleepStep(name, time.Duration(rapid.IntRange(0, 500).Draw(rt, name+"_ms"))*time.Millisecond)
	default:
		timeout := time.Duration(rapid.IntRange(0, 2000).Draw(rt, name+"_timeout")) * time.Millisecond

		return testutil.SignalStep(name, "go", timeout)
	}
}

// TestScheduler_StatusIsMonotonic interleaves sweeps, clock advances, signals
// and cancellations and checks that an execution only moves forward through
// enqueued, running and a terminal status that never changes afterwards.
func TestScheduler_StatusIsMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := setup(t, t.TempDir())
		f.registry.Register("local", tools.FuncConnection{"echo": tools.Echo})
		ctx := context.Background()

		phases := make([][]models.Step, rapid.IntRange(1, 3).Draw(rt, "phases"))
		for i := range phases {
			for j := range rapid.IntRange(1, 2).Draw(rt, fmt.Sprintf("phase_%d_steps", i)) {
				phases[i] = append(phases[i], drawStep(rt, fmt.Sprintf("s%d_%d", i, j)))
			}
		}

		execution := f.start(t, phases)

		var (
			last     = models.ExecutionStatusEnqueued
			terminal *models.WorkflowExecution
		)

		for op := range rapid.IntRange(1, 30).Draw(rt, "ops") {
			switch rapid.SampledFrom([]string{"sweep", "advance", "signal", "cancel"}).Draw(rt, "op") {
			case "sweep":
				_, err := f.sched.RunOnce(ctx)
				require.NoError(rt, err)
			case "advance":
				f.clock.Advance(time.Duration(rapid.IntRange(0, 1000).Draw(rt, "advance_ms")) * time.Millisecond)
			case "signal":
				_, err := f.events.Append(ctx, testutil.CreateTestEvent(execution.ID, models.EventTypeSignal, "go", f.clock.Now()))
				require.NoError(rt, err)
			case "cancel":
				_, err := f.events.Append(ctx, testutil.CreateTestEvent(execution.ID, models.EventTypeMessage, models.CancelMessageName, f.clock.Now()))
				require.NoError(rt, err)
			}

			got, err := f.store.ExecutionRepository().GetByID(ctx, execution.ID)
			require.NoError(rt, err)

			require.GreaterOrEqual(rt, statusRank[got.Status], statusRank[last], "op %d moved %s back to %s", op, last, got.Status)
			require.Equal(rt, got.Status.IsTerminal(), got.CompletedAtEpochMs != nil)

			if terminal != nil {
				require.Equal(rt, terminal.Status, got.Status)
				require.Equal(rt, terminal.Output, got.Output)
				require.Equal(rt, terminal.CompletedAtEpochMs, got.CompletedAtEpochMs)
			} else if got.Status.IsTerminal() {
				terminal = got
			}

			last = got.Status

			completions, err := f.events.Find(ctx, execution.ID, models.EventTypeWorkflowCompleted, "")
			require.NoError(rt, err)
			require.LessOrEqual(rt, len(completions), 1)
		}
	})
}
