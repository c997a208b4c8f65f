package scheduler

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/dukex/waypoint/pkg/executor"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/otelhelper"
	"github.com/dukex/waypoint/pkg/template"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// dispatch runs the unfinished steps of one phase concurrently. done reports
// that every step succeeded and their outputs were added to outputs.
func (s *Scheduler) dispatch(
	ctx context.Context,
	execution *models.WorkflowExecution,
	phaseIndex int,
	steps []models.Step,
	input any,
	outputs map[string]any,
) (verdict, bool, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "phase.dispatch",
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.Int(otelhelper.PhaseKey, phaseIndex),
	)
	defer span.End()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if execution.DeadlineAtEpochMs != nil {
		remaining := time.Duration(*execution.DeadlineAtEpochMs-s.clock.Now().UnixMilli()) * time.Millisecond

		timer := s.clock.AfterFunc(remaining, func() {
			cancel(&models.ExecutionTimeoutError{DeadlineAtEpochMs: *execution.DeadlineAtEpochMs})
		})
		defer timer.Stop()
	}

	scope := template.Data{
		Input: execution.Input,
		Steps: maps.Clone(outputs),
		Execution: map[string]any{
			"id":          execution.ID,
			"workflow_id": execution.WorkflowID,
		},
	}

	if execution.ParentExecutionID != nil {
		scope.Execution["parent_execution_id"] = *execution.ParentExecutionID
	}

	outcomes := make([]executor.Outcome, len(steps))
	g, gctx := errgroup.WithContext(ctx)

	for i, step := range steps {
		g.Go(func() error {
			outcome, err := s.executor.Execute(gctx, executor.Request{
				ExecutionID: execution.ID,
				Step:        step,
				Input:       input,
				Scope:       scope,
			})
			outcomes[i] = outcome

			return err
		})
	}

	err := g.Wait()
	if err != nil {
		var timeout *models.ExecutionTimeoutError
		if errors.As(context.Cause(ctx), &timeout) {
			return timedOut(execution), false, nil
		}

		otelhelper.SetError(span, err)

		return verdict{}, false, err
	}

	pending := false

	for i, outcome := range outcomes {
		switch outcome.Status {
		case executor.StatusFailed:
			return failed(models.ExecutionErrorStepFailed, steps[i].Name, stepMessage(outcome.Err)), false, nil
		case executor.StatusPending:
			pending = true
		}
	}

	if pending {
		return verdict{}, false, nil
	}

	for i, outcome := range outcomes {
		outputs[steps[i].Name] = outcome.Output
	}

	return verdict{}, true, nil
}

func stepMessage(err error) string {
	var terminal *models.StepTerminalError
	if errors.As(err, &terminal) {
		return terminal.Err.Error()
	}

	return err.Error()
}
