package scheduler

import (
	"context"
	"log/slog"

	"github.com/dukex/waypoint/pkg/events"
	"github.com/dukex/waypoint/pkg/lease"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/otelhelper"
	"github.com/dukex/waypoint/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// finish publishes the results of a terminal verdict and then completes the
// execution. Every publication is idempotent, so a cycle that dies before
// Complete can be replayed by the next claimant.
func (s *Scheduler) finish(ctx context.Context, held *lease.Lease, execution *models.WorkflowExecution, result verdict, logger *slog.Logger) error {
	if result.status == models.ExecutionStatusSuccess {
		_, err := s.events.PublishOutput(ctx, execution.ID, models.OutputResultName, result.output)
		if err != nil {
			return err
		}
	}

	summary := map[string]any{"status": result.status}
	if result.err != nil {
		summary["error"] = result.err
	}

	err := s.appendOnce(ctx, &models.WorkflowEvent{
		ExecutionID: execution.ID,
		Type:        models.EventTypeWorkflowCompleted,
		Payload:     summary,
	})
	if err != nil {
		return err
	}

	if execution.ParentExecutionID != nil {
		err = s.appendOnce(ctx, &models.WorkflowEvent{
			ExecutionID:       *execution.ParentExecutionID,
			Type:              models.EventTypeSignal,
			Name:              models.StringPtr(models.ChildCompletedSignalName(execution.ID)),
			SourceExecutionID: models.StringPtr(execution.ID),
			Payload: map[string]any{
				"status": result.status,
				"output": result.output,
				"error":  result.err,
			},
		})
		if err != nil {
			return err
		}
	}

	now := s.clock.Now().UnixMilli()

	ok, err := s.store.ExecutionRepository().Complete(ctx, execution.ID, held.Token, persistence.Completion{
		Status: result.status,
		Output: result.output,
		Error:  result.err,
		NowMs:  now,
	})
	if err != nil {
		return err
	}

	if !ok {
		logger.WarnContext(ctx, "completion skipped, lease no longer held")

		return nil
	}

	execution.Status = result.status
	execution.Output = result.output
	execution.Error = result.err
	execution.CompletedAtEpochMs = models.Int64Ptr(now)

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(otelhelper.StatusKey, string(result.status)))

	logger.InfoContext(ctx, "execution completed", "status", result.status, "error", result.err)

	if result.status == models.ExecutionStatusCancelled {
		s.consumeCancel(ctx, execution.ID, logger)
	}

	s.notify(ctx, execution, logger)

	return nil
}

// appendOnce appends event unless one of the same type and name exists.
func (s *Scheduler) appendOnce(ctx context.Context, event *models.WorkflowEvent) error {
	existing, err := s.events.Find(ctx, event.ExecutionID, event.Type, event.EventName())
	if err != nil {
		return err
	}

	if len(existing) > 0 {
		return nil
	}

	_, err = s.events.Append(ctx, event)
	if err != nil {
		return err
	}

	trace.SpanFromContext(ctx).AddEvent("event_appended", trace.WithAttributes(
		attribute.String(otelhelper.ExecutionIDKey, event.ExecutionID),
		attribute.String(otelhelper.EventTypeKey, string(event.Type)),
	))

	return nil
}

func (s *Scheduler) consumeCancel(ctx context.Context, executionID string, logger *slog.Logger) {
	for {
		message, err := s.events.TakeMessage(ctx, executionID, models.CancelMessageName)
		if err != nil {
			logger.WarnContext(ctx, "failed to consume cancel request", "error", err)

			return
		}

		if message == nil {
			return
		}
	}
}

func (s *Scheduler) notify(ctx context.Context, execution *models.WorkflowExecution, logger *slog.Logger) {
	err := s.publisher.Publish(ctx, execution.ID, events.NewExecutionCompleted(execution, s.cfg.WorkerID))
	if err != nil {
		logger.WarnContext(ctx, "failed to publish completion", "error", err)
	}

	if execution.ParentExecutionID == nil {
		return
	}

	err = s.publisher.Publish(ctx, *execution.ParentExecutionID,
		events.NewExecutionWakeup(execution.WorkflowID, *execution.ParentExecutionID, events.WakeupChild))
	if err != nil {
		logger.WarnContext(ctx, "failed to wake parent execution", "error", err)
	}
}
