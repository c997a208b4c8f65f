// Package schedule starts executions from the cron schedules of workflows.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/triggers"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/robfig/cron/v3"
)

type Trigger struct {
	ID         string
	WorkflowID string
	CronExpr   string
	Input      any

	cron     *cron.Cron
	callback triggers.Callback
	logger   *slog.Logger
}

// NewTrigger creates the trigger of the index-th schedule of workflowID.
func NewTrigger(workflowID string, index int, schedule models.Schedule, logger *slog.Logger) (*Trigger, error) {
	id := fmt.Sprintf("%s/schedule/%d", workflowID, index)

	trigger := &Trigger{
		ID:         id,
		WorkflowID: workflowID,
		CronExpr:   schedule.Cron,
		Input:      schedule.Input,
		logger: logger.With(
			"module", "schedule_trigger",
			"id", id,
			"cron", schedule.Cron,
			"workflow_id", workflowID,
		),
	}

	err := trigger.Validate()
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

// FromWorkflows creates one trigger per schedule of every workflow.
func FromWorkflows(workflows []*models.Workflow, logger *slog.Logger) ([]*Trigger, error) {
	var all []*Trigger

	for _, wf := range workflows {
		for i, schedule := range wf.Schedules {
			trigger, err := NewTrigger(wf.ID, i, schedule, logger)
			if err != nil {
				return nil, fmt.Errorf("workflow %s: %w", wf.ID, err)
			}

			all = append(all, trigger)
		}
	}

	return all, nil
}

func (t *Trigger) Validate() error {
	if t.WorkflowID == "" {
		return errors.New("schedule trigger workflow ID is required")
	}

	if t.CronExpr == "" {
		return errors.New("schedule trigger cron expression is required")
	}

	if _, err := cron.ParseStandard(t.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	return nil
}

// Request is the trigger request of the tick at tick. Every worker firing the
// same tick derives the same idempotency key, so the tick starts one execution.
func (t *Trigger) Request(tick time.Time) workflow.TriggerRequest {
	tick = tick.UTC().Truncate(time.Minute)

	return workflow.TriggerRequest{
		WorkflowID:     t.WorkflowID,
		Input:          t.Input,
		IdempotencyKey: fmt.Sprintf("%s@%d", t.ID, tick.Unix()),
	}
}

func (t *Trigger) Start(ctx context.Context, callback triggers.Callback) error {
	t.logger.InfoContext(ctx, "Starting ScheduleTrigger")
	t.callback = callback

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(t.logger.Handler(), slog.LevelDebug))

	t.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(
			cron.SkipIfStillRunning(cronLogger),
			cron.Recover(cronLogger),
		),
	)

	_, err := t.cron.AddFunc(t.CronExpr, func() { t.Fire(ctx, time.Now()) })
	if err != nil {
		return fmt.Errorf("failed to add cron job for trigger %s: %w", t.ID, err)
	}

	t.cron.Start()

	return nil
}

// Fire hands the request of the tick at now to the callback.
func (t *Trigger) Fire(ctx context.Context, now time.Time) {
	req := t.Request(now)
	t.logger.InfoContext(ctx, "Cron job triggered", "idempotency_key", req.IdempotencyKey)

	err := t.callback(ctx, req)
	if err != nil {
		t.logger.ErrorContext(ctx, "Error executing workflow for trigger", "error", err)
	}
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.logger.InfoContext(ctx, "Stopping ScheduleTrigger")

	if t.cron != nil {
		<-t.cron.Stop().Done()
	}

	return nil
}
