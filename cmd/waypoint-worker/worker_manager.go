package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dukex/waypoint/pkg/eventbus"
	"github.com/dukex/waypoint/pkg/events"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/scheduler"
	"github.com/dukex/waypoint/pkg/triggers"
	"github.com/dukex/waypoint/pkg/triggers/kafka"
	"github.com/dukex/waypoint/pkg/triggers/queue"
	"github.com/dukex/waypoint/pkg/triggers/schedule"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/jonboulle/clockwork"
)

// TriggerSources selects the trigger sources a worker runs next to its
// scheduler. Empty fields disable a source.
type TriggerSources struct {
	Schedules bool

	QueueName     string
	QueueAddr     string
	QueuePassword string
	QueueDB       string

	KafkaTopic   string
	KafkaBrokers string
}

type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	scheduler   *scheduler.Scheduler
	service     *workflow.Service
	sources     TriggerSources

	// runCtx outlives single event deliveries; triggers started from a
	// handler are bound to it.
	runCtx context.Context

	mu        sync.Mutex
	schedules []*schedule.Trigger
	consumers []triggers.Trigger
}

func NewWorkerManager(
	cfg scheduler.Config,
	deps scheduler.Dependencies,
	eventBus eventbus.EventBus,
	sources TriggerSources,
) *WorkerManager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	deps.Publisher = eventBus

	return &WorkerManager{
		id:          cfg.WorkerID,
		logger:      deps.Logger.With("module", "waypoint-worker", "worker_id", cfg.WorkerID),
		persistence: deps.Store,
		eventBus:    eventBus,
		scheduler:   scheduler.New(cfg, deps),
		service:     workflow.NewService(deps.Store, eventBus, deps.Clock, deps.Logger),
		sources:     sources,
	}
}

// Start runs the scheduler until ctx ends or the process is signalled.
func (w *WorkerManager) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	w.logger.InfoContext(ctx, "Starting worker manager")
	w.runCtx = ctx

	err := w.subscribe(ctx)
	if err != nil {
		return err
	}

	err = w.startTriggers(ctx)
	if err != nil {
		return err
	}

	defer w.stopTriggers(context.WithoutCancel(ctx))

	w.logger.InfoContext(ctx, "Worker started successfully")

	err = w.scheduler.Run(ctx)

	w.logger.InfoContext(ctx, "Shutting down worker...")

	return err
}

func (w *WorkerManager) subscribe(ctx context.Context) error {
	err := w.eventBus.Handle(events.ExecutionWakeupEvent, w.handleExecutionWakeup)
	if err != nil {
		return err
	}

	if w.sources.Schedules {
		err = w.eventBus.Handle(events.WorkflowSavedEvent, w.handleWorkflowSaved)
		if err != nil {
			return err
		}
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	return nil
}

func (w *WorkerManager) handleExecutionWakeup(_ context.Context, _ any) error {
	w.scheduler.Wake()

	return nil
}

func (w *WorkerManager) handleWorkflowSaved(ctx context.Context, _ any) error {
	err := w.reloadSchedules(w.runCtx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to reload schedules", "error", err)
	}

	return nil
}

// trigger is the callback of every trigger source.
func (w *WorkerManager) trigger(ctx context.Context, req workflow.TriggerRequest) error {
	execution, created, err := w.service.Trigger(ctx, req)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to trigger workflow", "workflow_id", req.WorkflowID, "error", err)

		return err
	}

	if created {
		w.logger.InfoContext(ctx, "Workflow triggered", "workflow_id", req.WorkflowID, "execution_id", execution.ID)
	}

	return nil
}

func (w *WorkerManager) startTriggers(ctx context.Context) error {
	if w.sources.Schedules {
		err := w.reloadSchedules(ctx)
		if err != nil {
			return err
		}
	}

	var consumers []triggers.Trigger

	if w.sources.QueueName != "" {
		trigger, err := queue.NewTrigger(ctx, map[string]any{
			"queue": w.sources.QueueName,
			"connection": map[string]any{
				"addr":     w.sources.QueueAddr,
				"password": w.sources.QueuePassword,
				"db":       w.sources.QueueDB,
			},
		}, w.logger)
		if err != nil {
			return err
		}

		consumers = append(consumers, trigger)
	}

	if w.sources.KafkaTopic != "" {
		trigger, err := kafka.NewTrigger(ctx, map[string]any{
			"topic":   w.sources.KafkaTopic,
			"brokers": w.sources.KafkaBrokers,
		}, w.logger)
		if err != nil {
			return err
		}

		consumers = append(consumers, trigger)
	}

	for _, consumer := range consumers {
		err := consumer.Start(ctx, w.trigger)
		if err != nil {
			return err
		}

		w.mu.Lock()
		w.consumers = append(w.consumers, consumer)
		w.mu.Unlock()
	}

	return nil
}

// reloadSchedules replaces the running cron triggers with the schedules of
// the stored workflows.
func (w *WorkerManager) reloadSchedules(ctx context.Context) error {
	workflows, err := w.persistence.WorkflowRepository().GetAll(ctx)
	if err != nil {
		return err
	}

	next, err := schedule.FromWorkflows(workflows, w.logger)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, trigger := range w.schedules {
		_ = trigger.Stop(ctx)
	}

	w.schedules = nil

	for _, trigger := range next {
		err = trigger.Start(ctx, w.trigger)
		if err != nil {
			return err
		}

		w.schedules = append(w.schedules, trigger)
	}

	w.logger.InfoContext(ctx, "Schedules loaded", "count", len(w.schedules))

	return nil
}

func (w *WorkerManager) stopTriggers(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error

	for _, trigger := range w.schedules {
		errs = append(errs, trigger.Stop(ctx))
	}

	for _, trigger := range w.consumers {
		errs = append(errs, trigger.Stop(ctx))
	}

	w.schedules, w.consumers = nil, nil

	err := errors.Join(errs...)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to stop triggers", "error", err)
	}
}
