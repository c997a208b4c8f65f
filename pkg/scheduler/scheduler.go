// Package scheduler drives executions from enqueued to a terminal status. A
// worker repeatedly claims due executions, folds their ledger into the current
// phase, dispatches that phase's unfinished steps and either completes the
// execution or releases it until a timer or signal wakes it again.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/waypoint/pkg/code"
	"github.com/dukex/waypoint/pkg/eventbus"
	"github.com/dukex/waypoint/pkg/eventlog"
	"github.com/dukex/waypoint/pkg/executor"
	"github.com/dukex/waypoint/pkg/lease"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/otelhelper"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/tools"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Dependencies are the collaborators of a scheduler. Publisher, Clock, Logger
// and Tracer are optional.
type Dependencies struct {
	Store     persistence.Persistence
	Tools     tools.Invoker
	Sandbox   code.Sandbox
	Publisher eventbus.EventPublisher
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Tracer    trace.Tracer
}

// Scheduler is one worker's claim loop.
type Scheduler struct {
	cfg       Config
	store     persistence.Persistence
	leases    *lease.Manager
	events    *eventlog.Log
	executor  *executor.Executor
	publisher eventbus.EventPublisher
	clock     clockwork.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
	wake      chan struct{}
}

// New creates a scheduler.
func New(cfg Config, deps Dependencies) *Scheduler {
	cfg = cfg.withDefaults()

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	if deps.Tracer == nil {
		deps.Tracer = otelhelper.Tracer()
	}

	if deps.Publisher == nil {
		deps.Publisher = eventbus.Nop{}
	}

	events := eventlog.New(deps.Store.EventRepository(), deps.Clock, deps.Logger)

	return &Scheduler{
		cfg:    cfg,
		store:  deps.Store,
		leases: lease.NewManager(deps.Store.ExecutionRepository(), deps.Clock, deps.Logger),
		events: events,
		executor: executor.New(executor.Config{
			Results:       deps.Store.StepResultRepository(),
			Events:        events,
			Tools:         deps.Tools,
			Sandbox:       deps.Sandbox,
			Clock:         deps.Clock,
			Logger:        deps.Logger,
			Tracer:        deps.Tracer,
			SignalTimeout: cfg.SignalTimeout,
		}),
		publisher: deps.Publisher,
		clock:     deps.Clock,
		logger:    deps.Logger.With("module", "scheduler", "worker_id", cfg.WorkerID),
		tracer:    deps.Tracer,
		wake:      make(chan struct{}, 1),
	}
}

// Wake makes a running Run loop sweep immediately.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run sweeps every poll interval, or sooner after Wake, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		"poll_interval", s.cfg.PollInterval,
		"lease_duration", s.cfg.LeaseDuration,
		"concurrency", s.cfg.Concurrency)

	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		_, err := s.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")

			return nil
		case <-ticker.Chan():
		case <-s.wake:
		}
	}
}

// RunOnce advances every execution claimable now and returns how many were
// found. Failures of single executions are logged, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ExecutionRepository().FindClaimable(ctx, s.clock.Now().UnixMilli(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find claimable executions: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			err := s.Process(ctx, id)
			if err != nil {
				s.logger.WarnContext(ctx, "execution cycle abandoned", "execution_id", id, "error", err)
			}

			return nil
		})
	}

	_ = g.Wait()

	return len(ids), nil
}

// Process runs one claim cycle of the execution. Losing the claim race is not
// an error. A cycle that fails keeps its lease until it expires, so the
// execution is reclaimed through the expired-lease path and counted against
// its crash-recovery budget.
func (s *Scheduler) Process(ctx context.Context, executionID string) error {
	held, ok, err := s.leases.Claim(ctx, executionID, s.cfg.LeaseDuration)
	if err != nil || !ok {
		return err
	}

	logger := s.logger.With("execution_id", executionID)

	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "execution.cycle",
		attribute.String(otelhelper.ExecutionIDKey, executionID),
		attribute.String(otelhelper.WorkerIDKey, s.cfg.WorkerID),
	)
	defer span.End()

	cycleCtx, stop := s.leases.Keepalive(ctx, held, s.cfg.heartbeat())

	err = s.cycle(cycleCtx, held, logger)

	stop()

	if err != nil {
		otelhelper.SetError(span, err)

		if lease.Lost(cycleCtx) {
			logger.WarnContext(ctx, "lease lost during cycle")
		} else {
			logger.WarnContext(ctx, "cycle failed, lease left to expire",
				"locked_until", held.Until,
				"error", err)
		}

		return err
	}

	releaseErr := s.leases.Release(context.WithoutCancel(ctx), held)
	if releaseErr != nil {
		logger.ErrorContext(ctx, "failed to release lease", "error", releaseErr)
	}

	return nil
}

func (s *Scheduler) cycle(ctx context.Context, held *lease.Lease, logger *slog.Logger) error {
	repo := s.store.ExecutionRepository()

	execution, err := repo.GetByID(ctx, held.ExecutionID)
	if err != nil {
		return err
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(otelhelper.WorkflowIDKey, execution.WorkflowID),
		attribute.String(otelhelper.StatusKey, string(execution.Status)),
	)

	if execution.Status.IsTerminal() {
		return nil
	}

	now := s.clock.Now().UnixMilli()

	if execution.StartAtEpochMs != nil && *execution.StartAtEpochMs > now {
		return nil
	}

	if execution.Status == models.ExecutionStatusEnqueued {
		ok, err := repo.MarkRunning(ctx, execution.ID, held.Token, now)
		if err != nil || !ok {
			return err
		}

		execution.Status = models.ExecutionStatusRunning
		execution.StartedAtEpochMs = models.Int64Ptr(now)

		logger.InfoContext(ctx, "execution started", "workflow_id", execution.WorkflowID)
	}

	result, err := s.evaluate(ctx, execution)
	if err != nil {
		return err
	}

	if result.status == "" {
		logger.DebugContext(ctx, "execution yielded")

		return nil
	}

	return s.finish(ctx, held, execution, result, logger)
}

// verdict is the outcome of a cycle; an empty status means the execution waits.
type verdict struct {
	status models.ExecutionStatus
	output any
	err    *models.ExecutionError
}

func failed(errType models.ExecutionErrorType, stepID, message string) verdict {
	return verdict{
		status: models.ExecutionStatusError,
		err:    &models.ExecutionError{Type: errType, StepID: stepID, Message: message},
	}
}

func timedOut(execution *models.WorkflowExecution) verdict {
	timeout := &models.ExecutionTimeoutError{DeadlineAtEpochMs: *execution.DeadlineAtEpochMs}

	return failed(models.ExecutionErrorTimeout, "", timeout.Error())
}

// evaluate folds the ledger into the current phase and advances it.
func (s *Scheduler) evaluate(ctx context.Context, execution *models.WorkflowExecution) (verdict, error) {
	if execution.MaxRetries > 0 && execution.RetryCount > execution.MaxRetries {
		return failed(models.ExecutionErrorMaxRetriesExceeded, "",
			fmt.Sprintf("execution reclaimed %d times, budget is %d", execution.RetryCount, execution.MaxRetries)), nil
	}

	if execution.DeadlineExceeded(s.clock.Now().UnixMilli()) {
		return timedOut(execution), nil
	}

	workflow, err := s.store.WorkflowRepository().GetByID(ctx, execution.WorkflowID)
	if persistence.IsWorkflowNotFound(err) {
		return failed(models.ExecutionErrorInvalidDefinition, "", err.Error()), nil
	}

	if err != nil {
		return verdict{}, err
	}

	err = workflow.Validate()
	if err != nil {
		return failed(models.ExecutionErrorInvalidDefinition, "", err.Error()), nil
	}

	results, err := s.store.StepResultRepository().ListByExecution(ctx, execution.ID)
	if err != nil {
		return verdict{}, err
	}

	byStep := make(map[string]*models.ExecutionStepResult, len(results))
	for _, result := range results {
		byStep[result.StepID] = result
	}

	outputs := make(map[string]any)
	input := execution.Input

	for i, phase := range workflow.Phases {
		unfinished := make([]models.Step, 0, len(phase.Steps))

		for _, step := range phase.Steps {
			result := byStep[step.Name]

			switch {
			case result.Succeeded():
				outputs[step.Name] = result.Output
			case result.IsTerminal():
				return failed(models.ExecutionErrorStepFailed, step.Name, result.Error.Message), nil
			default:
				unfinished = append(unfinished, step)
			}
		}

		if len(unfinished) > 0 {
			cancelled, err := s.cancelRequested(ctx, execution.ID)
			if err != nil {
				return verdict{}, err
			}

			if cancelled {
				return verdict{
					status: models.ExecutionStatusCancelled,
					err:    &models.ExecutionError{Type: models.ExecutionErrorCancelled, Message: models.ErrExecutionCancelled.Error()},
				}, nil
			}

			if execution.DeadlineExceeded(s.clock.Now().UnixMilli()) {
				return timedOut(execution), nil
			}

			result, done, err := s.dispatch(ctx, execution, i, unfinished, input, outputs)
			if err != nil || !done {
				return result, err
			}
		}

		input = phaseOutput(phase, outputs)
	}

	return verdict{status: models.ExecutionStatusSuccess, output: input}, nil
}

// phaseOutput is the single step's output, or a map of step name to output.
func phaseOutput(phase models.Phase, outputs map[string]any) any {
	if len(phase.Steps) == 1 {
		return outputs[phase.Steps[0].Name]
	}

	out := make(map[string]any, len(phase.Steps))
	for _, step := range phase.Steps {
		out[step.Name] = outputs[step.Name]
	}

	return out
}

func (s *Scheduler) cancelRequested(ctx context.Context, executionID string) (bool, error) {
	pending, err := s.events.Pending(ctx, eventlog.Query{
		ExecutionID: executionID,
		Type:        models.EventTypeMessage,
		Name:        models.CancelMessageName,
		Limit:       1,
	})
	if err != nil {
		return false, err
	}

	return len(pending) > 0, nil
}
