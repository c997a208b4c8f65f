// Package executor runs one step of an execution to a terminal or pending
// outcome. It keeps no state between calls: every call reconstructs the step's
// progress from its result row and the event log, so a step can be resumed by
// any worker after any amount of time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/waypoint/pkg/code"
	"github.com/dukex/waypoint/pkg/eventlog"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/otelhelper"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/template"
	"github.com/dukex/waypoint/pkg/tools"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrSignalTimeout is the failure of a wait_for_signal attempt that timed out.
var ErrSignalTimeout = errors.New("signal wait timed out")

// Status is the outcome of one Execute call.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// Outcome reports where a step stands after Execute. WakeAt, when set, is the
// epoch millisecond at which a pending step becomes runnable again.
type Outcome struct {
	Status Status
	Output any
	Err    error
	WakeAt *int64
}

// Config wires the executor's collaborators.
type Config struct {
	Results       persistence.StepResultRepository
	Events        *eventlog.Log
	Tools         tools.Invoker
	Sandbox       code.Sandbox
	Clock         clockwork.Clock
	Logger        *slog.Logger
	Tracer        trace.Tracer
	SignalTimeout models.SignalTimeoutPolicy
}

// Executor interprets step actions.
type Executor struct {
	results       persistence.StepResultRepository
	events        *eventlog.Log
	tools         tools.Invoker
	sandbox       code.Sandbox
	clock         clockwork.Clock
	logger        *slog.Logger
	tracer        trace.Tracer
	signalTimeout models.SignalTimeoutPolicy
}

// New creates an executor. Clock, Logger, Tracer and SignalTimeout default to
// the real clock, the default logger, the global tracer and fail_step.
func New(cfg Config) *Executor {
	e := &Executor{
		results:       cfg.Results,
		events:        cfg.Events,
		tools:         cfg.Tools,
		sandbox:       cfg.Sandbox,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		tracer:        cfg.Tracer,
		signalTimeout: cfg.SignalTimeout,
	}

	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	if e.tracer == nil {
		e.tracer = otelhelper.Tracer()
	}

	if e.signalTimeout == "" {
		e.signalTimeout = models.SignalTimeoutFailStep
	}

	e.logger = e.logger.With("module", "executor")

	return e
}

// Request identifies the step to advance. Input is the phase input, used as is
// when the step has no input template; otherwise the template is rendered
// against Scope. The resolved input is recorded when a new attempt starts.
type Request struct {
	ExecutionID string
	Step        models.Step
	Input       any
	Scope       template.Data
}

// Execute advances the step as far as possible within this call. The returned
// error reports infrastructure failures or an abandoned attempt (ctx done);
// step failures are reported through the Outcome.
func (e *Executor) Execute(ctx context.Context, req Request) (Outcome, error) {
	logger := e.logger.With("execution_id", req.ExecutionID, "step_id", req.Step.Name)

	result, err := e.results.Get(ctx, req.ExecutionID, req.Step.Name)
	if err != nil && !persistence.IsStepResultNotFound(err) {
		return Outcome{}, err
	}

	if result.IsTerminal() {
		return terminalOutcome(result), nil
	}

	var (
		input    any
		inputErr error
	)

	switch {
	case result == nil:
		input, inputErr = resolveInput(req)
		result, err = e.startAttempt(ctx, req, 1, input)
	case result.AwaitingRetry():
		outcome, ready, retryErr := e.awaitRetry(ctx, req, result)
		if retryErr != nil || !ready {
			return outcome, retryErr
		}

		input, inputErr = resolveInput(req)
		result, err = e.startAttempt(ctx, req, result.Attempt+1, input)
	default:
		logger.DebugContext(ctx, "resuming attempt", "attempt", result.Attempt)
	}

	if err != nil {
		return Outcome{}, err
	}

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "step.execute",
		attribute.String(otelhelper.ExecutionIDKey, req.ExecutionID),
		attribute.String(otelhelper.StepIDKey, req.Step.Name),
		attribute.String(otelhelper.ActionKindKey, string(req.Step.Action.Kind())),
		attribute.Int(otelhelper.AttemptKey, result.Attempt),
	)
	defer span.End()

	var outcome Outcome

	if inputErr != nil {
		outcome, err = e.fail(ctx, req.Step, result, models.Terminal(inputErr))
	} else {
		outcome, err = e.run(ctx, req, result)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return Outcome{}, err
	}

	if outcome.Status == StatusFailed {
		otelhelper.SetError(span, outcome.Err)
	}

	logger.DebugContext(ctx, "step advanced", "attempt", result.Attempt, "status", outcome.Status)

	return outcome, nil
}

func (e *Executor) run(ctx context.Context, req Request, result *models.ExecutionStepResult) (Outcome, error) {
	switch action := req.Step.Action.(type) {
	case models.ToolCallAction:
		output, err := e.tools.Invoke(ctx, action.ConnectionID, action.ToolName, result.Input)

		return e.settle(ctx, req.Step, result, output, err)
	case models.CodeAction:
		output, err := e.sandbox.Evaluate(ctx, action.Code, result.Input)

		return e.settle(ctx, req.Step, result, output, err)
	case models.SleepAction:
		return e.sleep(ctx, req, result, action)
	case models.WaitForSignalAction:
		return e.waitForSignal(ctx, req, result, action)
	default:
		return e.settle(ctx, req.Step, result, nil,
			models.Terminal(fmt.Errorf("unsupported action %T", req.Step.Action)))
	}
}

func (e *Executor) startAttempt(ctx context.Context, req Request, attempt int, input any) (*models.ExecutionStepResult, error) {
	result := &models.ExecutionStepResult{
		ExecutionID:      req.ExecutionID,
		StepID:           req.Step.Name,
		Input:            input,
		Attempt:          attempt,
		StartedAtEpochMs: models.Int64Ptr(e.clock.Now().UnixMilli()),
	}

	err := e.results.Upsert(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("failed to record attempt %d of step %s: %w", attempt, req.Step.Name, err)
	}

	_, err = e.events.Append(ctx, &models.WorkflowEvent{
		ExecutionID: req.ExecutionID,
		Type:        models.EventTypeStepStarted,
		Name:        models.StringPtr(req.Step.Name),
		Payload:     map[string]any{"attempt": attempt},
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func resolveInput(req Request) (any, error) {
	if req.Step.Input == nil {
		return req.Input, nil
	}

	input, err := template.Resolve(req.Step.Input, req.Scope)
	if err != nil {
		return req.Step.Input, fmt.Errorf("failed to resolve input of step %s: %w", req.Step.Name, err)
	}

	return input, nil
}

// awaitRetry reports whether the backoff timer of the next attempt fired.
func (e *Executor) awaitRetry(ctx context.Context, req Request, result *models.ExecutionStepResult) (Outcome, bool, error) {
	name := models.RetryTimerName(req.Step.Name, result.Attempt+1)

	timer, err := e.events.ScheduleTimer(ctx, req.ExecutionID, name, e.clock.Now().UnixMilli()+backoffMs(req.Step))
	if err != nil {
		return Outcome{}, false, err
	}

	fired, err := e.events.Fired(ctx, timer)
	if err != nil {
		return Outcome{}, false, err
	}

	if !fired {
		return Outcome{Status: StatusPending, WakeAt: timer.VisibleAt}, false, nil
	}

	return Outcome{}, true, nil
}

func (e *Executor) sleep(ctx context.Context, req Request, result *models.ExecutionStepResult, action models.SleepAction) (Outcome, error) {
	var wakeAt int64

	if action.SleepUntil != nil {
		wakeAt = *action.SleepUntil
	} else {
		wakeAt = *result.StartedAtEpochMs + *action.SleepMs
	}

	timer, err := e.events.ScheduleTimer(ctx, req.ExecutionID, models.SleepTimerName(req.Step.Name), wakeAt)
	if err != nil {
		return Outcome{}, err
	}

	fired, err := e.events.Fired(ctx, timer)
	if err != nil {
		return Outcome{}, err
	}

	if !fired {
		return Outcome{Status: StatusPending, WakeAt: timer.VisibleAt}, nil
	}

	return e.succeed(ctx, req.Step, result, nil)
}

func (e *Executor) waitForSignal(ctx context.Context, req Request, result *models.ExecutionStepResult, action models.WaitForSignalAction) (Outcome, error) {
	signal, err := e.events.MatchSignal(ctx, req.ExecutionID, action.SignalName)
	if err != nil {
		return Outcome{}, err
	}

	if signal != nil {
		return e.succeed(ctx, req.Step, result, signal.Payload)
	}

	if action.TimeoutMs == nil {
		return Outcome{Status: StatusPending}, nil
	}

	name := models.SignalTimeoutTimerName(req.Step.Name, result.Attempt)

	timer, err := e.events.ScheduleTimer(ctx, req.ExecutionID, name, *result.StartedAtEpochMs+*action.TimeoutMs)
	if err != nil {
		return Outcome{}, err
	}

	fired, err := e.events.Fired(ctx, timer)
	if err != nil {
		return Outcome{}, err
	}

	if !fired {
		return Outcome{Status: StatusPending, WakeAt: timer.VisibleAt}, nil
	}

	policy := action.OnTimeout
	if policy == "" {
		policy = e.signalTimeout
	}

	timeoutErr := fmt.Errorf("%w: %s after %dms", ErrSignalTimeout, action.SignalName, *action.TimeoutMs)

	switch policy {
	case models.SignalTimeoutResolveNull:
		return e.succeed(ctx, req.Step, result, nil)
	case models.SignalTimeoutFailExecution:
		return e.settle(ctx, req.Step, result, nil, models.Terminal(timeoutErr))
	default:
		return e.settle(ctx, req.Step, result, nil, models.Transient(timeoutErr))
	}
}

// settle records the result of a synchronous attempt.
func (e *Executor) settle(ctx context.Context, step models.Step, result *models.ExecutionStepResult, output any, actionErr error) (Outcome, error) {
	if actionErr == nil {
		return e.succeed(ctx, step, result, output)
	}

	if ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("attempt %d of step %s abandoned: %w", result.Attempt, step.Name, context.Cause(ctx))
	}

	if models.IsTerminal(actionErr) || result.Attempt >= step.MaxAttempts() {
		return e.fail(ctx, step, result, actionErr)
	}

	now := e.clock.Now().UnixMilli()
	wakeAt := now + backoffMs(step)

	_, err := e.events.ScheduleTimer(ctx, result.ExecutionID, models.RetryTimerName(step.Name, result.Attempt+1), wakeAt)
	if err != nil {
		return Outcome{}, err
	}

	result.Error = &models.StepError{Message: actionErr.Error(), Retryable: true, Attempt: result.Attempt}

	err = e.results.Upsert(ctx, result)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record failed attempt of step %s: %w", step.Name, err)
	}

	e.logger.InfoContext(ctx, "step attempt failed, retry scheduled",
		"execution_id", result.ExecutionID,
		"step_id", step.Name,
		"attempt", result.Attempt,
		"max_attempts", step.MaxAttempts(),
		"retry_at", wakeAt,
		"error", actionErr)

	return Outcome{Status: StatusPending, WakeAt: &wakeAt}, nil
}

func (e *Executor) succeed(ctx context.Context, step models.Step, result *models.ExecutionStepResult, output any) (Outcome, error) {
	result.Output = output
	result.Error = nil
	result.CompletedAtEpochMs = models.Int64Ptr(e.clock.Now().UnixMilli())

	err := e.complete(ctx, step, result, map[string]any{
		"status":  StatusSucceeded,
		"attempt": result.Attempt,
	})
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{Status: StatusSucceeded, Output: output}, nil
}

func (e *Executor) fail(ctx context.Context, step models.Step, result *models.ExecutionStepResult, actionErr error) (Outcome, error) {
	result.Output = nil
	result.Error = &models.StepError{Message: actionErr.Error(), Retryable: false, Attempt: result.Attempt}
	result.CompletedAtEpochMs = models.Int64Ptr(e.clock.Now().UnixMilli())

	err := e.complete(ctx, step, result, map[string]any{
		"status":  StatusFailed,
		"attempt": result.Attempt,
		"error":   result.Error.Message,
	})
	if err != nil {
		return Outcome{}, err
	}

	e.logger.WarnContext(ctx, "step failed",
		"execution_id", result.ExecutionID,
		"step_id", step.Name,
		"attempt", result.Attempt,
		"error", actionErr)

	return Outcome{Status: StatusFailed, Err: &models.StepTerminalError{StepID: step.Name, Err: actionErr}}, nil
}

// complete writes the terminal result before the step_completed event, so a
// crash in between can lose the event but never duplicates it.
func (e *Executor) complete(ctx context.Context, step models.Step, result *models.ExecutionStepResult, payload map[string]any) error {
	err := e.results.Upsert(ctx, result)
	if err != nil {
		return fmt.Errorf("failed to record result of step %s: %w", step.Name, err)
	}

	_, err = e.events.Append(ctx, &models.WorkflowEvent{
		ExecutionID: result.ExecutionID,
		Type:        models.EventTypeStepCompleted,
		Name:        models.StringPtr(step.Name),
		Payload:     payload,
	})

	return err
}

func terminalOutcome(result *models.ExecutionStepResult) Outcome {
	if result.Succeeded() {
		return Outcome{Status: StatusSucceeded, Output: result.Output}
	}

	return Outcome{Status: StatusFailed, Err: &models.StepTerminalError{StepID: result.StepID, Err: result.Error}}
}

func backoffMs(step models.Step) int64 {
	if step.Retry == nil {
		return 0
	}

	return step.Retry.BackoffMs
}
