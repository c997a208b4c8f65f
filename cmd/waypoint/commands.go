package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/waypoint/pkg/cmd"
	"github.com/dukex/waypoint/pkg/eventbus"
	"github.com/dukex/waypoint/pkg/log"
	"github.com/dukex/waypoint/pkg/persistence"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/jonboulle/clockwork"
	cli "github.com/urfave/cli/v3"
)

var errMissingArgument = errors.New("missing argument")

// environment is what every subcommand works against.
type environment struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	repository  *workflow.Repository
	service     *workflow.Service
}

func open(ctx context.Context, command *cli.Command) (*environment, error) {
	logger := log.WithModule("waypoint")

	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, err
	}

	bus, err := cmd.NewEventBus(ctx, command.String("event-bus"), logger, cmd.EventBusOptions{
		KafkaBrokers: command.String("kafka-brokers"),
		RedisURL:     command.String("redis-url"),
		ServiceName:  "waypoint-cli",
	})
	if err != nil {
		_ = p.Close(ctx)

		return nil, err
	}

	clock := clockwork.NewRealClock()

	return &environment{
		logger:      logger,
		persistence: p,
		eventBus:    bus,
		repository:  workflow.NewRepository(p, bus, clock, logger),
		service:     workflow.NewService(p, bus, clock, logger),
	}, nil
}

func (e *environment) close(ctx context.Context) {
	err := errors.Join(e.eventBus.Close(), e.persistence.Close(ctx))
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to close resources", "error", err)
	}
}

// withEnvironment wraps a subcommand action with opening and closing the
// environment.
func withEnvironment(action func(context.Context, *cli.Command, *environment) error) cli.ActionFunc {
	return func(ctx context.Context, command *cli.Command) error {
		env, err := open(ctx, command)
		if err != nil {
			return err
		}

		defer env.close(ctx)

		return action(ctx, command, env)
	}
}

func firstArg(command *cli.Command, name string) (string, error) {
	value := command.Args().First()
	if value == "" {
		return "", fmt.Errorf("%w: %s", errMissingArgument, name)
	}

	return value, nil
}

func parseJSON(value string) (any, error) {
	if value == "" {
		return nil, nil
	}

	var decoded any

	err := json.Unmarshal([]byte(value), &decoded)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON %q: %w", value, err)
	}

	return decoded, nil
}

func printJSON(command *cli.Command, value any) error {
	encoder := json.NewEncoder(command.Root().Writer)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}

func NewLoadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "Validate and store every workflow definition of a directory",
		ArgsUsage: "<dir>",
		Action: withEnvironment(func(ctx context.Context, command *cli.Command, env *environment) error {
			dir, err := firstArg(command, "dir")
			if err != nil {
				return err
			}

			workflows, err := workflow.LoadDir(dir)
			if err != nil {
				return err
			}

			for _, definition := range workflows {
				saved, err := env.repository.Save(ctx, definition)
				if err != nil {
					return fmt.Errorf("failed to save workflow %s: %w", definition.ID, err)
				}

				_, _ = fmt.Fprintf(command.Root().Writer, "loaded %s (%s)\n", saved.ID, saved.Title)
			}

			return nil
		}),
	}
}

func NewTriggerCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Start an execution of a workflow",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "input", Usage: "JSON input of the execution"},
			&cli.DurationFlag{Name: "timeout", Usage: "Execution timeout, overriding the workflow default"},
			&cli.TimestampFlag{
				Name:   "start-at",
				Usage:  "Delay the first step until this time (RFC 3339)",
				Config: cli.TimestampConfig{Layouts: []string{time.RFC3339}},
			},
			&cli.StringFlag{Name: "parent", Usage: "Parent execution id"},
			&cli.StringFlag{Name: "idempotency-key", Usage: "Key resolving duplicate triggers to one execution"},
		},
		Action: withEnvironment(func(ctx context.Context, command *cli.Command, env *environment) error {
			workflowID, err := firstArg(command, "workflow-id")
			if err != nil {
				return err
			}

			input, err := parseJSON(command.String("input"))
			if err != nil {
				return err
			}

			req := workflow.TriggerRequest{
				WorkflowID:     workflowID,
				Input:          input,
				IdempotencyKey: command.String("idempotency-key"),
			}

			if timeout := command.Duration("timeout"); timeout > 0 {
				ms := timeout.Milliseconds()
				req.TimeoutMs = &ms
			}

			if startAt := command.Timestamp("start-at"); !startAt.IsZero() {
				ms := startAt.UnixMilli()
				req.StartAtEpochMs = &ms
			}

			if parent := command.String("parent"); parent != "" {
				req.ParentExecutionID = &parent
			}

			execution, created, err := env.service.Trigger(ctx, req)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(command.Root().Writer, "%s created=%t\n", execution.ID, created)

			return nil
		}),
	}
}

func NewSignalCommand() *cli.Command {
	return &cli.Command{
		Name:      "signal",
		Usage:     "Deliver a named signal to an execution",
		ArgsUsage: "<execution-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Signal name", Required: true},
			&cli.StringFlag{Name: "payload", Usage: "JSON payload"},
		},
		Action: withEnvironment(func(ctx context.Context, command *cli.Command, env *environment) error {
			executionID, err := firstArg(command, "execution-id")
			if err != nil {
				return err
			}

			payload, err := parseJSON(command.String("payload"))
			if err != nil {
				return err
			}

			eventID, err := env.service.Signal(ctx, workflow.SignalRequest{
				ExecutionID: executionID,
				Name:        command.String("name"),
				Payload:     payload,
			})
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(command.Root().Writer, eventID)

			return nil
		}),
	}
}

func NewCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cancellation of an execution",
		ArgsUsage: "<execution-id>",
		Action: withEnvironment(func(ctx context.Context, command *cli.Command, env *environment) error {
			executionID, err := firstArg(command, "execution-id")
			if err != nil {
				return err
			}

			err = env.service.Cancel(ctx, executionID)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(command.Root().Writer, "cancellation requested for %s\n", executionID)

			return nil
		}),
	}
}

func NewStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Print an execution with its step results",
		ArgsUsage: "<execution-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "events", Usage: "Print the event history instead"},
		},
		Action: withEnvironment(func(ctx context.Context, command *cli.Command, env *environment) error {
			executionID, err := firstArg(command, "execution-id")
			if err != nil {
				return err
			}

			if command.Bool("events") {
				history, err := env.service.Events(ctx, executionID)
				if err != nil {
					return err
				}

				return printJSON(command, history)
			}

			status, err := env.service.Status(ctx, executionID)
			if err != nil {
				return err
			}

			return printJSON(command, status)
		}),
	}
}
