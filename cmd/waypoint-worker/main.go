// Package main is the waypoint worker: it claims executions and advances them.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dukex/waypoint/pkg/cmd"
	"github.com/dukex/waypoint/pkg/code"
	"github.com/dukex/waypoint/pkg/log"
	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/otelhelper"
	"github.com/dukex/waypoint/pkg/scheduler"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "waypoint-worker"

func main() {
	defaults := scheduler.DefaultConfig()

	command := &cli.Command{
		Name:                  serviceName,
		EnableShellCompletion: true,
		Usage:                 "Claim and advance workflow executions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or a directory)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, redis, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the redis event bus",
				Value:   "redis://localhost:6379/0",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Delay between claim sweeps",
				Value:   defaults.PollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "lease-duration",
				Usage:   "Lease duration of a claimed execution",
				Value:   defaults.LeaseDuration,
				Sources: cli.EnvVars("LEASE_DURATION"),
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Executions advanced at once",
				Value:   defaults.Concurrency,
				Sources: cli.EnvVars("WORKER_CONCURRENCY"),
			},
			&cli.StringFlag{
				Name:    "signal-timeout-policy",
				Usage:   "Default wait_for_signal timeout policy (fail_step, fail_execution, resolve_null)",
				Value:   string(defaults.SignalTimeout),
				Sources: cli.EnvVars("SIGNAL_TIMEOUT_POLICY"),
			},
			&cli.StringFlag{
				Name:    "tool-connections",
				Usage:   "HTTP tool connections as id=url pairs separated by commas",
				Sources: cli.EnvVars("TOOL_CONNECTIONS"),
			},
			&cli.BoolFlag{
				Name:    "schedules",
				Usage:   "Run the cron schedules of stored workflows",
				Sources: cli.EnvVars("SCHEDULES_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "trigger-queue",
				Usage:   "Redis list consumed for trigger requests",
				Sources: cli.EnvVars("TRIGGER_QUEUE"),
			},
			&cli.StringFlag{
				Name:    "trigger-queue-addr",
				Usage:   "Redis address of the trigger queue",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("TRIGGER_QUEUE_ADDR"),
			},
			&cli.StringFlag{
				Name:    "trigger-topic",
				Usage:   "Kafka topic consumed for trigger requests",
				Sources: cli.EnvVars("TRIGGER_TOPIC"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule(serviceName).With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing Waypoint Worker")

	policy, ok := models.ParseSignalTimeoutPolicy(command.String("signal-timeout-policy"))
	if !ok {
		return fmt.Errorf("unknown signal timeout policy %q", command.String("signal-timeout-policy"))
	}

	cfg := scheduler.DefaultConfig()
	cfg.WorkerID = workerID
	cfg.PollInterval = command.Duration("poll-interval")
	cfg.LeaseDuration = command.Duration("lease-duration")
	cfg.Concurrency = command.Int("concurrency")
	cfg.SignalTimeout = policy

	tracer, shutdown, err := setupTracing(ctx, command.Bool("otel-enabled"))
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		err := shutdown(shutdownCtx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
		}
	}()

	registry, err := cmd.NewToolRegistry(logger, command.String("tool-connections"))
	if err != nil {
		return err
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := persistence.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(ctx, command.String("event-bus"), logger, cmd.EventBusOptions{
		KafkaBrokers: command.String("kafka-brokers"),
		RedisURL:     command.String("redis-url"),
		// every worker must see every wake-up, so each one is its own group
		ServiceName: serviceName + "-" + workerID,
	})
	if err != nil {
		return err
	}

	defer func() {
		err := eventBus.Close()
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	worker := NewWorkerManager(cfg, scheduler.Dependencies{
		Store:   persistence,
		Tools:   registry,
		Sandbox: code.NewGojaSandbox(logger),
		Logger:  logger,
		Tracer:  tracer,
	}, eventBus, TriggerSources{
		Schedules:    command.Bool("schedules"),
		QueueName:    command.String("trigger-queue"),
		QueueAddr:    command.String("trigger-queue-addr"),
		KafkaTopic:   command.String("trigger-topic"),
		KafkaBrokers: command.String("kafka-brokers"),
	})

	return worker.Start(ctx)
}

// nolint:ireturn
func setupTracing(ctx context.Context, enabled bool) (trace.Tracer, func(context.Context) error, error) {
	if !enabled {
		return otelhelper.Tracer(), func(context.Context) error { return nil }, nil
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	return tracer, shutdown, nil
}
