// Package main is the waypoint admin CLI.
package main

import (
	"context"
	"os"

	"github.com/dukex/waypoint/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	err := NewRootCommand().Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("waypoint").Error("command failed", "error", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "waypoint",
		Usage:                 "Load workflows and manage their executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type used to wake workers (kafka, redis, gochannel, none)",
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
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewLoadCommand(),
			NewTriggerCommand(),
			NewSignalCommand(),
			NewCancelCommand(),
			NewStatusCommand(),
		},
	}
}
