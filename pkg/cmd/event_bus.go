package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/waypoint/pkg/channels/gochannel"
	"github.com/dukex/waypoint/pkg/channels/kafka"
	"github.com/dukex/waypoint/pkg/eventbus"
)

// EventBusOptions carries the provider specific connection settings.
type EventBusOptions struct {
	KafkaBrokers string
	RedisURL     string

	// ServiceName selects the kafka consumer group.
	ServiceName string
}

// NewEventBus creates the notification bus for provider: kafka, redis,
// gochannel, or none.
func NewEventBus(ctx context.Context, provider string, logger *slog.Logger, opts EventBusOptions) (eventbus.EventBus, error) {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.ParseBrokers(opts.KafkaBrokers), opts.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "redis":
		bus, err := eventbus.NewRedisEventBus(ctx, opts.RedisURL, logger)
		if err != nil {
			return nil, err
		}

		return bus, nil
	case "gochannel":
		pub, sub := gochannel.CreateChannel(watermill.NewSlogLogger(logger))

		return eventbus.NewWatermillEventBus(pub, sub, logger), nil
	case "", "none":
		return eventbus.Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
