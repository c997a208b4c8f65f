package eventbus_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/waypoint/pkg/channels/gochannel"
	"github.com/dukex/waypoint/pkg/channels/kafka"
	"github.com/dukex/waypoint/pkg/eventbus"
	"github.com/dukex/waypoint/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
)

// exercise publishes wakeups until the handler sees one. Brokers that assign
// partitions asynchronously may drop the first messages.
func exercise(t *testing.T, bus eventbus.EventBus) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	received := make(chan *events.ExecutionWakeup, 1)

	require.NoError(t, bus.Handle(events.ExecutionWakeupEvent, func(_ context.Context, event any) error {
		select {
		case received <- event.(*events.ExecutionWakeup):
		default:
		}

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "wf-1", events.NewWorkflowSaved("wf-1")))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		require.NoError(t, bus.Publish(ctx, "exec-1", events.NewExecutionWakeup("wf-1", "exec-1", events.WakeupSignal)))

		select {
		case wakeup := <-received:
			assert.Equal(t, "exec-1", wakeup.ExecutionID)
			assert.Equal(t, events.WakeupSignal, wakeup.Reason)

			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatal("wakeup was not delivered")
		}
	}
}

func TestWatermillEventBus_GoChannel(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	pub, sub := gochannel.CreateChannel(watermill.NewSlogLogger(logger))

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	defer func() {
		assert.NoError(t, bus.Close())
	}()

	assert.NotEmpty(t, bus.GenerateID())
	exercise(t, bus)
}

func TestRedisEventBus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	bus, err := eventbus.NewRedisEventBus(ctx, "redis://"+endpoint+"/0", slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, bus.Close())
	}()

	exercise(t, bus)
}

func TestWatermillEventBus_Kafka(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Kafka container test in short mode")
	}

	ctx := context.Background()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("waypoint-test"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, "waypoint-test")
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	defer func() {
		assert.NoError(t, bus.Close())
	}()

	exercise(t, bus)
}

func TestNop(t *testing.T) {
	var bus eventbus.EventBus = eventbus.Nop{}

	assert.NoError(t, bus.Publish(context.Background(), "k", events.NewWorkflowSaved("wf")))
	assert.NoError(t, bus.Subscribe(context.Background()))
	assert.NoError(t, bus.Close())
}
