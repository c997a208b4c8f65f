package kafka_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/dukex/waypoint/pkg/triggers/kafka"
	"github.com/dukex/waypoint/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestNewTrigger(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name      string
		config    map[string]any
		env       string
		brokers   []string
		group     string
		wantError bool
	}{
		{
			name:    "valid basic config",
			config:  map[string]any{"topic": "triggers"},
			brokers: []string{"localhost:9092"},
			group:   "waypoint-triggers",
		},
		{
			name:    "consumer group and brokers",
			config:  map[string]any{"topic": "triggers", "consumer_group": "cg", "brokers": "b1:9092, b2:9092"},
			brokers: []string{"b1:9092", "b2:9092"},
			group:   "cg",
		},
		{
			name:    "brokers from environment",
			config:  map[string]any{"topic": "triggers"},
			env:     "env-broker1:9092,env-broker2:9092",
			brokers: []string{"env-broker1:9092", "env-broker2:9092"},
			group:   "waypoint-triggers",
		},
		{
			name:      "missing topic",
			config:    map[string]any{},
			wantError: true,
		},
		{
			name:      "blank brokers",
			config:    map[string]any{"topic": "triggers", "brokers": " , "},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KAFKA_BROKERS", tt.env)

			trigger, err := kafka.NewTrigger(context.Background(), tt.config, logger)
			if tt.wantError {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "triggers", trigger.Topic)
			assert.Equal(t, tt.brokers, trigger.Brokers)
			assert.Equal(t, tt.group, trigger.ConsumerGroup)
		})
	}
}

func TestTrigger_ConsumesTopic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Kafka container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0", tckafka.WithClusterID("waypoint-test"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, producer.Close())
	}()

	body, err := json.Marshal(workflow.TriggerRequest{WorkflowID: "wf", Input: map[string]any{"n": 5}})
	require.NoError(t, err)

	_, _, err = producer.SendMessage(&sarama.ProducerMessage{
		Topic: "triggers",
		Key:   sarama.StringEncoder("order-1"),
		Value: sarama.ByteEncoder(body),
	})
	require.NoError(t, err)

	trigger, err := kafka.NewTrigger(ctx, map[string]any{
		"topic":   "triggers",
		"brokers": brokers[0],
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received []workflow.TriggerRequest
	)

	require.NoError(t, trigger.Start(ctx, func(_ context.Context, req workflow.TriggerRequest) error {
		mu.Lock()
		defer mu.Unlock()

		received = append(received, req)

		return nil
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, time.Minute, 100*time.Millisecond)

	require.NoError(t, trigger.Stop(ctx))

	assert.Equal(t, "wf", received[0].WorkflowID)
	assert.Equal(t, "order-1", received[0].IdempotencyKey, "the message key becomes the idempotency key")
}
