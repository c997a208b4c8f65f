// Package kafka starts executions from trigger requests published on a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dukex/waypoint/pkg/triggers"
)

type Trigger struct {
	Topic         string
	ConsumerGroup string
	Brokers       []string
	consumer      sarama.ConsumerGroup
	callback      triggers.Callback
	logger        *slog.Logger
	done          chan struct{}
}

// NewTrigger reads "topic", "consumer_group" and "brokers" from config. Brokers
// fall back to KAFKA_BROKERS and then localhost:9092.
func NewTrigger(ctx context.Context, config map[string]any, logger *slog.Logger) (*Trigger, error) {
	topic, _ := config["topic"].(string)

	consumerGroup, _ := config["consumer_group"].(string)
	if consumerGroup == "" {
		consumerGroup = "waypoint-triggers"
	}

	brokersStr, _ := config["brokers"].(string)
	if brokersStr == "" {
		brokersStr = os.Getenv("KAFKA_BROKERS")
		if brokersStr == "" {
			brokersStr = "localhost:9092"
		}
	}

	var brokers []string

	for _, broker := range strings.Split(brokersStr, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	trigger := &Trigger{
		Topic:         topic,
		ConsumerGroup: consumerGroup,
		Brokers:       brokers,
		logger: logger.With(
			"module", "kafka_trigger",
			"topic", topic,
			"consumer_group", consumerGroup,
		),
	}

	err := trigger.Validate(ctx)
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

func (t *Trigger) Validate(_ context.Context) error {
	if t.Topic == "" {
		return errors.New("kafka trigger topic is required")
	}

	if len(t.Brokers) == 0 {
		return errors.New("kafka trigger brokers are required")
	}

	return nil
}

const (
	kafkaSessionTimeout    = 10 * time.Second
	kafkaHeartbeatInterval = 3 * time.Second
	kafkaRetryInterval     = 5 * time.Second
)

func (t *Trigger) Start(ctx context.Context, callback triggers.Callback) error {
	t.logger.InfoContext(ctx, "Starting Kafka trigger", "brokers", t.Brokers)
	t.callback = callback

	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Session.Timeout = kafkaSessionTimeout
	config.Consumer.Group.Heartbeat.Interval = kafkaHeartbeatInterval
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumerGroup(t.Brokers, t.ConsumerGroup, config)
	if err != nil {
		t.logger.ErrorContext(ctx, "Failed to create Kafka consumer group", "error", err)

		return fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	t.consumer = consumer
	t.done = make(chan struct{})

	go t.consuming(ctx)
	go t.monitorConsumerErrors(ctx)

	return nil
}

// Stop closes the consumer group, which ends the consuming loop.
func (t *Trigger) Stop(ctx context.Context) error {
	t.logger.InfoContext(ctx, "Stopping Kafka trigger")

	if t.consumer == nil {
		return nil
	}

	err := t.consumer.Close()
	if err != nil {
		t.logger.ErrorContext(ctx, "Error closing Kafka consumer", "error", err)

		return err
	}

	<-t.done

	return nil
}

func (t *Trigger) consuming(ctx context.Context) {
	defer close(t.done)

	handler := &consumerGroupHandler{trigger: t}

	for {
		err := t.consumer.Consume(ctx, []string{t.Topic}, handler)

		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return
		case ctx.Err() != nil:
			t.logger.InfoContext(ctx, "Kafka trigger context cancelled")

			return
		case err != nil:
			t.logger.ErrorContext(ctx, "Kafka consumer error", "error", err)
			time.Sleep(kafkaRetryInterval)
		}
	}
}

func (t *Trigger) monitorConsumerErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-t.consumer.Errors():
			if !ok {
				return
			}

			t.logger.ErrorContext(ctx, "Kafka consumer group error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

type consumerGroupHandler struct {
	trigger *Trigger
}

func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.trigger.logger.InfoContext(session.Context(), "Kafka consumer group session started")

	return nil
}

func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.trigger.logger.InfoContext(session.Context(), "Kafka consumer group session ended")

	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for message := range claim.Messages() {
		h.trigger.logger.DebugContext(ctx, "Received Kafka message",
			"partition", message.Partition,
			"offset", message.Offset,
		)

		req, err := triggers.DecodeRequest(message.Value)
		if err != nil {
			h.trigger.logger.WarnContext(ctx, "Dropping undecodable Kafka message", "offset", message.Offset, "error", err)
			session.MarkMessage(message, "")

			continue
		}

		// the key, when present, deduplicates redelivered messages
		if req.IdempotencyKey == "" && len(message.Key) > 0 {
			req.IdempotencyKey = string(message.Key)
		}

		err = h.trigger.callback(ctx, req)
		if err != nil {
			h.trigger.logger.ErrorContext(ctx, "Error executing workflow for Kafka trigger", "error", err)

			continue
		}

		session.MarkMessage(message, "")
	}

	return nil
}
