package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/waypoint/pkg/events"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// envelope is the redis wire format; pub/sub has no message metadata.
type envelope struct {
	Key     string           `json:"key"`
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// RedisEventBus publishes notifications on a redis pub/sub channel. Delivery is
// at-most-once, which suffices for hints.
type RedisEventBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[events.EventType]EventHandler
	pubsub   *redis.PubSub
}

// NewRedisEventBus connects to the redis server at url (redis://host:port/db).
func NewRedisEventBus(ctx context.Context, url string, logger *slog.Logger) (*RedisEventBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisEventBusWithClient(client, logger), nil
}

// NewRedisEventBusWithClient wraps an existing client.
func NewRedisEventBusWithClient(client redis.UniversalClient, logger *slog.Logger) *RedisEventBus {
	return &RedisEventBus{
		client:   client,
		channel:  events.Topic,
		logger:   logger.With("module", "redis_event_bus"),
		handlers: make(map[events.EventType]EventHandler),
	}
}

func (r *RedisEventBus) GenerateID() string {
	return uuid.NewString()
}

func (r *RedisEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	data, err := json.Marshal(envelope{Key: key, Type: event.GetType(), Payload: payload})
	if err != nil {
		return err
	}

	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *RedisEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[eventType] = handler

	return nil
}

// Subscribe starts delivering messages to handlers until ctx ends or Close.
func (r *RedisEventBus) Subscribe(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)

	_, err := pubsub.Receive(ctx)
	if err != nil {
		_ = pubsub.Close()

		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			r.dispatch(ctx, msg.Payload)
		}
	}()

	return nil
}

func (r *RedisEventBus) dispatch(ctx context.Context, raw string) {
	var env envelope

	err := json.Unmarshal([]byte(raw), &env)
	if err != nil {
		r.logger.WarnContext(ctx, "dropping malformed message", "error", err)

		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[env.Type]
	r.mu.RUnlock()

	if !ok {
		return
	}

	event, known := decode(env.Type)
	if !known {
		return
	}

	err = json.Unmarshal(env.Payload, event)
	if err != nil {
		r.logger.WarnContext(ctx, "dropping undecodable event", "event_type", env.Type, "error", err)

		return
	}

	err = handler(ctx, event)
	if err != nil {
		r.logger.ErrorContext(ctx, "event handler failed", "event_type", env.Type, "key", env.Key, "error", err)
	}
}

func (r *RedisEventBus) Close() error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	if pubsub != nil {
		err := pubsub.Close()
		if err != nil {
			return err
		}
	}

	return r.client.Close()
}
