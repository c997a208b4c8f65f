// Package queue starts executions from trigger requests pushed onto a Redis list.
//
// Requests move atomically from the queue to a processing list while they are
// handled and are removed only once the execution was created, so a crashed
// worker leaves them behind for the next Start to recover. Requests that cannot
// be decoded or whose trigger fails are parked on a failed list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/waypoint/pkg/triggers"
	"github.com/dukex/waypoint/pkg/workflow"
	redis "github.com/redis/go-redis/v9"
)

const (
	processingSuffix = ":processing"
	failedSuffix     = ":failed"

	popTimeout   = time.Second
	errorBackoff = time.Second
)

type Trigger struct {
	Connection map[string]string
	Queue      string

	client   redis.UniversalClient
	callback triggers.Callback
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTrigger reads "queue" and an optional "connection" map with "addr",
// "password" and "db" from config.
func NewTrigger(ctx context.Context, config map[string]any, logger *slog.Logger) (*Trigger, error) {
	queue, _ := config["queue"].(string)
	connectionConfig, _ := config["connection"].(map[string]any)

	connection := make(map[string]string)
	for k, v := range connectionConfig {
		if str, ok := v.(string); ok {
			connection[k] = str
		}
	}

	trigger := &Trigger{
		Connection: connection,
		Queue:      queue,
		stopCh:     make(chan struct{}),
		logger:     logger.With("module", "queue_trigger", "queue", queue),
	}

	err := trigger.Validate(ctx)
	if err != nil {
		return nil, err
	}

	return trigger, nil
}

// ProcessingList is the list holding requests being handled.
func ProcessingList(queue string) string { return queue + processingSuffix }

// FailedList is the list holding requests that could not start an execution.
func FailedList(queue string) string { return queue + failedSuffix }

func (t *Trigger) Validate(_ context.Context) error {
	if t.Queue == "" {
		return errors.New("queue trigger queue name is required")
	}

	if dbStr := t.Connection["db"]; dbStr != "" {
		if _, err := parseDB(dbStr); err != nil {
			return fmt.Errorf("invalid db value: %w", err)
		}
	}

	return nil
}

// Start connects, requeues requests left in the processing list by a previous
// run and consumes until Stop or ctx cancellation.
func (t *Trigger) Start(ctx context.Context, callback triggers.Callback) error {
	t.callback = callback

	err := t.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize queue client: %w", err)
	}

	recovered, err := t.recover(ctx)
	if err != nil {
		return err
	}

	t.logger.InfoContext(ctx, "queue trigger started", "recovered", recovered)

	t.wg.Add(1)

	go t.consume(ctx)

	return nil
}

func (t *Trigger) connect(ctx context.Context) error {
	addr := t.Connection["addr"]
	if addr == "" {
		addr = "localhost:6379"
	}

	db, _ := parseDB(t.Connection["db"])

	t.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: t.Connection["password"],
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := t.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}

func parseDB(dbStr string) (int, error) {
	if dbStr == "" {
		return 0, nil
	}

	var db int

	_, err := fmt.Sscanf(dbStr, "%d", &db)

	return db, err
}

// recover moves every in-flight request back to the head of the queue.
func (t *Trigger) recover(ctx context.Context) (int, error) {
	recovered := 0

	for {
		err := t.client.LMove(ctx, ProcessingList(t.Queue), t.Queue, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return recovered, nil
		}

		if err != nil {
			return recovered, fmt.Errorf("failed to recover in-flight requests: %w", err)
		}

		recovered++
	}
}

func (t *Trigger) consume(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := t.next(ctx)
		if err == nil || ctx.Err() != nil {
			continue
		}

		t.logger.ErrorContext(ctx, "queue consumer error", "error", err)

		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(errorBackoff):
		}
	}
}

// next handles at most one request. Only Redis failures are returned.
func (t *Trigger) next(ctx context.Context) error {
	raw, err := t.client.BLMove(ctx, t.Queue, ProcessingList(t.Queue), "LEFT", "RIGHT", popTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to pop trigger request: %w", err)
	}

	err = t.handle(ctx, raw)
	if err != nil {
		t.logger.WarnContext(ctx, "parking trigger request", "error", err)

		return t.park(ctx, raw)
	}

	return t.client.LRem(ctx, ProcessingList(t.Queue), 1, raw).Err()
}

func (t *Trigger) handle(ctx context.Context, raw string) error {
	req, err := triggers.DecodeRequest([]byte(raw))
	if err != nil {
		return err
	}

	t.logger.DebugContext(ctx, "trigger request received",
		"workflow_id", req.WorkflowID,
		"idempotency_key", req.IdempotencyKey)

	return t.callback(ctx, req)
}

func (t *Trigger) park(ctx context.Context, raw string) error {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingList(t.Queue), 1, raw)
		pipe.RPush(ctx, FailedList(t.Queue), raw)

		return nil
	})

	return err
}

// Push appends req to the queue of client.
func Push(ctx context.Context, client redis.Cmdable, queue string, req workflow.TriggerRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	return client.RPush(ctx, queue, body).Err()
}

func (t *Trigger) Stop(ctx context.Context) error {
	close(t.stopCh)
	t.wg.Wait()

	if t.client != nil {
		err := t.client.Close()
		if err != nil {
			t.logger.ErrorContext(ctx, "failed to close Redis client", "error", err)
		}
	}

	t.logger.InfoContext(ctx, "queue trigger stopped")

	return nil
}
