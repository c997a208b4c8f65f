package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/waypoint/pkg/triggers/queue"
	"github.com/dukex/waypoint/pkg/workflow"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestNewTrigger(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name        string
		config      map[string]any
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid_redis_config",
			config: map[string]any{
				"queue": "waypoint_triggers",
				"connection": map[string]any{
					"addr":     "localhost:6379",
					"password": "",
					"db":       "0",
				},
			},
		},
		{
			name:   "defaults_connection",
			config: map[string]any{"queue": "waypoint_triggers"},
		},
		{
			name:        "missing_queue",
			config:      map[string]any{},
			expectError: true,
			errorMsg:    "queue trigger queue name is required",
		},
		{
			name: "invalid_db",
			config: map[string]any{
				"queue":      "waypoint_triggers",
				"connection": map[string]any{"db": "zero"},
			},
			expectError: true,
			errorMsg:    "invalid db value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, err := queue.NewTrigger(context.Background(), tt.config, logger)
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "waypoint_triggers", trigger.Queue)
		})
	}
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return addr
}

type recorder struct {
	mu       sync.Mutex
	received []workflow.TriggerRequest
	fail     map[string]bool
}

func (r *recorder) callback(_ context.Context, req workflow.TriggerRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.received = append(r.received, req)

	if r.fail[req.WorkflowID] {
		return errors.New("workflow not found")
	}

	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.received)
}

func TestTrigger_ConsumesPushedRequests(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	addr := startRedis(t, ctx)
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	// Left over by a worker that crashed mid-request.
	require.NoError(t, client.RPush(ctx, queue.ProcessingList("waypoint_triggers"),
		`{"workflow_id":"wf-recovered","idempotency_key":"order-0"}`).Err())

	trigger, err := queue.NewTrigger(ctx, map[string]any{
		"queue":      "waypoint_triggers",
		"connection": map[string]any{"addr": addr},
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	rec := &recorder{fail: map[string]bool{"wf-missing": true}}
	require.NoError(t, trigger.Start(ctx, rec.callback))

	require.NoError(t, client.RPush(ctx, "waypoint_triggers", "garbage").Err())
	require.NoError(t, queue.Push(ctx, client, "waypoint_triggers", workflow.TriggerRequest{
		WorkflowID:     "wf",
		Input:          map[string]any{"n": 5},
		IdempotencyKey: "order-1",
	}))
	require.NoError(t, queue.Push(ctx, client, "waypoint_triggers", workflow.TriggerRequest{WorkflowID: "wf-missing"}))

	require.Eventually(t, func() bool { return rec.count() == 3 }, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return client.LLen(ctx, queue.FailedList("waypoint_triggers")).Val() == 2
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, trigger.Stop(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()

	assert.Equal(t, "wf-recovered", rec.received[0].WorkflowID)
	assert.Equal(t, "wf", rec.received[1].WorkflowID)
	assert.Equal(t, "order-1", rec.received[1].IdempotencyKey)
	assert.Equal(t, "wf-missing", rec.received[2].WorkflowID)

	assert.Zero(t, client.LLen(ctx, queue.ProcessingList("waypoint_triggers")).Val())
	assert.Zero(t, client.LLen(ctx, "waypoint_triggers").Val())

	failed, err := client.LRange(ctx, queue.FailedList("waypoint_triggers"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, "garbage", failed[0])
	assert.Contains(t, failed[1], "wf-missing")
}
