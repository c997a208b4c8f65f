// Package tools resolves tool_call actions to connections that invoke external
// tools synchronously.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/waypoint/pkg/models"
)

var (
	// ErrConnectionNotFound is returned for an unregistered connection id.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrToolNotFound is returned when a connection does not provide a tool.
	ErrToolNotFound = errors.New("tool not found")
)

// Invoker runs a named tool through a named connection.
type Invoker interface {
	Invoke(ctx context.Context, connectionID, toolName string, input any) (any, error)
}

// Connection is one tool provider.
type Connection interface {
	Call(ctx context.Context, toolName string, input any) (any, error)
}

// Registry maps connection ids to connections. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]Connection
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		connections: make(map[string]Connection),
		logger:      logger.With("module", "tools"),
	}
}

// Register adds or replaces a connection.
func (r *Registry) Register(connectionID string, connection Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[connectionID] = connection
	r.logger.Info("registered tool connection", "connection_id", connectionID)
}

// Connections returns the registered ids in sorted order.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.connections))
	for id := range r.connections {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// Invoke implements Invoker. An unknown connection is a terminal failure.
func (r *Registry) Invoke(ctx context.Context, connectionID, toolName string, input any) (any, error) {
	r.mu.RLock()
	connection, ok := r.connections[connectionID]
	r.mu.RUnlock()

	if !ok {
		return nil, models.Terminal(fmt.Errorf("%w: %s", ErrConnectionNotFound, connectionID))
	}

	r.logger.DebugContext(ctx, "invoking tool", "connection_id", connectionID, "tool", toolName)

	return connection.Call(ctx, toolName, input)
}

// ToolFunc is an in-process tool.
type ToolFunc func(ctx context.Context, input any) (any, error)

// FuncConnection serves tools implemented as Go functions.
type FuncConnection map[string]ToolFunc

// Call implements Connection. An unknown tool is a terminal failure.
func (c FuncConnection) Call(ctx context.Context, toolName string, input any) (any, error) {
	fn, ok := c[toolName]
	if !ok {
		return nil, models.Terminal(fmt.Errorf("%w: %s", ErrToolNotFound, toolName))
	}

	return fn(ctx, input)
}

// Echo is a tool returning its input.
func Echo(_ context.Context, input any) (any, error) {
	return input, nil
}
