package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Invoke(t *testing.T) {
	registry := tools.NewRegistry(slog.New(slog.DiscardHandler))
	registry.Register("local", tools.FuncConnection{"echo": tools.Echo})

	ctx := context.Background()

	out, err := registry.Invoke(ctx, "local", "echo", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)

	_, err = registry.Invoke(ctx, "missing", "echo", nil)
	require.ErrorIs(t, err, tools.ErrConnectionNotFound)
	assert.True(t, models.IsTerminal(err))

	_, err = registry.Invoke(ctx, "local", "nope", nil)
	require.ErrorIs(t, err, tools.ErrToolNotFound)
	assert.True(t, models.IsTerminal(err))

	assert.Equal(t, []string{"local"}, registry.Connections())
}

func TestHTTPConnection_Call(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		switch r.URL.Path {
		case "/tools/echo":
			var body any
			_ = json.NewDecoder(r.Body).Decode(&body)
			_ = json.NewEncoder(w).Encode(map[string]any{"echo": body})
		case "/tools/bad":
			http.Error(w, "invalid input", http.StatusUnprocessableEntity)
		case "/tools/busy":
			http.Error(w, "try later", http.StatusTooManyRequests)
		case "/tools/down":
			http.Error(w, "boom", http.StatusBadGateway)
		case "/tools/empty":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	conn := tools.NewHTTPConnection(server.URL + "/")
	ctx := context.Background()

	tests := []struct {
		name      string
		tool      string
		want      any
		wantErr   bool
		terminal  bool
		errStatus int
	}{
		{name: "success", tool: "echo", want: map[string]any{"echo": map[string]any{"n": float64(5)}}},
		{name: "client error is terminal", tool: "bad", wantErr: true, terminal: true, errStatus: 422},
		{name: "rate limit is transient", tool: "busy", wantErr: true, errStatus: 429},
		{name: "server error is transient", tool: "down", wantErr: true, errStatus: 502},
		{name: "empty body", tool: "empty", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := conn.Call(ctx, tt.tool, map[string]any{"n": 5})

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, tt.want, out)

				return
			}

			require.Error(t, err)
			assert.Equal(t, tt.terminal, models.IsTerminal(err))

			var httpErr *tools.ToolHTTPError
			require.True(t, errors.As(err, &httpErr))
			assert.Equal(t, tt.errStatus, httpErr.StatusCode)
		})
	}
}

func TestHTTPConnection_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := tools.NewHTTPConnection(url).Call(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.False(t, models.IsTerminal(err))
}

func TestParseConnections(t *testing.T) {
	connections, err := tools.ParseConnections("crm=http://crm:8080, mail=https://mail.internal/api/")
	require.NoError(t, err)
	require.Len(t, connections, 2)
	assert.Equal(t, "https://mail.internal/api", connections["mail"].BaseURL)

	_, err = tools.ParseConnections("broken")
	assert.Error(t, err)

	_, err = tools.ParseConnections("x=not a url")
	assert.Error(t, err)

	empty, err := tools.ParseConnections("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
