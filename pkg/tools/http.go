package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/waypoint/pkg/models"
)

const maxResponseBytes = 4 << 20

// HTTPConnection calls remote tools with POST {BaseURL}/tools/{name} and a JSON
// body. Client errors (4xx) are terminal; server and network errors are
// transient.
type HTTPConnection struct {
	BaseURL string
	Headers map[string]string
	Client  *http.Client
}

// NewHTTPConnection creates a connection with a 30 second client timeout.
func NewHTTPConnection(baseURL string) *HTTPConnection {
	return &HTTPConnection{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// ToolHTTPError is a non-2xx response from a tool endpoint.
type ToolHTTPError struct {
	Tool       string
	StatusCode int
	Body       string
}

func (e *ToolHTTPError) Error() string {
	return fmt.Sprintf("tool %s returned HTTP %d: %s", e.Tool, e.StatusCode, e.Body)
}

// Call implements Connection.
func (c *HTTPConnection) Call(ctx context.Context, toolName string, input any) (any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, models.Terminal(fmt.Errorf("failed to encode input of tool %s: %w", toolName, err))
	}

	endpoint := c.BaseURL + "/tools/" + url.PathEscape(toolName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, models.Terminal(fmt.Errorf("failed to build request for tool %s: %w", toolName, err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, models.Transient(fmt.Errorf("tool %s request failed: %w", toolName, err))
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to read response of tool %s: %w", toolName, err))
	}

	if resp.StatusCode >= 300 {
		httpErr := &ToolHTTPError{Tool: toolName, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return nil, models.Terminal(httpErr)
		}

		return nil, models.Transient(httpErr)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var output any

	err = json.Unmarshal(data, &output)
	if err != nil {
		return string(data), nil
	}

	return output, nil
}

// ParseConnections parses "id=url,id2=url2" into HTTP connections.
func ParseConnections(value string) (map[string]*HTTPConnection, error) {
	connections := make(map[string]*HTTPConnection)

	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, base, ok := strings.Cut(entry, "=")
		if !ok || id == "" || base == "" {
			return nil, fmt.Errorf("invalid tool connection %q, expected id=url", entry)
		}

		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, errors.Join(fmt.Errorf("invalid url for tool connection %s", id), err)
		}

		connections[id] = NewHTTPConnection(base)
	}

	return connections, nil
}
