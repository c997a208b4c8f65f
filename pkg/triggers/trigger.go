// Package triggers starts workflow executions from outside events: cron
// schedules, a Redis list and a Kafka topic.
package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/waypoint/pkg/workflow"
)

// ErrMissingWorkflowID is returned for trigger messages that name no workflow.
var ErrMissingWorkflowID = errors.New("trigger message has no workflow_id")

// Callback receives every trigger request a Trigger produces.
type Callback func(ctx context.Context, req workflow.TriggerRequest) error

// Trigger is a long-running source of trigger requests.
type Trigger interface {
	Start(ctx context.Context, callback Callback) error
	Stop(ctx context.Context) error
}

// DecodeRequest parses a JSON trigger request as carried by queue and topic
// messages.
func DecodeRequest(data []byte) (workflow.TriggerRequest, error) {
	var req workflow.TriggerRequest

	err := json.Unmarshal(data, &req)
	if err != nil {
		return req, fmt.Errorf("invalid trigger message: %w", err)
	}

	if req.WorkflowID == "" {
		return req, ErrMissingWorkflowID
	}

	return req, nil
}
