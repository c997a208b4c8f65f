package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ActionKind discriminates the StepAction variants.
type ActionKind string

const (
	ActionKindToolCall      ActionKind = "tool_call"
	ActionKindCode          ActionKind = "code"
	ActionKindSleep         ActionKind = "sleep"
	ActionKindWaitForSignal ActionKind = "wait_for_signal"
)

// StepAction is a closed union; the only implementations are the four action
// types in this file.
type StepAction interface {
	Kind() ActionKind
	validate() error
}

// ToolCallAction invokes an external tool through a named connection.
type ToolCallAction struct {
	ConnectionID string `json:"connection_id"`
	ToolName     string `json:"tool_name"`
}

// CodeAction runs a pure inline transform over the step input.
type CodeAction struct {
	Code string `json:"code"`
}

// SleepAction yields until SleepMs has elapsed or until the epoch SleepUntil.
type SleepAction struct {
	SleepMs    *int64 `json:"sleep_ms,omitempty"`
	SleepUntil *int64 `json:"sleep_until,omitempty"`
}

// WaitForSignalAction yields until a named signal arrives or TimeoutMs elapses.
type WaitForSignalAction struct {
	SignalName  string              `json:"signal_name"`
	TimeoutMs   *int64              `json:"timeout_ms,omitempty"`
	Description string              `json:"description,omitempty"`
	OnTimeout   SignalTimeoutPolicy `json:"on_timeout,omitempty"`
}

func (ToolCallAction) Kind() ActionKind      { return ActionKindToolCall }
func (CodeAction) Kind() ActionKind          { return ActionKindCode }
func (SleepAction) Kind() ActionKind         { return ActionKindSleep }
func (WaitForSignalAction) Kind() ActionKind { return ActionKindWaitForSignal }

func (a ToolCallAction) validate() error {
	if a.ConnectionID == "" || a.ToolName == "" {
		return errors.New("tool_call requires connection_id and tool_name")
	}

	return nil
}

func (a CodeAction) validate() error {
	if a.Code == "" {
		return errors.New("code requires a body")
	}

	return nil
}

func (a SleepAction) validate() error {
	if (a.SleepMs == nil) == (a.SleepUntil == nil) {
		return errors.New("sleep requires exactly one of sleep_ms or sleep_until")
	}

	if a.SleepMs != nil && *a.SleepMs < 0 {
		return errors.New("sleep_ms must not be negative")
	}

	return nil
}

func (a WaitForSignalAction) validate() error {
	if a.SignalName == "" {
		return errors.New("wait_for_signal requires signal_name")
	}

	if a.TimeoutMs != nil && *a.TimeoutMs <= 0 {
		return errors.New("timeout_ms must be positive")
	}

	if a.OnTimeout != "" && !a.OnTimeout.Valid() {
		return fmt.Errorf("unknown on_timeout policy %q", a.OnTimeout)
	}

	return nil
}

// RetryPolicy is a fixed-delay retry: at most MaxAttempts attempts, BackoffMs apart.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts" validate:"gte=1"`
	BackoffMs   int64 `json:"backoff_ms"   validate:"gte=0"`
}

// Step is one unit of work. Name is unique within a workflow and is used as the
// step_id of results and events.
type Step struct {
	Name   string       `json:"name"            validate:"required"`
	Action StepAction   `json:"action"`
	Input  any          `json:"input,omitempty"`
	Retry  *RetryPolicy `json:"retry,omitempty"`
}

// MaxAttempts returns the attempt budget, 1 without a retry policy.
func (s Step) MaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}

	return s.Retry.MaxAttempts
}

// Validate checks the step name, its action and retry policy.
func (s Step) Validate() error {
	if s.Name == "" {
		return errors.New("step name is required")
	}

	if s.Action == nil {
		return fmt.Errorf("step %q has no action", s.Name)
	}

	err := s.Action.validate()
	if err != nil {
		return fmt.Errorf("step %q: %w", s.Name, err)
	}

	if s.Retry != nil && (s.Retry.MaxAttempts < 1 || s.Retry.BackoffMs < 0) {
		return fmt.Errorf("step %q: retry requires max_attempts >= 1 and backoff_ms >= 0", s.Name)
	}

	return nil
}

type stepJSON struct {
	Name   string          `json:"name"`
	Action json.RawMessage `json:"action"`
	Input  any             `json:"input,omitempty"`
	Retry  *RetryPolicy    `json:"retry,omitempty"`
}

// MarshalJSON writes the action with its "type" discriminator.
func (s Step) MarshalJSON() ([]byte, error) {
	action, err := MarshalAction(s.Action)
	if err != nil {
		return nil, err
	}

	return json.Marshal(stepJSON{Name: s.Name, Action: action, Input: s.Input, Retry: s.Retry})
}

// UnmarshalJSON decodes the action variant selected by its "type" field.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}

	s.Name = raw.Name
	s.Input = raw.Input
	s.Retry = raw.Retry
	s.Action = nil

	if len(raw.Action) == 0 || string(raw.Action) == "null" {
		return nil
	}

	action, err := UnmarshalAction(raw.Action)
	if err != nil {
		return fmt.Errorf("step %q: %w", raw.Name, err)
	}

	s.Action = action

	return nil
}

// MarshalAction encodes an action as a JSON object tagged with "type".
func MarshalAction(action StepAction) (json.RawMessage, error) {
	if action == nil {
		return json.RawMessage("null"), nil
	}

	body, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]json.RawMessage)

	err = json.Unmarshal(body, &fields)
	if err != nil {
		return nil, err
	}

	kind, err := json.Marshal(action.Kind())
	if err != nil {
		return nil, err
	}

	fields["type"] = kind

	return json.Marshal(fields)
}

// UnmarshalAction decodes a "type"-tagged JSON object into its action variant.
func UnmarshalAction(data []byte) (StepAction, error) {
	var head struct {
		Type ActionKind `json:"type"`
	}

	err := json.Unmarshal(data, &head)
	if err != nil {
		return nil, err
	}

	switch head.Type {
	case ActionKindToolCall:
		var a ToolCallAction

		err := json.Unmarshal(data, &a)

		return a, err
	case ActionKindCode:
		var a CodeAction

		err := json.Unmarshal(data, &a)

		return a, err
	case ActionKindSleep:
		var a SleepAction

		err := json.Unmarshal(data, &a)

		return a, err
	case ActionKindWaitForSignal:
		var a WaitForSignalAction

		err := json.Unmarshal(data, &a)

		return a, err
	default:
		return nil, fmt.Errorf("unknown action type %q", head.Type)
	}
}
