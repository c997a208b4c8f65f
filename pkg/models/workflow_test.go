package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestWorkflow_Validate(t *testing.T) {
	code := Step{Name: "a", Action: CodeAction{Code: "x => x"}}

	tests := []struct {
		name    string
		phases  []Phase
		wantErr string
	}{
		{name: "valid", phases: []Phase{{Steps: []Step{code}}}},
		{name: "no phases", wantErr: "at least one phase"},
		{name: "empty phase", phases: []Phase{{Steps: []Step{code}}, {}}, wantErr: "phase 1 has no steps"},
		{
			name:    "duplicate names across phases",
			phases:  []Phase{{Steps: []Step{code}}, {Steps: []Step{code}}},
			wantErr: `duplicate step name "a"`,
		},
		{
			name:    "missing action",
			phases:  []Phase{{Steps: []Step{{Name: "b"}}}},
			wantErr: "has no action",
		},
		{
			name:    "sleep needs exactly one bound",
			phases:  []Phase{{Steps: []Step{{Name: "nap", Action: SleepAction{SleepMs: ptr(1), SleepUntil: ptr(2)}}}}},
			wantErr: "exactly one of sleep_ms or sleep_until",
		},
		{
			name:    "signal timeout must be positive",
			phases:  []Phase{{Steps: []Step{{Name: "wait", Action: WaitForSignalAction{SignalName: "go", TimeoutMs: ptr(0)}}}}},
			wantErr: "timeout_ms must be positive",
		},
		{
			name:    "unknown timeout policy",
			phases:  []Phase{{Steps: []Step{{Name: "wait", Action: WaitForSignalAction{SignalName: "go", OnTimeout: "ignore"}}}}},
			wantErr: "unknown on_timeout policy",
		},
		{
			name:    "tool call needs a connection",
			phases:  []Phase{{Steps: []Step{{Name: "t", Action: ToolCallAction{ToolName: "charge"}}}}},
			wantErr: "connection_id and tool_name",
		},
		{
			name:    "retry needs one attempt",
			phases:  []Phase{{Steps: []Step{{Name: "r", Action: CodeAction{Code: "1"}, Retry: &RetryPolicy{MaxAttempts: 0}}}}},
			wantErr: "max_attempts >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workflow := &Workflow{ID: "wf", Title: "wf", Phases: tt.phases}

			err := workflow.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWorkflow_StepByName(t *testing.T) {
	workflow := &Workflow{Phases: []Phase{
		{Steps: []Step{{Name: "a", Action: CodeAction{Code: "1"}}}},
		{Steps: []Step{{Name: "b", Action: CodeAction{Code: "2"}}, {Name: "c", Action: CodeAction{Code: "3"}}}},
	}}

	step, phase, ok := workflow.StepByName("c")
	require.True(t, ok)
	assert.Equal(t, 1, phase)
	assert.Equal(t, CodeAction{Code: "3"}, step.Action)

	_, phase, ok = workflow.StepByName("missing")
	assert.False(t, ok)
	assert.Equal(t, -1, phase)
}

func TestStep_JSONCarriesActionType(t *testing.T) {
	data := []byte(`{
		"name": "approval",
		"action": {"type": "wait_for_signal", "signal_name": "approved", "timeout_ms": 5000, "on_timeout": "resolve_null"},
		"retry": {"max_attempts": 3, "backoff_ms": 100}
	}`)

	var step Step
	require.NoError(t, json.Unmarshal(data, &step))

	assert.Equal(t, WaitForSignalAction{SignalName: "approved", TimeoutMs: ptr(5000), OnTimeout: SignalTimeoutResolveNull}, step.Action)
	assert.Equal(t, 3, step.MaxAttempts())

	encoded, err := json.Marshal(step)
	require.NoError(t, err)

	var fields struct {
		Name   string         `json:"name"`
		Action map[string]any `json:"action"`
	}
	require.NoError(t, json.Unmarshal(encoded, &fields))
	assert.Equal(t, "approval", fields.Name)
	assert.Equal(t, "wait_for_signal", fields.Action["type"])
	assert.Equal(t, "approved", fields.Action["signal_name"])

	err = json.Unmarshal([]byte(`{"name": "x", "action": {"type": "teleport"}}`), &step)
	assert.ErrorContains(t, err, `unknown action type "teleport"`)
}

func TestStep_MaxAttemptsDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, Step{}.MaxAttempts())
	assert.Equal(t, 1, Step{Retry: &RetryPolicy{MaxAttempts: 0}}.MaxAttempts())
}
