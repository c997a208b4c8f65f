// Package models defines the core domain models for durable phased workflows
package models

import (
	"errors"
	"fmt"
	"time"
)

// WorkflowCollection groups related workflow definitions.
type WorkflowCollection struct {
	ID        string    `json:"id"         validate:"required"`
	Title     string    `json:"title"      validate:"required"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Workflow is an immutable template: an ordered list of phases, each phase a set
// of steps that run concurrently.
type Workflow struct {
	ID           string     `json:"id"                      validate:"required"`
	Title        string     `json:"title"                   validate:"required"`
	CollectionID string     `json:"collection_id,omitempty"`
	Phases       []Phase    `json:"phases"                  validate:"required,min=1,dive"`
	TimeoutMs    *int64     `json:"timeout_ms,omitempty"    validate:"omitempty,gt=0"`
	MaxRetries   int        `json:"max_retries,omitempty"   validate:"gte=0"`
	Schedules    []Schedule `json:"schedules,omitempty"     validate:"dive"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Phase is a set of steps intended to run concurrently. A later phase starts only
// once every step of the prior phase succeeded.
type Phase struct {
	Steps []Step `json:"steps" validate:"required,min=1,dive"`
}

// Schedule starts an execution of the owning workflow on a cron expression.
type Schedule struct {
	Cron  string `json:"cron"            validate:"required"`
	Input any    `json:"input,omitempty"`
}

// Validate checks structural invariants that struct tags cannot express.
func (w *Workflow) Validate() error {
	if len(w.Phases) == 0 {
		return errors.New("workflow must have at least one phase")
	}

	seen := make(map[string]struct{})

	for i, phase := range w.Phases {
		if len(phase.Steps) == 0 {
			return fmt.Errorf("phase %d has no steps", i)
		}

		for _, step := range phase.Steps {
			if _, ok := seen[step.Name]; ok {
				return fmt.Errorf("duplicate step name %q", step.Name)
			}

			seen[step.Name] = struct{}{}

			err := step.Validate()
			if err != nil {
				return fmt.Errorf("phase %d: %w", i, err)
			}
		}
	}

	return nil
}

// StepByName returns the step and the index of its phase.
func (w *Workflow) StepByName(name string) (Step, int, bool) {
	for i, phase := range w.Phases {
		for _, step := range phase.Steps {
			if step.Name == name {
				return step, i, true
			}
		}
	}

	return Step{}, -1, false
}
