package file

import (
	"context"
	"sort"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/dukex/waypoint/pkg/persistence"
)

const stepResultsDir = "step_results"

// StepResultRepository keeps one file per execution holding every step's latest result.
type StepResultRepository struct {
	store *store
}

func (sr *StepResultRepository) load(executionID string) (map[string]*models.ExecutionStepResult, error) {
	results := make(map[string]*models.ExecutionStepResult)

	_, err := sr.store.read(stepResultsDir, executionID, &results)
	if err != nil {
		return nil, err
	}

	return results, nil
}

// Upsert overwrites the row of (execution_id, step_id).
func (sr *StepResultRepository) Upsert(_ context.Context, result *models.ExecutionStepResult) error {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	results, err := sr.load(result.ExecutionID)
	if err != nil {
		return persistence.NewStepResultError("Upsert", result.ExecutionID, result.StepID, err)
	}

	results[result.StepID] = result

	err = sr.store.write(stepResultsDir, result.ExecutionID, results)
	if err != nil {
		return persistence.NewStepResultError("Upsert", result.ExecutionID, result.StepID, err)
	}

	return nil
}

func (sr *StepResultRepository) Get(_ context.Context, executionID, stepID string) (*models.ExecutionStepResult, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	results, err := sr.load(executionID)
	if err != nil {
		return nil, persistence.NewStepResultError("Get", executionID, stepID, err)
	}

	result, ok := results[stepID]
	if !ok {
		return nil, persistence.NewStepResultError("Get", executionID, stepID, persistence.ErrStepResultNotFound)
	}

	return result, nil
}

// ListByExecution returns the results ordered by start time then step id.
func (sr *StepResultRepository) ListByExecution(_ context.Context, executionID string) ([]*models.ExecutionStepResult, error) {
	sr.store.mu.Lock()
	defer sr.store.mu.Unlock()

	results, err := sr.load(executionID)
	if err != nil {
		return nil, persistence.NewExecutionError("ListByExecution", executionID, err)
	}

	list := make([]*models.ExecutionStepResult, 0, len(results))
	for _, result := range results {
		list = append(list, result)
	}

	sort.Slice(list, func(i, j int) bool {
		a, b := startedAt(list[i]), startedAt(list[j])
		if a == b {
			return list[i].StepID < list[j].StepID
		}

		return a < b
	})

	return list, nil
}

func startedAt(result *models.ExecutionStepResult) int64 {
	if result.StartedAtEpochMs == nil {
		return 0
	}

	return *result.StartedAtEpochMs
}
