// Package file provides file-based persistence for workflows and the execution
// ledger. All repositories of one Persistence share a lock, so conditional
// updates are atomic within a single process.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/waypoint/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	store          *store
	workflowRepo   *WorkflowRepository
	executionRepo  *ExecutionRepository
	stepResultRepo *StepResultRepository
	eventRepo      *EventRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	s := &store{root: strings.Replace(root, "file://", "", 1)}

	return &Persistence{
		store:          s,
		workflowRepo:   &WorkflowRepository{store: s},
		executionRepo:  &ExecutionRepository{store: s},
		stepResultRepo: &StepResultRepository{store: s},
		eventRepo:      &EventRepository{store: s},
	}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	_, err := os.Stat(fp.store.root)
	if err != nil {
		return fmt.Errorf("file persistence root unavailable: %w", err)
	}

	return nil
}

func (fp *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return fp.workflowRepo
}

func (fp *Persistence) ExecutionRepository() persistence.ExecutionRepository {
	return fp.executionRepo
}

func (fp *Persistence) StepResultRepository() persistence.StepResultRepository {
	return fp.stepResultRepo
}

func (fp *Persistence) EventRepository() persistence.EventRepository {
	return fp.eventRepo
}

// store owns the directory layout:
//
//	collections/<id>.json
//	workflows/<id>.json
//	executions/<id>.json
//	step_results/<execution id>.json   map of step name to result
//	events/<execution id>.json         events in append order
type store struct {
	mu   sync.Mutex
	root string
}

func validateID(id string) error {
	if id == "" {
		return errors.New("ID cannot be empty")
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return errors.New("ID contains invalid characters")
	}

	return nil
}

func (s *store) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+".json")
}

// read decodes dir/id.json into target and reports whether the file existed.
func (s *store) read(dir, id string, target any) (bool, error) {
	err := validateID(id)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(s.path(dir, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s/%s: %w", dir, id, err)
	}

	err = json.Unmarshal(data, target)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", dir, id, err)
	}

	return true, nil
}

// write replaces dir/id.json through a temporary file and rename.
func (s *store) write(dir, id string, value any) error {
	err := validateID(id)
	if err != nil {
		return err
	}

	directory := filepath.Join(s.root, dir)

	err = os.MkdirAll(directory, 0750)
	if err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, id, err)
	}

	tmp, err := os.CreateTemp(directory, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s/%s: %w", dir, id, err)
	}

	_, err = tmp.Write(data)
	closeErr := tmp.Close()

	if err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	err = os.Rename(tmp.Name(), s.path(dir, id))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace %s/%s: %w", dir, id, err)
	}

	return nil
}

// ids lists the ids stored in dir.
func (s *store) ids(dir string) ([]string, error) {
	matches, err := fs.Glob(os.DirFS(filepath.Join(s.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, strings.TrimSuffix(match, ".json"))
	}

	return ids, nil
}
