package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/waypoint/pkg/models"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/workflow.schema.json
var workflowSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(workflowSchema)

// Decode parses a YAML or JSON workflow definition and checks it against the
// workflow JSON schema before decoding it into a Workflow.
func Decode(data []byte) (*models.Workflow, error) {
	var document any

	err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&document)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(problems, "; "))
	}

	normalized, err := json.Marshal(document)
	if err != nil {
		return nil, err
	}

	var workflow models.Workflow

	err = json.Unmarshal(normalized, &workflow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	return &workflow, nil
}

// LoadFile decodes the workflow definition stored at path.
func LoadFile(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	workflow, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return workflow, nil
}

// LoadDir decodes every .yaml, .yml and .json file directly under dir, in name
// order.
func LoadDir(dir string) ([]*models.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		workflow, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}
