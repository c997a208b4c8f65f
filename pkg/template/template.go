// Package template renders step inputs against the execution's trigger input
// and the outputs of completed steps.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
)

// Data is the root object templates are executed against.
type Data struct {
	Input     any            `json:"input"`
	Steps     map[string]any `json:"steps"`
	Execution map[string]any `json:"execution"`
}

func (d Data) asMap() map[string]any {
	return map[string]any{
		"input":     d.Input,
		"steps":     d.Steps,
		"execution": d.Execution,
	}
}

var funcs = template.FuncMap{
	"json": func(value any) (string, error) {
		data, err := json.Marshal(value)

		return string(data), err
	},
}

// Resolve walks value and renders every string holding a template action.
// Maps and slices are rebuilt; other values are returned unchanged.
func Resolve(value any, data Data) (any, error) {
	root := data.asMap()

	return resolve(value, root)
}

func resolve(value any, root map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}

		return Render(v, root)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := resolve(item, root)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			out[key] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := resolve(item, root)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}

// Render executes templateStr and decodes the result when it is JSON, a
// number or a boolean.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.New("input").Funcs(funcs).Option("missingkey=zero").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}
