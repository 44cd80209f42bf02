package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"autoflow/internal/workflow"
)

// loadTemplates reads the workflow template catalog file (JSON or YAML list
// of templates) and validates each entry before it becomes activatable.
func loadTemplates(path string) ([]workflow.Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var v any
		if err := yaml.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("templates yaml: %w", err)
		}
		b, err = json.Marshal(normalizeYAML(v))
		if err != nil {
			return nil, fmt.Errorf("templates yaml->json: %w", err)
		}
	}

	var list []workflow.Template
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&list); err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("templates: trailing data")
	}

	seen := map[string]bool{}
	for i, t := range list {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("templates[%d]: id is required", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("templates[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if t.DefaultSchedule.Kind != "" {
			if err := t.DefaultSchedule.Validate(); err != nil {
				return nil, fmt.Errorf("templates[%d] %s: default_schedule: %w", i, t.ID, err)
			}
		}
	}
	return list, nil
}

// normalizeYAML rewrites YAML's map[any]any nodes into map[string]any so
// the catalog tree can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	}
	return in
}
