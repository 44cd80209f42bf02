package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toStrictJSON returns config bytes as JSON. Files with a .yaml/.yml
// extension are decoded and re-marshaled; anything else passes through
// untouched. One strict decoder (DisallowUnknownFields) then covers both
// formats.
func toStrictJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(jsonSafe(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// jsonSafe rewrites YAML's map[any]any nodes into map[string]any so the
// tree can be JSON-marshaled.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = jsonSafe(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = jsonSafe(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = jsonSafe(x[i])
		}
		return x
	}
	return v
}
