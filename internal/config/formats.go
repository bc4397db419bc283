package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// toJSON re-encodes YAML and TOML as JSON so every format is decoded by the
// same strict decoder. Any other extension is treated as JSON already.
func toJSON(path string, data []byte) (out []byte, format string, err error) {
	var tree any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		format = "yaml"
		err = yaml.Unmarshal(data, &tree)
	case ".toml":
		format = "toml"
		m := map[string]any{}
		_, err = toml.Decode(string(data), &m)
		tree = m
	default:
		return data, "json", nil
	}
	if err != nil {
		return nil, format, fmt.Errorf("%s: %w", format, err)
	}
	if tree == nil {
		// empty document
		return []byte("{}"), format, nil
	}
	if out, err = json.Marshal(stringKeys(tree)); err != nil {
		return nil, format, fmt.Errorf("%s: re-encode: %w", format, err)
	}
	return out, format, nil
}

// stringKeys rewrites map[any]any (YAML with non-string keys) and TOML table
// arrays into JSON-marshalable shapes.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = stringKeys(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = stringKeys(x[i])
		}
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = stringKeys(x[i])
		}
		return out
	}
	return v
}
