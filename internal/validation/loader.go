package validation

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stateflow/pkg/schema"
)

// DecodeDocument parses a raw definition in either YAML or JSON into a
// JSON-compatible document tree. YAML is a superset of JSON, so a single
// decode path handles both formats.
func DecodeDocument(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeSchema, "definition document is empty")
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeSchema, "definition is not valid YAML or JSON").WithCause(err)
	}

	normalized, err := toJSONValue(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSchema, err.Error()).WithCause(err)
	}
	return normalized, nil
}

// EncodeDocument serializes a decoded document tree back to canonical JSON
// for typed parsing and storage.
func EncodeDocument(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSchema, "definition document is not serializable").WithCause(err)
	}
	return raw, nil
}
