package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stateflow/pkg/schema"
)

const workflowSchemaURL = "https://stateflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the structural contract for workflow definitions.
// It enforces field shapes and the closed state-type set; cross-state
// consistency (target resolution, transition rules) lives in semantic.go.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stateflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["start_at", "states"],
  "properties": {
    "comment": {"type": "string"},
    "start_at": {"type": "string", "minLength": 1},
    "states": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"$ref": "#/$defs/state"}
    }
  },
  "additionalProperties": false,
  "$defs": {
    "state": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["task", "pass", "wait", "choice", "parallel", "map", "succeed", "fail"]},
        "comment": {"type": "string"},
        "next": {"type": "string", "minLength": 1},
        "end": {"type": "boolean"},
        "resource": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"},
        "input_path": {"type": "string"},
        "result_path": {"type": "string"},
        "output_path": {"type": "string"},
        "result_expr": {"type": "string"},
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "retry": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/retry_policy"}},
        "catch": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/catch_policy"}},
        "result": {},
        "seconds": {"type": "integer", "minimum": 0},
        "seconds_expr": {"type": "string", "minLength": 1},
        "timestamp": {"type": "string", "minLength": 1},
        "choices": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/choice_rule"}},
        "default": {"type": "string", "minLength": 1},
        "branches": {"type": "array", "minItems": 1, "items": {"$ref": "#"}},
        "items_path": {"type": "string", "minLength": 1},
        "iterator": {"$ref": "#"},
        "error": {"type": "string"},
        "cause": {"type": "string"}
      },
      "additionalProperties": false
    },
    "retry_policy": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "error_equals": {"type": "array", "items": {"type": "string"}},
        "max_attempts": {"type": "integer", "minimum": 1},
        "backoff": {"enum": ["none", "constant", "linear", "exponential"]},
        "delay": {"$ref": "#/$defs/duration"},
        "max_delay": {"$ref": "#/$defs/duration"}
      },
      "additionalProperties": false
    },
    "catch_policy": {
      "type": "object",
      "required": ["next"],
      "properties": {
        "error_equals": {"type": "array", "items": {"type": "string"}},
        "result_path": {"type": "string"},
        "next": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "choice_rule": {
      "type": "object",
      "properties": {
        "variable": {"type": "string"},
        "equals": {},
        "not_equals": {},
        "greater_than": {"type": "number"},
        "greater_than_equals": {"type": "number"},
        "less_than": {"type": "number"},
        "less_than_equals": {"type": "number"},
        "string_equals": {"type": "string"},
        "string_not_equals": {"type": "string"},
        "is_in": {"type": "array"},
        "is_not_in": {"type": "array"},
        "is_null": {"type": "boolean"},
        "is_boolean": {"type": "boolean"},
        "is_string": {"type": "boolean"},
        "is_numeric": {"type": "boolean"},
        "and": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/choice_rule"}},
        "or": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/choice_rule"}},
        "not": {"$ref": "#/$defs/choice_rule"},
        "condition": {"type": "string", "minLength": 1},
        "next": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))+$"
    }
  }
}`

// JSONSchemaValidator checks raw definition documents against the embedded
// workflow schema before any typed decoding happens.
type JSONSchemaValidator struct {
	compiled *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSchema, "failed to parse workflow schema").WithCause(err)
	}
	if err := compiler.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeSchema, "failed to register workflow schema").WithCause(err)
	}
	compiled, err := compiler.Compile(workflowSchemaURL)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeSchema, "failed to compile workflow schema").WithCause(err)
	}

	return &JSONSchemaValidator{compiled: compiled}, nil
}

// ValidateDocument checks a decoded definition document and returns every
// structural violation as an error issue.
func (v *JSONSchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	normalized, err := toJSONValue(doc)
	if err != nil {
		result.AddError("$", "malformed_document", err.Error())
		return result
	}

	if err := v.compiled.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			collectViolations(ve, result)
		} else {
			result.AddError("$", "schema_violation", err.Error())
		}
	}
	return result
}

// collectViolations walks the cause tree and records leaf violations, which
// carry the most specific instance locations.
func collectViolations(ve *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(ve.Causes) == 0 {
		result.AddError(instancePath(ve.InstanceLocation), "schema_violation", ve.Error())
		return
	}
	for _, cause := range ve.Causes {
		collectViolations(cause, result)
	}
}

func instancePath(location []string) string {
	if len(location) == 0 {
		return "$"
	}
	return "$." + strings.Join(location, ".")
}

// toJSONValue round-trips a value through encoding/json so that numbers,
// maps and slices match what the schema library expects. YAML decoding in
// particular produces int values and interface-keyed maps.
func toJSONValue(doc any) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON-serializable: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("document round-trip failed: %w", err)
	}
	return out, nil
}
