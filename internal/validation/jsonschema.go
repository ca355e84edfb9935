package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/corvid-labs/weft/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for GraphDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weft.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "settings": {
      "type": "object",
      "properties": {
        "timeout_seconds": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["trigger", "skill", "command", "agent", "script", "conditional", "transform"]
        },
        "label": { "type": "string" },
        "config": { "type": "object" },
        "on_error": {
          "type": "string",
          "enum": ["stop", "continue", "continue_with_error"]
        },
        "retry_max": { "type": "integer", "minimum": 0 },
        "retry_backoff_seconds": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["source", "target"],
      "properties": {
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates graph definitions against JSON Schema Draft
// 2020-12. It is safe for concurrent use: the compiled schema is immutable.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the graph schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://weft.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	gs, err := c.Compile("https://weft.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &JSONSchemaValidator{graphSchema: gs}, nil
}

// ValidateDefinition validates a GraphDefinition against the graph JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph definition").WithCause(err)
	}

	if err := v.graphSchema.Validate(doc); err != nil {
		return toWeftError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toWeftError converts a jsonschema.ValidationError into a WeftError with
// clear, actionable messages.
func toWeftError(err error) *schema.WeftError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("graph validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
