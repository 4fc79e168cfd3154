package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aide-sh/aide/pkg/schema"
)

// planResponseSchemaJSON is the JSON Schema for the planner's LLM response.
// Embedded as a constant to avoid filesystem dependencies.
const planResponseSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://aide.sh/schemas/plan_response.json",
  "type": "object",
  "required": ["intent", "entities", "confidence", "plan"],
  "properties": {
    "intent": { "type": "string", "minLength": 1 },
    "entities": {
      "type": "array",
      "items": { "type": "string" }
    },
    "confidence": { "type": "number", "minimum": 0, "maximum": 1 },
    "description": { "type": "string" },
    "plan": {
      "type": "array",
      "minItems": 1,
      "maxItems": 10,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["step_id", "description", "tool_call"],
      "properties": {
        "step_id": { "type": "string", "minLength": 1 },
        "description": { "type": "string", "minLength": 1 },
        "tool_call": {
          "type": "object",
          "required": ["name"],
          "properties": {
            "name": { "type": "string", "minLength": 1 },
            "parameters": { "type": "object" }
          },
          "additionalProperties": false
        },
        "capture": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "max_retries": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// modificationSchemaJSON is the JSON Schema for a plan modification produced
// by re-evaluation.
const modificationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://aide.sh/schemas/plan_modification.json",
  "type": "object",
  "required": ["type", "reasoning"],
  "properties": {
    "type": {
      "type": "string",
      "enum": ["add_step", "remove_step", "modify_step", "reorder_steps", "skip_step"]
    },
    "reasoning": { "type": "string", "minLength": 1 },
    "changes": {
      "type": "object",
      "properties": {
        "new_steps": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["description", "tool_call"],
            "properties": {
              "step_id": { "type": "string", "minLength": 1 },
              "description": { "type": "string", "minLength": 1 },
              "tool_call": {
                "type": "object",
                "required": ["name"],
                "properties": {
                  "name": { "type": "string", "minLength": 1 },
                  "parameters": { "type": "object" }
                },
                "additionalProperties": false
              },
              "capture": {
                "type": "object",
                "additionalProperties": { "type": "string" }
              }
            },
            "additionalProperties": false
          }
        },
        "step_numbers": {
          "type": "array",
          "items": { "type": "integer", "minimum": 1 }
        },
        "new_order": {
          "type": "array",
          "items": { "type": "integer", "minimum": 1 }
        },
        "step_number": { "type": "integer", "minimum": 1 },
        "description": { "type": "string" },
        "parameters": { "type": "object" }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

// recoverySchemaJSON is the JSON Schema for a recovery decision after a
// step failure. retry_delay_seconds is mapped to a duration by the caller.
const recoverySchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://aide.sh/schemas/recovery_action.json",
  "type": "object",
  "required": ["action", "reasoning"],
  "properties": {
    "action": {
      "type": "string",
      "enum": ["retry", "skip", "modify", "abort"]
    },
    "reasoning": { "type": "string", "minLength": 1 },
    "modifications": {
      "type": "object",
      "properties": {
        "description": { "type": "string" },
        "parameters": { "type": "object" }
      },
      "additionalProperties": false
    },
    "retry_delay_seconds": { "type": "number", "minimum": 0 }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema         *jsonschema.Schema
	modificationSchema *jsonschema.Schema
	recoverySchema     *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with all LLM
// payload schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	compile := func(url, schemaJSON string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
		return c.Compile(url)
	}

	plan, err := compile("https://aide.sh/schemas/plan_response.json", planResponseSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	mod, err := compile("https://aide.sh/schemas/plan_modification.json", modificationSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile modification schema: %w", err)
	}
	rec, err := compile("https://aide.sh/schemas/recovery_action.json", recoverySchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile recovery schema: %w", err)
	}

	return &JSONSchemaValidator{
		planSchema:         plan,
		modificationSchema: mod,
		recoverySchema:     rec,
		cache:              make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePlanResponse validates a raw LLM planning response.
func (v *JSONSchemaValidator) ValidatePlanResponse(raw []byte) error {
	return v.validateRaw(v.planSchema, raw, "plan response")
}

// ValidateModification validates a raw plan modification payload.
func (v *JSONSchemaValidator) ValidateModification(raw []byte) error {
	return v.validateRaw(v.modificationSchema, raw, "plan modification")
}

// ValidateRecovery validates a raw recovery decision payload.
func (v *JSONSchemaValidator) ValidateRecovery(raw []byte) error {
	return v.validateRaw(v.recoverySchema, raw, "recovery action")
}

func (v *JSONSchemaValidator) validateRaw(compiled *jsonschema.Schema, raw []byte, kind string) error {
	if len(raw) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is empty", kind)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is not valid JSON", kind).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toAideError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toAideError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("aide://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
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

// toAideError converts a jsonschema.ValidationError into an AideError with
// clear, actionable messages suitable for feeding back to the model.
func toAideError(err error) *schema.AideError {
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

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
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
