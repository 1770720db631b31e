package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/stratumhq/stratum/pkg/models"
)

// Compiled schemas are cached by source text; function schemas repeat across
// invocations.
var schemaCache sync.Map

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("function.schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateInput coerces the payload toward the schema's declared types and
// validates the result. Agents and webhooks routinely send numbers and
// booleans as strings; coercion happens before validation so those calls
// succeed. Returns the coerced payload.
func validateInput(schema json.RawMessage, input json.RawMessage) (json.RawMessage, error) {
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "invalid input schema")
	}

	coerced, err := coerceToSchema(schema, input)
	if err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "input is not a JSON object")
	}

	var decoded any
	if err := json.Unmarshal(coerced, &decoded); err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "input is not valid JSON")
	}
	if err := compiled.Validate(decoded); err != nil {
		return nil, models.WrapError(models.ErrKindValidation, err, "input failed schema validation")
	}
	return coerced, nil
}

// validateOutput validates a function result without coercion: results come
// from the sandbox runtime, which is expected to produce typed values.
func validateOutput(schema json.RawMessage, output json.RawMessage) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return models.WrapError(models.ErrKindValidation, err, "invalid output schema")
	}
	var decoded any
	if err := json.Unmarshal(output, &decoded); err != nil {
		return models.WrapError(models.ErrKindValidation, err, "output is not valid JSON")
	}
	if err := compiled.Validate(decoded); err != nil {
		return models.WrapError(models.ErrKindValidation, err, "output failed schema validation")
	}
	return nil
}

// schemaShape is the subset of a JSON schema needed for coercion.
type schemaShape struct {
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
}

// coerceToSchema converts string-encoded scalars to the type the schema
// declares for top-level properties. Unknown properties and already-typed
// values pass through untouched.
func coerceToSchema(schema json.RawMessage, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	var shape schemaShape
	if err := json.Unmarshal(schema, &shape); err != nil || len(shape.Properties) == 0 {
		return input, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil, err
	}

	changed := false
	for name, prop := range shape.Properties {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue // not a string, leave as-is
		}
		switch prop.Type {
		case "number":
			if _, err := strconv.ParseFloat(s, 64); err == nil {
				fields[name] = json.RawMessage(s)
				changed = true
			}
		case "integer":
			if _, err := strconv.ParseInt(s, 10, 64); err == nil {
				fields[name] = json.RawMessage(s)
				changed = true
			}
		case "boolean":
			if s == "true" || s == "false" {
				fields[name] = json.RawMessage(s)
				changed = true
			}
		}
	}
	if !changed {
		return input, nil
	}
	return json.Marshal(fields)
}
