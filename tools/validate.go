package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// InputValidator checks tool input before any side effect happens.
// Missing required fields and schema violations are reported together
// so the model can fix the call in one pass.
type InputValidator struct {
	required []string
	schema   *jsonschema.Schema
}

// NewInputValidator compiles the JSON schema once at tool build time.
// A nil schema means only the required-field list is enforced.
func NewInputValidator(required []string, inputSchema map[string]any) (*InputValidator, error) {
	v := &InputValidator{required: required}
	if len(inputSchema) == 0 {
		return v, nil
	}

	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, fmt.Errorf("unserializable input schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("input.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	schema, err := compiler.Compile("input.json")
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	v.schema = schema
	return v, nil
}

// Validate returns a model-readable description of everything wrong
// with the input, or "" when it passes.
func (v *InputValidator) Validate(input map[string]any) string {
	var missing []string
	for _, field := range v.required {
		val, ok := input[field]
		if !ok || val == nil || val == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", "))
	}

	if v.schema != nil {
		// The validator wants plain decoded JSON values; round-trip the
		// input so typed values (ints vs float64) compare cleanly.
		raw, err := json.Marshal(input)
		if err != nil {
			return fmt.Sprintf("unserializable input: %v", err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Sprintf("unserializable input: %v", err)
		}
		if err := v.schema.Validate(decoded); err != nil {
			return fmt.Sprintf("input does not match schema: %v", err)
		}
	}
	return ""
}
