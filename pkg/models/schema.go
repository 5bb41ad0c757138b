package models

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaError lists the violations of a JSON schema.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "schema validation failed: " + strings.Join(e.Violations, "; ")
}

// DefaultInputSchema requires a document reference and its metadata.
func DefaultInputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"document", "metadata"},
		"properties": map[string]any{
			"document": map[string]any{"type": "object"},
			"metadata": map[string]any{"type": "object"},
		},
	}
}

// ValidateSchema checks document against a JSON schema. A nil or empty
// schema accepts everything.
func ValidateSchema(schema map[string]any, document any) error {
	if len(schema) == 0 {
		return nil
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(document))
	if err != nil {
		return fmt.Errorf("failed to evaluate schema: %w", err)
	}

	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}

	return &SchemaError{Violations: violations}
}
