package httpapi

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// chatCompletionSchema is the JSON Schema for POST /v1/chat/completions
// bodies, per §4.11: model and at least one well-formed message are
// required.
var chatCompletionSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"model", "messages"},
	"properties": map[string]interface{}{
		"model": map[string]interface{}{"type": "string", "minLength": 1},
		"messages": map[string]interface{}{
			"type":     "array",
			"minItems": 1,
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"role", "content"},
				"properties": map[string]interface{}{
					"role":    map[string]interface{}{"type": "string", "minLength": 1},
					"content": map[string]interface{}{"type": "string", "minLength": 1},
				},
			},
		},
		"temperature": map[string]interface{}{"type": "number"},
		"ttl_seconds": map[string]interface{}{"type": "integer", "minimum": 0},
	},
}

// validateAgainstSchema validates a raw JSON request body against schema,
// returning a single human-readable error describing every violation.
func validateAgainstSchema(body []byte, schema map[string]interface{}) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(body)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
