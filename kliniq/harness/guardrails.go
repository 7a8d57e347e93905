package harness

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// JSONValidator validates tool arguments against JSON schemas. Compiled
// schemas are cached by their source text.
type JSONValidator struct {
	mu      sync.RWMutex
	schemas map[string]*gojsonschema.Schema
}

// NewJSONValidator creates a new JSON validator.
func NewJSONValidator() *JSONValidator {
	return &JSONValidator{schemas: make(map[string]*gojsonschema.Schema)}
}

// Validate checks if JSON data conforms to a schema. An empty schema accepts anything valid.
func (v *JSONValidator) Validate(data json.RawMessage, schema []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.compile(schema)
	if err != nil {
		return err
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var errors []string
		for _, err := range result.Errors() {
			errors = append(errors, err.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (v *JSONValidator) compile(schema []byte) (*gojsonschema.Schema, error) {
	key := string(schema)

	v.mu.RLock()
	s, ok := v.schemas[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid tool schema: %w", err)
	}

	v.mu.Lock()
	v.schemas[key] = s
	v.mu.Unlock()
	return s, nil
}
