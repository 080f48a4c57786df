package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidPayload is returned when a payload fails schema validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Schema validates JSON payloads before they are published.
type Schema struct {
	schema *jsonschema.Schema
}

// LoadSchema compiles the JSON Schema in path.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return CompileSchema(data)
}

// CompileSchema compiles a JSON Schema document. Draft 2020-12 is assumed
// unless the document names another in $schema.
func CompileSchema(data []byte) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("schema.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Validate checks payload against the schema.
func (s *Schema) Validate(payload []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: not JSON: %v", ErrInvalidPayload, err)
	}
	if err := s.schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, ve.Error())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
