// Package schema validates customization parameters against a style's
// JSON Schema (draft-07).
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const resourceURL = "customization.json"

// ErrInvalidSchema is returned when a customization schema does not compile.
var ErrInvalidSchema = errors.New("invalid customization schema")

// FieldError is one rejected parameter.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every way a parameter set violates its schema.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "parameters do not match customization schema: " + strings.Join(parts, "; ")
}

// Schema is a compiled customization schema.
type Schema struct {
	compiled *jsonschema.Schema
}

// Compile parses and compiles raw as a draft-07 JSON Schema.
func Compile(raw []byte) (*Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte(`{}`)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Schema{compiled: compiled}, nil
}

// Validate checks params against the schema. A nil params map is validated
// as an empty object.
func (s *Schema) Validate(params map[string]any) error {
	doc, err := normalize(params)
	if err != nil {
		return &ValidationError{Errors: []FieldError{{Field: "parameters", Message: err.Error()}}}
	}

	err = s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("validate parameters: %w", err)
	}

	var fields []FieldError
	collect(ve, &fields)
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &ValidationError{Errors: fields}
}

// normalize converts params into the plain JSON value types the validator
// understands.
func normalize(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// collect flattens the error tree into its leaves.
func collect(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, FieldError{Field: fieldName(ve.InstanceLocation), Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

// fieldName turns a JSON pointer such as /dimensions/width into
// dimensions.width.
func fieldName(pointer string) string {
	p := strings.Trim(pointer, "/")
	if p == "" {
		return "parameters"
	}
	return strings.ReplaceAll(p, "/", ".")
}
