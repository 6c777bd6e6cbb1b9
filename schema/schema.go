// Package schema wires JSON-Schema-backed structural validation into the
// one seam the routing core leaves external: checking that a manifest a
// plugin presents during handshake is well-formed before the host trusts
// it. It is intentionally thin — no media-spec resolution, no argument
// binding, just "does this document satisfy this schema".
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError reports one failed schema validation, with the individual
// schema violations gojsonschema produced.
type ValidationError struct {
	Context string
	Issues  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed (%s):\n%s", e.Context, strings.Join(e.Issues, "\n"))
}

// Validator checks an arbitrary JSON document against a JSON schema.
type Validator interface {
	Validate(context string, schema []byte, document []byte) error
}

// JSONSchemaValidator is a Validator backed by Draft-7 JSON Schema
// validation.
type JSONSchemaValidator struct{}

// NewValidator returns the default schema-backed Validator.
func NewValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{}
}

// Validate checks document against schema, both already-marshaled JSON.
func (v *JSONSchemaValidator) Validate(context string, schema []byte, document []byte) error {
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("compiling schema for %s: %w", context, err)
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		issues = append(issues, "  - "+e.String())
	}
	return &ValidationError{Context: context, Issues: issues}
}

// ValidateManifest is a convenience wrapper for the host's one call site: it
// marshals manifestValue to JSON and validates it against schema.
func ValidateManifest(v Validator, schema []byte, manifestValue interface{}) error {
	doc, err := json.Marshal(manifestValue)
	if err != nil {
		return fmt.Errorf("marshaling manifest for validation: %w", err)
	}
	return v.Validate("manifest", schema, doc)
}
