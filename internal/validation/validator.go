// Package validation checks workflow definitions in two stages: a JSON
// Schema pass over the raw document, then a semantic pass over the parsed
// model for target resolution, transition rules and reachability.
package validation

import (
	"github.com/rendis/stateflow/pkg/schema"
)

// Validator runs the full definition validation pipeline.
type Validator struct {
	structural *JSONSchemaValidator
	semantic   *SemanticValidator
}

// New creates a validator with the embedded workflow schema compiled.
func New() (*Validator, error) {
	structural, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{
		structural: structural,
		semantic:   NewSemanticValidator(),
	}, nil
}

// ValidateDefinition decodes a raw YAML or JSON definition, validates it
// structurally and semantically, and returns the parsed model when no errors
// were found. The returned definition is nil whenever the result is invalid.
func (v *Validator) ValidateDefinition(raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	doc, err := DecodeDocument(raw)
	if err != nil {
		result.AddError("$", "malformed_document", err.Error())
		return nil, result
	}

	result.Merge(v.structural.ValidateDocument(doc))
	if !result.Valid() {
		return nil, result
	}

	canonical, err := EncodeDocument(doc)
	if err != nil {
		result.AddError("$", "malformed_document", err.Error())
		return nil, result
	}
	def, err := schema.ParseDefinition(canonical)
	if err != nil {
		result.AddError("$", "malformed_document", err.Error())
		return nil, result
	}

	result.Merge(v.semantic.Validate(def))
	if !result.Valid() {
		return nil, result
	}
	return def, result
}

// ValidateParsed validates an already-parsed definition, for definitions
// loaded back from storage.
func (v *Validator) ValidateParsed(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return v.semantic.Validate(def)
}
