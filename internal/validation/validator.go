package validation

import "github.com/ledgerkit/approvalflow/pkg/schema"

// Validator checks workflow definitions for correctness before registration.
// Uses JSON Schema Draft 2020-12 for structural validation plus a semantic
// pass for rules the schema cannot express.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// workflowValidator chains structural and semantic validation.
type workflowValidator struct {
	structural *JSONSchemaValidator
}

// NewValidator creates the default workflow definition validator.
func NewValidator() (Validator, error) {
	js, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &workflowValidator{structural: js}, nil
}

// ValidateDefinition runs the structural pass first, then the semantic pass.
// Semantic warnings do not fail validation; errors do.
func (v *workflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if err := v.structural.ValidateDefinition(def); err != nil {
		return err
	}
	result := validateSemantic(def)
	return result.ToError()
}
