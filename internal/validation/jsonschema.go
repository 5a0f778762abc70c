package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for approval workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://approvalflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "step_number", "config"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "step_number": {
          "type": "integer",
          "minimum": 1
        },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["approval"]
        },
        "config": { "$ref": "#/$defs/step_config" },
        "conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        }
      },
      "additionalProperties": false
    },
    "step_config": {
      "type": "object",
      "required": ["approvers"],
      "properties": {
        "approvers": { "$ref": "#/$defs/approvers" },
        "approval_type": {
          "type": "string",
          "enum": ["any_one", "majority", "all"]
        },
        "auto_approval_rules": {
          "type": "array",
          "items": { "$ref": "#/$defs/auto_approval_rule" }
        },
        "sla_hours": {
          "type": "integer",
          "minimum": 0
        },
        "allow_self_approval": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "approvers": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["role", "user", "dynamic"]
        },
        "role_ids": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "user_ids": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "path": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "field_path": { "type": "string" },
        "operator": {
          "type": "string",
          "enum": ["=", "!=", ">", "<", ">=", "<=", "in", "not_in", "between", "contains"]
        },
        "value": {},
        "group_number": {
          "type": "integer",
          "minimum": 0
        },
        "logical_operator": {
          "type": "string",
          "enum": ["and", "AND"]
        },
        "expression": { "type": "string" },
        "engine": {
          "type": "string",
          "enum": ["cel", "expr", "jq"]
        }
      },
      "additionalProperties": false
    },
    "auto_approval_rule": {
      "type": "object",
      "properties": {
        "field": { "type": "string" },
        "operator": {
          "type": "string",
          "enum": ["=", "==", "===", "!=", "!==", ">", "<", ">=", "<=", "in", "not_in", "between", "contains"]
        },
        "value": {},
        "expression": { "type": "string" },
        "engine": {
          "type": "string",
          "enum": ["cel", "expr", "jq"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation of workflow definitions
// using JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://approvalflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://approvalflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one message per leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
