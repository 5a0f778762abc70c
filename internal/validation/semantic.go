package validation

import (
	"fmt"
	"reflect"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// validateSemantic performs semantic analysis on a workflow definition.
// Checks: unique step IDs and numbers, approver spec consistency with its
// type, condition shape (structured triple or expression), between arity.
func validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seenIDs := make(map[string]int, len(def.Steps))
	seenNumbers := make(map[int]int, len(def.Steps))

	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if prev, dup := seenIDs[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (also used by steps[%d])", step.ID, prev))
		} else {
			seenIDs[step.ID] = i
		}

		if prev, dup := seenNumbers[step.StepNumber]; dup {
			result.AddError(path+".step_number", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step_number %d (also used by steps[%d])", step.StepNumber, prev))
		} else {
			seenNumbers[step.StepNumber] = i
		}

		validateApprovers(&step.Config.Approvers, path+".config.approvers", result)

		for j := range step.Conditions {
			validateCondition(&step.Conditions[j], fmt.Sprintf("%s.conditions[%d]", path, j), result)
		}
		for j := range step.Config.AutoApprovalRules {
			validateRule(&step.Config.AutoApprovalRules[j],
				fmt.Sprintf("%s.config.auto_approval_rules[%d]", path, j), result)
		}

		if step.Config.SLAHours > 24*365 {
			result.AddWarning(path+".config.sla_hours", schema.ErrCodeValidation,
				fmt.Sprintf("sla of %d hours exceeds one year", step.Config.SLAHours))
		}
	}

	return result
}

// validateApprovers checks that the approver spec carries the fields its
// resolution type requires and none that would silently be ignored.
func validateApprovers(spec *schema.ApproverSpec, path string, result *schema.ValidationResult) {
	switch spec.Type {
	case schema.ApproverTypeRole:
		if len(spec.RoleIDs) == 0 {
			result.AddError(path+".role_ids", schema.ErrCodeValidation,
				"role approvers require at least one role_id")
		}
		if len(spec.UserIDs) > 0 {
			result.AddWarning(path+".user_ids", schema.ErrCodeValidation,
				"user_ids are ignored for role approvers")
		}
	case schema.ApproverTypeUser:
		if len(spec.UserIDs) == 0 {
			result.AddError(path+".user_ids", schema.ErrCodeValidation,
				"user approvers require at least one user_id")
		}
		if len(spec.RoleIDs) > 0 {
			result.AddWarning(path+".role_ids", schema.ErrCodeValidation,
				"role_ids are ignored for user approvers")
		}
	case schema.ApproverTypeDynamic:
		if spec.Path == "" {
			result.AddError(path+".path", schema.ErrCodeValidation,
				"dynamic approvers require a path")
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown approver type %q", spec.Type))
	}
}

// validateCondition checks that a condition carries either an expression or a
// complete structured triple.
func validateCondition(c *schema.Condition, path string, result *schema.ValidationResult) {
	if c.Expression != "" {
		return
	}
	if c.FieldPath == "" {
		result.AddError(path+".field_path", schema.ErrCodeValidation,
			"condition requires field_path or expression")
		return
	}
	if c.Operator == "" {
		result.AddError(path+".operator", schema.ErrCodeValidation,
			"structured condition requires an operator")
		return
	}
	checkBetweenArity(c.Operator, c.Value, path, result)
}

func validateRule(r *schema.AutoApprovalRule, path string, result *schema.ValidationResult) {
	if r.Expression != "" {
		return
	}
	if r.Field == "" {
		result.AddError(path+".field", schema.ErrCodeValidation,
			"auto-approval rule requires field or expression")
		return
	}
	if r.Operator == "" {
		result.AddError(path+".operator", schema.ErrCodeValidation,
			"structured rule requires an operator")
		return
	}
	checkBetweenArity(r.Operator, r.Value, path, result)
}

// checkBetweenArity enforces that between carries exactly two bounds.
func checkBetweenArity(op schema.Operator, value any, path string, result *schema.ValidationResult) {
	if op != schema.OpBetween {
		return
	}
	rv := reflect.ValueOf(value)
	if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || rv.Len() != 2 {
		result.AddError(path+".value", schema.ErrCodeValidation,
			"between requires a two-element value [low, high]")
	}
}
