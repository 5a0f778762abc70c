package engine

import (
	"fmt"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// Assignment is one resolved approver slot: either a user or a role.
type Assignment struct {
	UserID string
	RoleID string
}

// ResolveApprovers resolves a step's approver spec against the subject
// entity. A zero-length result is not an error; the caller decides whether
// the step passes through.
func ResolveApprovers(spec schema.ApproverSpec, entity schema.FieldAccessible) ([]Assignment, error) {
	switch spec.Type {
	case schema.ApproverTypeRole:
		out := make([]Assignment, 0, len(spec.RoleIDs))
		for _, roleID := range spec.RoleIDs {
			if roleID == "" {
				continue
			}
			out = append(out, Assignment{RoleID: roleID})
		}
		return out, nil

	case schema.ApproverTypeUser:
		out := make([]Assignment, 0, len(spec.UserIDs))
		for _, userID := range spec.UserIDs {
			if userID == "" {
				continue
			}
			out = append(out, Assignment{UserID: userID})
		}
		return out, nil

	case schema.ApproverTypeDynamic:
		if entity == nil {
			return nil, nil
		}
		v, ok := entity.Field(spec.Path)
		if !ok || v == nil {
			// Missing path resolves to zero approvers, not an error.
			return nil, nil
		}
		userID := toUserID(v)
		if userID == "" {
			return nil, nil
		}
		return []Assignment{{UserID: userID}}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown approver type %q", spec.Type)
	}
}

// toUserID normalizes a dynamically resolved value to a user ID string.
func toUserID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		// JSON-decoded numeric IDs arrive as float64.
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return ""
	}
}
