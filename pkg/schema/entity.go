package schema

import (
	"context"
	"strconv"
	"strings"
)

// EntityRef is a polymorphic reference to a business document: a kind (the
// entity type, e.g. "purchase_order") plus its ID.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// FieldAccessible exposes dot-addressable fields for condition and rule
// evaluation. Implementations resolve a full dot-path (e.g.
// "created_by.department.manager_id") to a value; missing paths return
// ok=false and evaluate as null.
type FieldAccessible interface {
	Field(path string) (any, bool)
}

// FieldMapper optionally exposes the entity as a plain map for
// expression-typed conditions. Entities that do not implement it cannot be
// used with expression rules (those rules then fail closed).
type FieldMapper interface {
	FieldMap() map[string]any
}

// ApprovalObserver is implemented by entities that want to be notified when
// their workflow instance completes approval.
type ApprovalObserver interface {
	OnWorkflowApproved(ctx context.Context) error
}

// RejectionObserver is implemented by entities that want to be notified when
// their workflow instance is rejected.
type RejectionObserver interface {
	OnWorkflowRejected(ctx context.Context, reason string) error
}

// MapEntity is a map-backed entity, the ready-made FieldAccessible
// implementation for document services that already hold their data as JSON.
type MapEntity struct {
	Kind string
	ID   string
	Data map[string]any
}

// Ref returns the entity's polymorphic reference.
func (m *MapEntity) Ref() EntityRef {
	return EntityRef{Kind: m.Kind, ID: m.ID}
}

// Field resolves a dot-path against the underlying map.
func (m *MapEntity) Field(path string) (any, bool) {
	return LookupPath(m.Data, path)
}

// FieldMap returns the raw field map for expression evaluation.
func (m *MapEntity) FieldMap() map[string]any {
	return m.Data
}

// LookupPath walks dot-separated segments against a value. Each segment is
// resolved as a map key, falling back to a numeric slice index. Any nil or
// missing segment short-circuits to (nil, false).
func LookupPath(v any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := v
	for _, seg := range strings.Split(path, ".") {
		if current == nil {
			return nil, false
		}
		switch c := current.(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			return nil, false
		}
	}
	return current, current != nil
}
