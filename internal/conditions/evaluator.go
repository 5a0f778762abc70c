// Package conditions decides whether workflow steps apply to a subject entity.
//
// A step with no conditions always applies. Otherwise conditions are grouped
// by group_number: conditions within a group are AND-combined, groups are
// OR-combined. Evaluation is pure — no I/O, no side effects — and fails
// closed: unknown operators and broken expressions evaluate to false so a
// misconfigured rule blocks progress rather than silently approving.
package conditions

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/ledgerkit/approvalflow/internal/expressions"
	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// Evaluator evaluates step conditions and auto-approval rules against
// entities. Expression-typed rules are delegated to the expression registry.
type Evaluator struct {
	engines *expressions.Registry
}

// New creates an Evaluator backed by the given expression registry.
func New(engines *expressions.Registry) *Evaluator {
	return &Evaluator{engines: engines}
}

// StepApplies reports whether the step's conditions hold for the entity.
func (e *Evaluator) StepApplies(ctx context.Context, step *schema.StepDefinition, entity schema.FieldAccessible) bool {
	if len(step.Conditions) == 0 {
		return true
	}

	groups := make(map[int][]schema.Condition)
	for _, c := range step.Conditions {
		groups[c.GroupNumber] = append(groups[c.GroupNumber], c)
	}

	for _, group := range groups {
		satisfied := true
		for _, c := range group {
			if !e.evalCondition(ctx, c, entity) {
				satisfied = false
				break
			}
		}
		if satisfied {
			return true
		}
	}
	return false
}

// RulesPass reports whether every auto-approval rule holds for the entity.
// An empty rule set never passes — auto-approval must be opted into.
func (e *Evaluator) RulesPass(ctx context.Context, rules []schema.AutoApprovalRule, entity schema.FieldAccessible) bool {
	if len(rules) == 0 {
		return false
	}
	for _, r := range rules {
		c := schema.Condition{
			FieldPath:  r.Field,
			Operator:   r.Operator,
			Value:      r.Value,
			Expression: r.Expression,
			Engine:     r.Engine,
		}
		if !e.evalCondition(ctx, c, entity) {
			return false
		}
	}
	return true
}

func (e *Evaluator) evalCondition(ctx context.Context, c schema.Condition, entity schema.FieldAccessible) bool {
	if c.Expression != "" {
		return e.evalExpression(ctx, c, entity)
	}

	// Missing or nil path segments short-circuit to null.
	val, _ := entity.Field(c.FieldPath)
	return compare(val, c.Operator, c.Value)
}

func (e *Evaluator) evalExpression(ctx context.Context, c schema.Condition, entity schema.FieldAccessible) bool {
	engine, ok := e.engines.Get(c.Engine)
	if !ok {
		return false
	}
	mapper, ok := entity.(schema.FieldMapper)
	if !ok {
		return false
	}
	out, err := engine.Evaluate(ctx, c.Expression, map[string]any{
		"entity": mapper.FieldMap(),
	})
	if err != nil {
		return false
	}
	return truthy(out)
}

// compare applies a single operator with loose (coercing) semantics.
func compare(actual any, op schema.Operator, expected any) bool {
	switch op {
	case schema.OpEqual, schema.OpEqualAlias:
		return looseEq(actual, expected)
	case schema.OpNotEqual:
		return !looseEq(actual, expected)
	case schema.OpStrictEqual:
		return strictEq(actual, expected)
	case schema.OpStrictNotEqual:
		return !strictEq(actual, expected)
	case schema.OpGreater:
		c, ok := order(actual, expected)
		return ok && c > 0
	case schema.OpLess:
		c, ok := order(actual, expected)
		return ok && c < 0
	case schema.OpGreaterOrEqual:
		c, ok := order(actual, expected)
		return ok && c >= 0
	case schema.OpLessOrEqual:
		c, ok := order(actual, expected)
		return ok && c <= 0
	case schema.OpIn:
		return contains(toList(expected), actual)
	case schema.OpNotIn:
		return !contains(toList(expected), actual)
	case schema.OpBetween:
		bounds := toList(expected)
		if len(bounds) != 2 {
			return false
		}
		lo, okLo := order(actual, bounds[0])
		hi, okHi := order(actual, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0
	case schema.OpContains:
		if actual == nil || expected == nil {
			return false
		}
		return strings.Contains(toString(actual), toString(expected))
	default:
		// Fail closed on unknown operators.
		return false
	}
}

// looseEq is non-strict equality: numeric when both sides coerce to numbers,
// string comparison otherwise. nil only equals nil.
func looseEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

// strictEq requires matching dynamic types in addition to equal values.
func strictEq(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// order compares two values: numerically when both coerce to numbers, by
// string ordering otherwise. Returns ok=false when either side is nil.
func order(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(toString(a), toString(b)), true
}

func contains(list []any, v any) bool {
	for _, item := range list {
		if looseEq(v, item) {
			return true
		}
	}
	return false
}

// toList coerces a value to a list: slices pass through, scalars become a
// single-element list.
func toList(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				out[i] = rv.Index(i).Interface()
			}
			return out
		}
		return []any{v}
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// truthy interprets an expression result as a boolean: booleans pass through,
// numbers are true when non-zero, strings when non-empty. Everything else is
// false (fail closed).
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case nil:
		return false
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return false
	}
}
