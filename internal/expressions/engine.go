package expressions

import "context"

// Engine evaluates expression-typed conditions and auto-approval rules.
// Three implementations: CEL (default), Expr, and GoJQ.
//
// The data map exposes three top-level variables:
//   - entity:   the subject document's field map
//   - workflow: workflow metadata (module, entity type, version)
//   - instance: instance metadata (id, status, initiator)
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the available engines keyed by name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry with all three engines registered.
func NewRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: make(map[string]Engine)}
	for _, e := range []Engine{cel, NewExprEngine(), NewGoJQEngine()} {
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Get returns the engine with the given name, defaulting to CEL when name is
// empty. Unknown names return (nil, false) so callers can fail closed.
func (r *Registry) Get(name string) (Engine, bool) {
	if name == "" {
		name = "cel"
	}
	e, ok := r.engines[name]
	return e, ok
}
