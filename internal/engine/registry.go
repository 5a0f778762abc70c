package engine

import (
	"context"
	"sync"

	"github.com/ledgerkit/approvalflow/pkg/schema"
)

// Loader fetches the subject entity of a workflow instance by ID.
// Each ERP module registers one loader per entity kind it owns.
type Loader interface {
	Load(ctx context.Context, id string) (schema.FieldAccessible, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, id string) (schema.FieldAccessible, error)

func (f LoaderFunc) Load(ctx context.Context, id string) (schema.FieldAccessible, error) {
	return f(ctx, id)
}

// EntityRegistry maps entity kinds to their loaders. Safe for concurrent use.
type EntityRegistry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewEntityRegistry creates an empty registry.
func NewEntityRegistry() *EntityRegistry {
	return &EntityRegistry{loaders: make(map[string]Loader)}
}

// Register binds a loader to an entity kind, replacing any previous binding.
func (r *EntityRegistry) Register(kind string, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[kind] = loader
}

// Load resolves an entity reference through the registered loader.
func (r *EntityRegistry) Load(ctx context.Context, ref schema.EntityRef) (schema.FieldAccessible, error) {
	r.mu.RLock()
	loader, ok := r.loaders[ref.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no entity loader registered for kind %q", ref.Kind)
	}
	return loader.Load(ctx, ref.ID)
}
