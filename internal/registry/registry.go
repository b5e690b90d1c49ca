// Package registry implements the facet-name -> handler mapping (spec.md
// §4.7): durable HandlerRegistration CRUD over persistence.Port, plus an
// in-process dispatch table mirroring original_source/afl/runtime's
// `_DISPATCH` lookup for facets backed by a Go-native handler rather than
// an external `mvn:` artifact.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rlemke/agentflow/internal/entities"
	"github.com/rlemke/agentflow/internal/persistence"
)

// Registry caches HandlerRegistrationStore reads so every Agent Poller
// dispatch doesn't round-trip to the backend.
type Registry struct {
	store persistence.HandlerRegistrationStore

	mu    sync.RWMutex
	cache map[string]*entities.HandlerRegistration
}

// New returns a Registry backed by store, with an empty cache — call
// Refresh to warm it.
func New(store persistence.HandlerRegistrationStore) *Registry {
	return &Registry{store: store, cache: make(map[string]*entities.HandlerRegistration)}
}

// Register durably advertises a handler for facetName and updates the
// cache.
func (r *Registry) Register(ctx context.Context, reg *entities.HandlerRegistration) error {
	if err := r.store.SaveHandlerRegistration(ctx, reg); err != nil {
		return fmt.Errorf("register handler %q: %w", reg.FacetName, err)
	}
	r.mu.Lock()
	r.cache[reg.FacetName] = reg
	r.mu.Unlock()
	return nil
}

// Deregister removes a handler registration.
func (r *Registry) Deregister(ctx context.Context, facetName string) (bool, error) {
	ok, err := r.store.DeleteHandlerRegistration(ctx, facetName)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	delete(r.cache, facetName)
	r.mu.Unlock()
	return ok, nil
}

// Lookup returns the registration for facetName, checking the cache first
// and falling back to the store on a miss.
func (r *Registry) Lookup(ctx context.Context, facetName string) (*entities.HandlerRegistration, error) {
	r.mu.RLock()
	if reg, ok := r.cache[facetName]; ok {
		r.mu.RUnlock()
		return reg, nil
	}
	r.mu.RUnlock()

	reg, err := r.store.GetHandlerRegistration(ctx, facetName)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, nil
	}
	r.mu.Lock()
	r.cache[facetName] = reg
	r.mu.Unlock()
	return reg, nil
}

// Refresh reloads the entire cache from the store — called on Agent Poller
// startup and on a periodic interval so newly registered handlers become
// visible without a restart.
func (r *Registry) Refresh(ctx context.Context) error {
	regs, err := r.store.ListHandlerRegistrations(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[string]*entities.HandlerRegistration, len(regs))
	for _, reg := range regs {
		fresh[reg.FacetName] = reg
	}
	r.mu.Lock()
	r.cache = fresh
	r.mu.Unlock()
	return nil
}

// Names returns every currently-cached facet name this process is prepared
// to claim tasks for.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cache))
	for name := range r.cache {
		out = append(out, name)
	}
	return out
}

// HandlerFunc is an in-process facet implementation: it receives the
// step's evaluated params and returns its returns.
type HandlerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// InProcessDispatch is the Go-native counterpart to an artifact-backed
// handler: facets registered here execute directly in the Agent Poller
// process instead of via subprocess, used for lightweight built-in facets
// and in tests.
type InProcessDispatch struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewInProcessDispatch returns an empty dispatch table.
func NewInProcessDispatch() *InProcessDispatch {
	return &InProcessDispatch{handlers: make(map[string]HandlerFunc)}
}

// Register binds fn to facetName, overwriting any prior binding.
func (d *InProcessDispatch) Register(facetName string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[facetName] = fn
}

// Has reports whether facetName has an in-process binding.
func (d *InProcessDispatch) Has(facetName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[facetName]
	return ok
}

// Names returns every facet name this dispatch table can serve in-process.
func (d *InProcessDispatch) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch invokes the bound handler for facetName.
func (d *InProcessDispatch) Dispatch(ctx context.Context, facetName string, params map[string]any) (map[string]any, error) {
	d.mu.RLock()
	fn, ok := d.handlers[facetName]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no in-process handler bound for facet %q", facetName)
	}
	return fn(ctx, params)
}
