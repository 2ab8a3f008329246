// Package registry maps step kind identifiers to handler capabilities.
//
// The binding table is expected to be populated at startup and treated
// as read-mostly afterwards; Resolve is called once per step attempt.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/api"
)

// Registry is an explicit lookup structure passed by reference to the
// orchestrator, not ambient global state.
type Registry struct {
	mu     sync.RWMutex
	byKind map[string]api.Handler
}

func New() *Registry {
	return &Registry{
		byKind: make(map[string]api.Handler),
	}
}

// Register binds kind to h. Re-registering a kind is an error.
func (r *Registry) Register(kind string, h api.Handler) error {
	if kind == "" {
		return fmt.Errorf("step kind must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for kind %q must not be nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byKind[kind]; exists {
		return fmt.Errorf("step kind %q already registered", kind)
	}
	r.byKind[kind] = h
	return nil
}

// Resolve returns the handler bound to kind.
func (r *Registry) Resolve(kind string) (api.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownStepKind, kind)
	}
	return h, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
