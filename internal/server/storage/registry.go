package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/docuvault/internal/common"
)

// Registry holds the configured backends keyed by kind. It is constructed
// once at process start and passed by reference into the orchestrator; there
// are no ambient singletons.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	def      string
}

// NewRegistry constructs an empty registry with the given default kind.
func NewRegistry(defaultKind string) *Registry {
	return &Registry{backends: make(map[string]Backend), def: defaultKind}
}

// Register adds a backend. Registering the same kind twice is a programming
// error and panics.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.backends[b.Kind()]; dup {
		panic(fmt.Sprintf("storage: backend %q registered twice", b.Kind()))
	}
	r.backends[b.Kind()] = b
}

// Get returns the backend for kind, or an error when none is registered.
func (r *Registry) Get(kind string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", common.ErrNotFound, kind)
	}
	return b, nil
}

// Default returns the default backend.
func (r *Registry) Default() (Backend, error) {
	return r.Get(r.def)
}

// Kinds lists registered backend kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
