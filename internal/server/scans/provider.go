// Package scans implements the virus scan orchestrator: pluggable scan
// providers, conservative verdict aggregation, quarantine transitions, and
// the background worker pool for asynchronous scanning.
package scans

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// Result is a single provider's verdict on one payload.
type Result struct {
	Provider    string
	Status      models.ScanStatus
	ThreatLevel models.ThreatLevel
	Threats     []models.Threat
	Duration    time.Duration
}

// Provider scans byte payloads. Implementations must honor the context
// deadline; a provider exceeding its timeout is treated as unavailable for
// that attempt.
type Provider interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	Scan(ctx context.Context, data []byte, sha256hex, filename string) (Result, error)
}

// ProviderRegistry holds configured providers. Built once at startup and
// passed into the orchestrator.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider. Duplicate names are a programming error.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.Name()]; dup {
		panic(fmt.Sprintf("scans: provider %q registered twice", p.Name()))
	}
	r.providers[p.Name()] = p
}

// All returns every registered provider in name order.
func (r *ProviderRegistry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]Provider, 0, len(names))
	for _, n := range names {
		out = append(out, r.providers[n])
	}
	return out
}

// Available filters All by IsAvailable.
func (r *ProviderRegistry) Available(ctx context.Context) []Provider {
	var out []Provider
	for _, p := range r.All() {
		if p.IsAvailable(ctx) {
			out = append(out, p)
		}
	}
	return out
}
