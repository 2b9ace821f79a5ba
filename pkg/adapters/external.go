// Package adapters defines the ExternalSystem contract the engine drives
// deletions through. Concrete SaaS connectors implement this elsewhere;
// the engine only sees the contract.
package adapters

import (
	"context"
	"sort"
	"sync"

	"github.com/veridact/erasure/pkg/contracts"
)

// ReceiptAlreadyDeleted is what idempotent connectors return on a repeat
// delete of the same identifiers.
const ReceiptAlreadyDeleted = "already-deleted"

// DeleteResult is the uniform connector response.
type DeleteResult struct {
	Success     bool   `json:"success"`
	Receipt     string `json:"receipt,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`
}

// ExternalSystem is the connector contract. Delete must be idempotent and
// side-effect-free on its input, and must respect ctx's deadline; the
// dispatcher treats overruns as timeout failures.
type ExternalSystem interface {
	Name() string
	Delete(ctx context.Context, subject contracts.UserIdentifiers) (*DeleteResult, error)
}

// Registry holds the configured connectors by system name.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]ExternalSystem
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]ExternalSystem)}
}

// Register adds or replaces a connector.
func (r *Registry) Register(sys ExternalSystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systems[sys.Name()] = sys
}

// Get returns the connector for a system name.
func (r *Registry) Get(name string) (ExternalSystem, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sys, ok := r.systems[name]
	return sys, ok
}

// Names returns the registered system names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.systems))
	for name := range r.systems {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
