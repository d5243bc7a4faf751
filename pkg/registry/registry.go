// Package registry is the process-wide table of pool service instances
// running on this node, keyed by pool UUID. Grounded on cuemby/warren's
// events.Broker subscriber map (pkg/events/events.go): a single
// RWMutex-guarded map with lock-scoped lookup/insert/remove helpers.
package registry

import (
	"sync"

	"github.com/poolfabric/poolsvc/pkg/poolsvc"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// Registry is the lock ordering's outermost lock (spec.md §5): callers take
// the registry lock to look up a *poolsvc.Service, then immediately release
// it before taking any lock owned by the service itself.
type Registry struct {
	mu   sync.RWMutex
	svcs map[types.UUID]*poolsvc.Service
}

func New() *Registry {
	return &Registry{svcs: make(map[types.UUID]*poolsvc.Service)}
}

// Lookup returns the service instance for poolID, or ok=false if this node
// isn't running that pool at all (distinct from the service existing but
// being DOWN or not this pool's RDB leader, which the service itself
// reports via AcquireLeaderRef).
func (r *Registry) Lookup(poolID types.UUID) (*poolsvc.Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.svcs[poolID]
	return s, ok
}

// Register adds a newly started service instance, replacing any existing
// one for the same pool UUID.
func (r *Registry) Register(poolID types.UUID, s *poolsvc.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.svcs[poolID] = s
}

// Remove drops a service instance from the table. The caller is
// responsible for having already drained and stopped it.
func (r *Registry) Remove(poolID types.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.svcs, poolID)
}

// List returns every pool UUID currently registered on this node.
func (r *Registry) List() []types.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.UUID, 0, len(r.svcs))
	for id := range r.svcs {
		out = append(out, id)
	}
	return out
}

// Count returns the number of pool service instances registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.svcs)
}
