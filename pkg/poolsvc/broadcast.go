package poolsvc

import (
	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// Broadcaster is the narrow interface poolsvc needs from pkg/broadcast: the
// IV (cluster-wide) fanout for target-connect/disconnect and pool map
// updates. Kept as an interface so poolsvc's handler logic is unit
// testable without a running broadcast fabric.
type Broadcaster interface {
	// BroadcastConnect notifies every target that a new handle has been
	// admitted. Its failure aborts the CONNECT transaction (spec.md §4.4):
	// unlike the map broadcast, this one must succeed everywhere before the
	// handle is considered valid.
	BroadcastConnect(poolID, handleID types.UUID, capas types.Capability) error

	// BroadcastDisconnect notifies every target that a handle has closed.
	BroadcastDisconnect(poolID, handleID types.UUID) error

	// BroadcastMap fans the new pool map out best-effort; its return value
	// is never fatal to the caller (spec.md §4.7).
	BroadcastMap(poolID types.UUID, m *poolmap.Map) error
}

// noopBroadcaster is used when a Service is constructed without a
// broadcaster attached (e.g. in unit tests exercising only the RDB path).
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastConnect(types.UUID, types.UUID, types.Capability) error { return nil }
func (noopBroadcaster) BroadcastDisconnect(types.UUID, types.UUID) error                { return nil }
func (noopBroadcaster) BroadcastMap(types.UUID, *poolmap.Map) error                     { return nil }

// SetBroadcaster attaches the cluster broadcast fabric. Must be called
// before the service starts serving RPCs; left unset, the service uses a no-op
// broadcaster so package tests can exercise RDB/map logic in isolation.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bcast = b
}
