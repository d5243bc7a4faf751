package poolsvc

import "github.com/poolfabric/poolsvc/pkg/types"

// RebuildBridge is the narrow interface poolsvc needs from pkg/rebuild:
// scheduling rebuild work in reaction to a committed map update, and
// stopping it when this replica steps down as leader.
type RebuildBridge interface {
	// Schedule enqueues rebuild work for the pool at the given map version,
	// targeting the named target ids. Update calls it only after an EXCLUDE.
	Schedule(poolID types.UUID, mapVersion uint32, targetIDs []uint32, op types.UpdateOpcode)

	// LeaderStop drops the pool's in-flight rebuild bookkeeping; StopHandler
	// calls it after draining. Work already queued or running is not
	// cancelled.
	LeaderStop(poolID types.UUID)

	// InFlightCount reports how many rebuild tasks are currently pending
	// or running for the pool, for QUERY's rebuild status field.
	InFlightCount(poolID types.UUID) int
}

type noopRebuildBridge struct{}

func (noopRebuildBridge) Schedule(types.UUID, uint32, []uint32, types.UpdateOpcode) {}
func (noopRebuildBridge) LeaderStop(types.UUID)                                     {}
func (noopRebuildBridge) InFlightCount(types.UUID) int                              { return 0 }

// SetRebuildBridge attaches the rebuild subsystem. Left unset, the service
// uses a no-op bridge so package tests can exercise map/RDB logic without a
// running rebuild worker pool.
func (s *Service) SetRebuildBridge(r RebuildBridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reb = r
}
