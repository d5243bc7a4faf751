package poolsvc

import (
	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// TargetAddress identifies a target by (rank, per-rank index), the wire
// form clients send since they don't know target ids.
type TargetAddress struct {
	Rank uint32
	Idx  uint32
}

// UpdateRequest requests a membership-change opcode against a set of
// target addresses.
type UpdateRequest struct {
	Addrs []TargetAddress
	Op    types.UpdateOpcode
}

// UpdateReply reports the resulting map version and any addresses that
// could not be resolved to a target, mirroring
// pool_find_all_targets_by_addr's partial-failure-tolerant behavior: an
// unresolvable address is reported back, it does not fail the whole
// request.
type UpdateReply struct {
	MapVersion uint32
	Unresolved []TargetAddress
	Hint       types.LeaderHint
}

// Update applies op to the targets named by Addrs. If no address resolves,
// or none of the resolved targets actually transition, the map version is
// unchanged and nothing is committed.
func (s *Service) Update(req UpdateRequest) (UpdateReply, error) {
	term, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return UpdateReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	m := s.Map()
	if m == nil {
		return UpdateReply{Hint: hint}, types.NewError(types.KindNonexist, "pool map not installed")
	}
	defer m.Release()

	var targetIDs []uint32
	var unresolved []TargetAddress
	for _, addr := range req.Addrs {
		found := m.FindTargetsByRankAndIndex(addr.Rank, addr.Idx)
		if len(found) == 0 {
			unresolved = append(unresolved, addr)
			continue
		}
		for _, t := range found {
			targetIDs = append(targetIDs, t.ID)
		}
	}

	next, changed := poolmap.ApplyUpdate(m, targetIDs, req.Op)
	if !changed {
		return UpdateReply{MapVersion: m.Version(), Unresolved: unresolved, Hint: hint}, nil
	}

	buf, err := poolmap.ExtractBuffer(next)
	if err != nil {
		return UpdateReply{Hint: hint}, err
	}

	tx, err := s.db.Begin(term)
	if err != nil {
		return UpdateReply{Hint: hint}, err
	}
	schema.WriteMap(tx, next.Version(), buf)
	if err := tx.Commit(); err != nil {
		return UpdateReply{Hint: hint}, err
	}

	s.SetMap(next)

	// Best-effort, non-fatal broadcast and rebuild scheduling: a committed
	// membership change is durable regardless of whether every replica
	// learns about it promptly (spec.md §4.7).
	if err := s.bcast.BroadcastMap(s.PoolID, next); err != nil {
		s.log.Warn().Err(err).Msg("map broadcast failed after commit")
	}
	if req.Op == types.OpExclude {
		s.reb.Schedule(s.PoolID, next.Version(), targetIDs, req.Op)
	}

	s.log.Info().Uint32("map_version", next.Version()).Str("op", opName(req.Op)).Msg("pool map updated")

	return UpdateReply{MapVersion: next.Version(), Unresolved: unresolved, Hint: hint}, nil
}

func opName(op types.UpdateOpcode) string {
	switch op {
	case types.OpExclude:
		return "EXCLUDE"
	case types.OpExcludeOut:
		return "EXCLUDE_OUT"
	case types.OpAdd:
		return "ADD"
	case types.OpAddIn:
		return "ADD_IN"
	default:
		return "UNKNOWN"
	}
}
