package poolsvc

import (
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// EvictRequest asks the service to forcibly close handles. An empty
// HandleIDs list evicts every open handle.
type EvictRequest struct {
	HandleIDs []types.UUID
}

// EvictReply reports how many handles were actually closed.
type EvictReply struct {
	Evicted int
	Hint    types.LeaderHint
}

// Evict forcibly closes handles without requiring the owning client's
// cooperation, broadcasting a target disconnect for each one evicted.
func (s *Service) Evict(req EvictRequest) (EvictReply, error) {
	term, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return EvictReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	table, nhandles, err := s.readHandleState()
	if err != nil {
		return EvictReply{Hint: hint}, err
	}

	targets := req.HandleIDs
	if len(targets) == 0 {
		for id := range table {
			targets = append(targets, id)
		}
	}

	var toEvict []types.UUID
	for _, id := range targets {
		if _, ok := table[id]; ok {
			toEvict = append(toEvict, id)
		}
	}
	if len(toEvict) == 0 {
		return EvictReply{Hint: hint}, nil
	}

	for _, id := range toEvict {
		if err := s.bcast.BroadcastDisconnect(s.PoolID, id); err != nil {
			s.log.Warn().Err(err).Str("handle", id.String()).Msg("evict disconnect broadcast failed")
		}
	}

	tx, err := s.db.Begin(term)
	if err != nil {
		return EvictReply{Hint: hint}, err
	}
	for _, id := range toEvict {
		schema.DeleteHandle(tx, id)
	}
	remaining := nhandles
	if int(remaining) >= len(toEvict) {
		remaining -= uint32(len(toEvict))
	} else {
		remaining = 0
	}
	schema.WriteNHandles(tx, remaining)
	if err := tx.Commit(); err != nil {
		return EvictReply{Hint: hint}, err
	}

	s.log.Info().Int("count", len(toEvict)).Msg("pool handles evicted")
	return EvictReply{Evicted: len(toEvict), Hint: hint}, nil
}
