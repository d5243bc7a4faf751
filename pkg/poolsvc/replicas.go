package poolsvc

import "github.com/poolfabric/poolsvc/pkg/types"

// ReplicaCandidate is one candidate RDB replica host, as supplied by the
// cluster membership source (outside poolsvc's scope).
type ReplicaCandidate struct {
	Rank       uint32
	NodeID     string
	Addr       string
	FaultDomain string
}

// SelectReplicas picks up to k replicas from candidates, implementing
// spec.md §6's replica-selection rule: take the first k candidates in
// input order, skipping rank 0 unless it is the only candidate, and
// spreading across distinct fault domains when the candidate set permits
// it (falling back to plain input order when domains don't give enough
// spread to matter).
func SelectReplicas(candidates []ReplicaCandidate, k int) []ReplicaCandidate {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	pool := candidates
	if len(candidates) > 1 {
		pool = make([]ReplicaCandidate, 0, len(candidates))
		for _, c := range candidates {
			if c.Rank == 0 {
				continue
			}
			pool = append(pool, c)
		}
		if len(pool) == 0 {
			// Rank 0 really was the only candidate.
			pool = candidates
		}
	}

	if k >= len(pool) {
		out := make([]ReplicaCandidate, len(pool))
		copy(out, pool)
		return out
	}

	distinctDomains := make(map[string]bool)
	for _, c := range pool {
		distinctDomains[c.FaultDomain] = true
	}
	if len(distinctDomains) < k {
		// Not enough distinct domains to spread across; input order is as
		// good a choice as any.
		out := make([]ReplicaCandidate, k)
		copy(out, pool[:k])
		return out
	}

	var out []ReplicaCandidate
	used := make(map[string]bool)
	for _, c := range pool {
		if len(out) == k {
			break
		}
		if used[c.FaultDomain] {
			continue
		}
		used[c.FaultDomain] = true
		out = append(out, c)
	}
	// Top off with remaining candidates (domain repeats allowed) if the
	// one-per-domain pass didn't reach k.
	if len(out) < k {
		taken := make(map[uint32]bool)
		for _, c := range out {
			taken[c.Rank] = true
		}
		for _, c := range pool {
			if len(out) == k {
				break
			}
			if taken[c.Rank] {
				continue
			}
			out = append(out, c)
			taken[c.Rank] = true
		}
	}
	return out
}

// ReplicasAddRequest asks the pool's RDB to admit a new voting replica.
type ReplicasAddRequest struct {
	NodeID string
	Addr   string
}

// ReplicasAdd implements REPLICAS_ADD.
func (s *Service) ReplicasAdd(req ReplicasAddRequest) (types.LeaderHint, error) {
	_, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return hint, err
	}
	defer s.ReleaseLeaderRef()

	if err := s.db.AddVoter(req.NodeID, req.Addr); err != nil {
		return hint, err
	}
	s.log.Info().Str("node_id", req.NodeID).Msg("pool rdb replica added")
	return hint, nil
}

// ReplicasRemoveRequest asks the pool's RDB to remove a voting replica.
type ReplicasRemoveRequest struct {
	NodeID string
}

// ReplicasRemove implements REPLICAS_REMOVE.
func (s *Service) ReplicasRemove(req ReplicasRemoveRequest) (types.LeaderHint, error) {
	_, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return hint, err
	}
	defer s.ReleaseLeaderRef()

	if err := s.db.RemoveServer(req.NodeID); err != nil {
		return hint, err
	}
	s.log.Info().Str("node_id", req.NodeID).Msg("pool rdb replica removed")
	return hint, nil
}
