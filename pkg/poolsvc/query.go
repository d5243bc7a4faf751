package poolsvc

import "github.com/poolfabric/poolsvc/pkg/types"

// QueryRequest is one QUERY RPC's arguments.
type QueryRequest struct {
	HandleID types.UUID
	// BufSize is the client's map-buffer capacity in bytes, see
	// ConnectRequest.BufSize.
	BufSize int
}

// QueryReply reports the pool's current map version and handle count.
type QueryReply struct {
	MapVersion uint32
	MapBuffer  []byte
	NHandles   uint32
	Rebuild    types.RebuildStatus
	Hint       types.LeaderHint
}

// Query returns the pool's current state. Requires an already-open handle,
// or types.RebuildSentinelHandle.
func (s *Service) Query(req QueryRequest) (QueryReply, error) {
	term, hint, err := s.AcquireLeaderRef()
	_ = term
	if err != nil {
		return QueryReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	table, nhandles, err := s.readHandleState()
	if err != nil {
		return QueryReply{Hint: hint}, err
	}
	if req.HandleID != types.RebuildSentinelHandle {
		if _, ok := table[req.HandleID]; !ok {
			return QueryReply{Hint: hint}, types.NewError(types.KindNoHandle, "handle not open")
		}
	}

	m := s.Map()
	if m == nil {
		return QueryReply{Hint: hint}, types.NewError(types.KindNonexist, "pool map not installed")
	}
	defer m.Release()
	buf, err := bulkMapBuffer(m, req.BufSize)
	if err != nil {
		return QueryReply{Hint: hint}, err
	}

	return QueryReply{
		MapVersion: m.Version(),
		MapBuffer:  buf,
		NHandles:   nhandles,
		Rebuild:    s.rebuildStatus(),
		Hint:       hint,
	}, nil
}

// rebuildStatus reports the pool's current rebuild activity by asking the
// wired RebuildBridge how many tasks are in flight for this pool.
func (s *Service) rebuildStatus() types.RebuildStatus {
	if n := s.reb.InFlightCount(s.PoolID); n > 0 {
		return types.RebuildStatus{State: "rebuilding"}
	}
	return types.RebuildStatus{State: "idle"}
}
