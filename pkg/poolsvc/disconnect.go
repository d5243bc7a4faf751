package poolsvc

import (
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// DisconnectRequest is one DISCONNECT RPC's arguments.
type DisconnectRequest struct {
	HandleID types.UUID
}

// DisconnectReply carries no pool map information, mirroring srv_pool.c's
// ds_pool_disconnect_handler, which does not refresh the caller's cached
// map version on disconnect.
type DisconnectReply struct {
	Hint types.LeaderHint
}

// Disconnect closes a pool handle. A handle that is already absent is
// treated as success: a client retrying a DISCONNECT whose first reply was
// lost must not see an error.
func (s *Service) Disconnect(req DisconnectRequest) (DisconnectReply, error) {
	term, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return DisconnectReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	table, nhandles, err := s.readHandleState()
	if err != nil {
		return DisconnectReply{Hint: hint}, err
	}
	if _, ok := table[req.HandleID]; !ok {
		return DisconnectReply{Hint: hint}, nil
	}

	if err := s.bcast.BroadcastDisconnect(s.PoolID, req.HandleID); err != nil {
		return DisconnectReply{Hint: hint}, types.WrapError(types.KindIO, "target disconnect broadcast failed", err)
	}

	tx, err := s.db.Begin(term)
	if err != nil {
		return DisconnectReply{Hint: hint}, err
	}
	schema.DeleteHandle(tx, req.HandleID)
	if nhandles > 0 {
		nhandles--
	}
	schema.WriteNHandles(tx, nhandles)
	if err := tx.Commit(); err != nil {
		return DisconnectReply{Hint: hint}, err
	}

	s.log.Info().Str("handle", req.HandleID.String()).Msg("pool handle disconnected")
	return DisconnectReply{Hint: hint}, nil
}
