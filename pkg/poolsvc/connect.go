package poolsvc

import (
	"github.com/poolfabric/poolsvc/pkg/handles"
	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// ConnectRequest is one CONNECT RPC's arguments.
type ConnectRequest struct {
	HandleID types.UUID
	UID      uint32
	GID      uint32
	Capas    types.Capability
	// BufSize is the client's map-buffer capacity in bytes. Zero means
	// unreported; the full map buffer is returned unchecked. A nonzero
	// value too small for the current map fails with KindTrunc and the
	// required size (spec.md §4.4 step 6).
	BufSize int
}

// ConnectReply carries the pool's current map version, even on a BUSY/EXIST
// failure, so a client can decide whether to retry. Failures detected before
// the map is read (NO_PERM, TRUNC, a missing pool) leave it zero.
type ConnectReply struct {
	MapVersion uint32
	MapBuffer  []byte
	Hint       types.LeaderHint
}

// Connect admits a new pool handle, or accepts a retried request for an
// already-open handle with identical capabilities as a no-op. Grounded on
// srv_pool.c's ds_pool_connect_handler: the map is read and returned to the
// caller before the handle table is touched, so a map-read failure never
// requires rolling back a handle admission; on a genuinely new handle, the
// target broadcast happens before the handle is durably recorded, and a
// broadcast failure aborts the whole request rather than committing a
// half-admitted handle.
func (s *Service) Connect(req ConnectRequest) (ConnectReply, error) {
	term, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return ConnectReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	attrs, ok, err := s.readAttrs()
	if err != nil {
		return ConnectReply{Hint: hint}, err
	}
	if !ok {
		return ConnectReply{Hint: hint}, types.NewError(types.KindNonexist, "pool has not been created")
	}
	if !types.Permitted(attrs.UID, attrs.GID, req.UID, req.GID, attrs.Mode, req.Capas) {
		return ConnectReply{Hint: hint}, types.NewError(types.KindNoPerm, "capability not permitted")
	}

	m := s.Map()
	if m == nil {
		return ConnectReply{Hint: hint}, types.NewError(types.KindNonexist, "pool map not installed")
	}
	defer m.Release()
	mapBuf, err := bulkMapBuffer(m, req.BufSize)
	if err != nil {
		return ConnectReply{Hint: hint}, err
	}
	reply := ConnectReply{MapVersion: m.Version(), MapBuffer: mapBuf, Hint: hint}

	table, nhandles, err := s.readHandleState()
	if err != nil {
		return reply, err
	}

	skip, err := handles.Admit(table, req.HandleID, req.Capas)
	if err != nil {
		return reply, err
	}
	if skip {
		return reply, nil
	}

	if err := s.bcast.BroadcastConnect(s.PoolID, req.HandleID, req.Capas); err != nil {
		return reply, types.WrapError(types.KindIO, "target connect broadcast failed", err)
	}

	tx, err := s.db.Begin(term)
	if err != nil {
		return reply, err
	}
	if err := schema.PutHandle(tx, req.HandleID, types.HandleRecord{Capas: req.Capas}); err != nil {
		return reply, err
	}
	schema.WriteNHandles(tx, nhandles+1)
	if err := tx.Commit(); err != nil {
		// Best-effort compensation: the targets believe the handle is open
		// but the RDB never recorded it. Tell them to forget it; failure here
		// is logged, not propagated, matching the best-effort broadcast
		// contract used elsewhere (spec.md §4.7).
		if cerr := s.bcast.BroadcastDisconnect(s.PoolID, req.HandleID); cerr != nil {
			s.log.Warn().Err(cerr).Msg("compensating disconnect broadcast failed after commit failure")
		}
		return reply, err
	}

	s.log.Info().Str("handle", req.HandleID.String()).Msg("pool handle connected")
	return reply, nil
}

func (s *Service) readHandleState() (handles.Table, uint32, error) {
	var table handles.Table
	var nhandles uint32
	err := s.db.View(func(v *rdb.ViewTx) error {
		var err error
		table, err = schema.ListHandles(v)
		if err != nil {
			return err
		}
		nhandles, err = schema.ReadNHandles(v)
		return err
	})
	return table, nhandles, err
}
