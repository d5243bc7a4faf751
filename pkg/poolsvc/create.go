package poolsvc

import (
	"fmt"

	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// CreateRequest describes a new pool's desired topology and owner.
type CreateRequest struct {
	Domains []poolmap.DomainSpec
	Attrs   types.Attributes
	// TargetUUIDs names each target's identity, one per target across all
	// Domains/Nodes in declaration order. Its length must equal the sum of
	// every NodeSpec.TargetNr; a mismatch is a client protocol error
	// (spec.md §4.2, KindProto).
	TargetUUIDs []types.UUID
}

// CreateReply carries the pool map version the caller should expect other
// replicas to converge to.
type CreateReply struct {
	MapVersion uint32
	Hint       types.LeaderHint
}

// Create builds the pool's initial map, persists attributes and map
// together in one RDB transaction, and installs the map in memory.
//
// Idempotency: if the pool's attributes are already durable, Create succeeds
// without writing anything new, whatever the request carries (a retried
// CREATE after a reply was lost must not fail or duplicate state).
func (s *Service) Create(req CreateRequest) (CreateReply, error) {
	term, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return CreateReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	_, ok, err := s.readAttrs()
	if err != nil {
		return CreateReply{Hint: hint}, err
	}
	if ok {
		if m := s.Map(); m != nil {
			defer m.Release()
			return CreateReply{MapVersion: m.Version(), Hint: hint}, nil
		}
	}

	var wantTargets uint32
	for _, d := range req.Domains {
		for _, n := range d.Nodes {
			wantTargets += n.TargetNr
		}
	}
	if uint32(len(req.TargetUUIDs)) != wantTargets {
		return CreateReply{Hint: hint}, types.NewError(types.KindProto,
			fmt.Sprintf("target uuid count %d does not match declared target count %d", len(req.TargetUUIDs), wantTargets))
	}

	m, err := poolmap.NewInitial(req.Domains)
	if err != nil {
		return CreateReply{Hint: hint}, err
	}
	buf, err := poolmap.ExtractBuffer(m)
	if err != nil {
		return CreateReply{Hint: hint}, err
	}

	tx, err := s.db.Begin(term)
	if err != nil {
		return CreateReply{Hint: hint}, err
	}
	schema.WriteAttributes(tx, req.Attrs)
	schema.WriteMap(tx, m.Version(), buf)
	schema.WriteMapUUIDs(tx, req.TargetUUIDs)
	schema.WriteNHandles(tx, 0)
	if err := tx.Commit(); err != nil {
		return CreateReply{Hint: hint}, err
	}

	s.SetMap(m)
	s.log.Info().Uint32("map_version", m.Version()).Msg("pool created")

	return CreateReply{MapVersion: m.Version(), Hint: hint}, nil
}

// readAttrs returns the pool's persisted attributes, (zero, false, nil) if
// the pool has never been created, or a non-nil error on any other failure.
func (s *Service) readAttrs() (types.Attributes, bool, error) {
	var attrs types.Attributes
	var ok bool
	err := s.db.View(func(v *rdb.ViewTx) error {
		a, err := schema.ReadAttributes(v)
		if err != nil {
			if err == rdb.ErrUninitialized || types.Is(err, types.KindNonexist) {
				return nil
			}
			return err
		}
		attrs, ok = a, true
		return nil
	})
	return attrs, ok, err
}
