// Package poolsvc implements one Pool Service instance: the lifecycle state
// machine, leader-reference counting, and RPC handlers bound to a single
// pool's RDB and in-memory pool map. Grounded on cuemby/warren's
// Manager (pkg/manager/manager.go) for the Apply/CRUD/leader-check shape
// and api.Server's ensureLeader (pkg/api/server.go) for the not-leader
// reply convention, generalized from "one Manager per cluster" to "one
// Service per pool".
package poolsvc

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/poolfabric/poolsvc/pkg/log"
	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// State is the pool service instance's lifecycle state.
type State int

const (
	StateDown State = iota
	StateUpEmpty
	StateUp
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDown:
		return "DOWN"
	case StateUpEmpty:
		return "UP_EMPTY"
	case StateUp:
		return "UP"
	case StateDraining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

// Service is one pool's service instance: its RDB handle, its cached pool
// map, and the bookkeeping needed to serve RPCs safely across leadership
// changes and shutdown requests.
//
// Lock ordering (spec.md §5, never violated): registry lock (owned by
// pkg/registry, outside this type) -> mu (this type's state mutex) ->
// mapMu (the pool map's own RW-lock). A handler takes mu to validate state
// and bump the leader refcount, releases mu, does RDB/map work (taking
// mapMu only as needed), then re-takes mu to release the leader ref.
type Service struct {
	PoolID types.UUID

	db *rdb.DB

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	leaderRef int
	termAtRef uint64 // RDB term observed when leaderRef last went 0->1
	draining  bool

	mapMu sync.RWMutex
	pmap  *poolmap.Map

	bcast Broadcaster
	reb   RebuildBridge

	log zerolog.Logger
}

// New wraps an already-open RDB handle for poolID into a Service, starting
// in state DOWN until Start is called.
func New(poolID types.UUID, db *rdb.DB) *Service {
	s := &Service{
		PoolID: poolID,
		db:     db,
		state:  StateDown,
		bcast:  noopBroadcaster{},
		reb:    noopRebuildBridge{},
		log:    log.WithComponent("poolsvc").With().Str("pool_id", poolID.String()).Logger(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start transitions DOWN -> UP_EMPTY, loading the persisted pool map if one
// exists. A pool with no committed map yet (freshly created, map not yet
// written) stays UP_EMPTY until the first successful CREATE commit calls
// SetMap.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.state != StateDown {
		s.mu.Unlock()
		return types.NewError(types.KindInval, "service already started")
	}
	s.state = StateUpEmpty
	s.mu.Unlock()

	m, err := s.loadPersistedMap()
	if err != nil {
		return err
	}
	if m != nil {
		s.SetMap(m)
	}

	s.log.Info().Bool("map_loaded", m != nil).Msg("pool service instance started")
	return nil
}

// loadPersistedMap reads back a previously committed pool map from the
// local RDB, if one exists. A freshly created pool with no committed map
// yet (rdb.ErrUninitialized) is not an error: the service simply stays
// UP_EMPTY until the first CREATE commits one.
func (s *Service) loadPersistedMap() (*poolmap.Map, error) {
	var version uint32
	var buf []byte
	err := s.db.View(func(v *rdb.ViewTx) error {
		var err error
		version, buf, err = schema.ReadMap(v)
		return err
	})
	if err == rdb.ErrUninitialized {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return poolmap.Build(buf, version)
}

// SetMap installs a freshly built or updated pool map, transitioning
// UP_EMPTY -> UP on first install.
func (s *Service) SetMap(m *poolmap.Map) {
	s.mapMu.Lock()
	old := s.pmap
	s.pmap = m
	s.mapMu.Unlock()
	if old != nil {
		old.Release()
	}
	m.Ref()

	s.mu.Lock()
	if s.state == StateUpEmpty {
		s.state = StateUp
	}
	s.mu.Unlock()
}

// Map returns a Ref()'d view of the current pool map; the caller must
// Release it when done.
func (s *Service) Map() *poolmap.Map {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	if s.pmap == nil {
		return nil
	}
	return s.pmap.Ref()
}

// State returns the service's current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ensureUp checks the service is in a state that can admit new RPC work.
func (s *Service) ensureUp() error {
	switch s.state {
	case StateUp, StateUpEmpty:
		return nil
	case StateDraining:
		return types.NewError(types.KindAgain, "pool service instance is draining")
	default:
		return types.NewError(types.KindNoHandle, "pool service instance is down")
	}
}

// AcquireLeaderRef is the RPC handler prologue: verify the service is up,
// verify this replica is the pool's RDB leader, and bump the leader
// refcount so a concurrent Stop/drain cannot tear down the service out from
// under an in-flight handler. Returns the RDB term the handler must pass to
// every rdb.Begin call it makes, and a LeaderHint to embed in the eventual
// reply regardless of success or failure.
func (s *Service) AcquireLeaderRef() (term uint64, hint types.LeaderHint, err error) {
	hint = s.db.LeaderHint()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureUp(); err != nil {
		return 0, hint, err
	}
	if !s.db.IsLeader() {
		return 0, hint, types.NewError(types.KindNotLeader, "not the pool's rdb leader")
	}

	if s.leaderRef == 0 {
		s.termAtRef = s.db.Term()
	}
	s.leaderRef++
	return s.termAtRef, hint, nil
}

// ReleaseLeaderRef is the RPC handler epilogue, always called exactly once
// per successful AcquireLeaderRef, success or failure.
func (s *Service) ReleaseLeaderRef() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderRef--
	if s.leaderRef == 0 {
		s.cond.Broadcast()
	}
}

// Drain transitions UP/UP_EMPTY -> DRAINING, then blocks until every
// in-flight handler has released its leader reference, implementing the
// STOP handler's shutdown-ordering requirement (spec.md §4.4 STOP).
func (s *Service) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDraining
	for s.leaderRef > 0 {
		s.cond.Wait()
	}
}

// Stop finishes tearing the instance down to DOWN after Drain has
// completed. The caller is responsible for closing the underlying RDB
// handle; Stop only updates in-memory state.
func (s *Service) Stop() {
	s.mu.Lock()
	s.state = StateDown
	s.mu.Unlock()

	s.mapMu.Lock()
	if s.pmap != nil {
		s.pmap.Release()
		s.pmap = nil
	}
	s.mapMu.Unlock()

	s.log.Info().Msg("pool service instance stopped")
}
