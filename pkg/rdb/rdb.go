// Package rdb implements the Pool Service's replicated database: a generic
// table/key/value store replicated via Raft, one instance per pool. It plays
// the role cuemby/warren's single cluster-wide Manager+WarrenFSM pair plays,
// generalized so the Pool Service can run an independent instance per pool
// UUID instead of one singleton per process.
package rdb

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	bolt "go.etcd.io/bbolt"

	"github.com/poolfabric/poolsvc/pkg/types"
)

// ErrUninitialized is returned by View/Get when a table has never been
// written to on this replica, distinct from a present-but-empty table or a
// missing key within a present table (which is KindNonexist).
var ErrUninitialized = types.NewError(types.KindNonexist, "rdb table uninitialized")

// Config describes one pool's replicated database.
type Config struct {
	PoolID   types.UUID
	NodeID   string
	BindAddr string
	DataDir  string // per-pool directory, e.g. <root>/pools/<uuid>/
}

// DB is one pool's replicated, embedded key/value store.
type DB struct {
	cfg Config

	raft      *raft.Raft
	fsm       *fsm
	localDB   *bolt.DB
	transport *raft.NetworkTransport

	mu   sync.Mutex
	term uint64 // bumped every time this replica observes a new leader
}

// Create bootstraps a brand-new single-voter RDB for a pool. Additional
// replicas are added afterwards via AddVoter, driven by the REPLICAS_ADD
// handler.
func Create(cfg Config) (*DB, error) {
	return open(cfg, true, nil)
}

// Open reopens an RDB that has already been bootstrapped on this node (e.g.
// after a process restart), rejoining whatever cluster configuration is
// already durable in the on-disk raft log.
func Open(cfg Config) (*DB, error) {
	return open(cfg, false, nil)
}

func open(cfg Config, bootstrap bool, joinPeers []raft.Server) (*DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, types.WrapError(types.KindIO, "create pool data dir", err)
	}

	localPath := filepath.Join(cfg.DataDir, "kvs.db")
	localDB, err := bolt.Open(localPath, 0600, nil)
	if err != nil {
		return nil, types.WrapError(types.KindIO, "open local kvs", err)
	}

	f := newFSM(localDB)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		localDB.Close()
		return nil, types.WrapError(types.KindInval, "resolve bind address", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		localDB.Close()
		return nil, types.WrapError(types.KindIO, "create raft transport", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		localDB.Close()
		return nil, types.WrapError(types.KindIO, "create snapshot store", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		localDB.Close()
		return nil, types.WrapError(types.KindIO, "create raft log store", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		localDB.Close()
		return nil, types.WrapError(types.KindIO, "create raft stable store", err)
	}

	r, err := raft.NewRaft(raftCfg, f, logStore, stableStore, snapStore, transport)
	if err != nil {
		localDB.Close()
		return nil, types.WrapError(types.KindIO, "create raft instance", err)
	}

	d := &DB{cfg: cfg, raft: r, fsm: f, localDB: localDB, transport: transport}

	if bootstrap {
		servers := []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
		servers = append(servers, joinPeers...)
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			localDB.Close()
			return nil, types.WrapError(types.KindIO, "bootstrap pool rdb", err)
		}
	}

	go d.watchLeadership()

	return d, nil
}

func (d *DB) watchLeadership() {
	for range d.raft.LeaderCh() {
		d.mu.Lock()
		d.term++
		d.mu.Unlock()
	}
}

// Term returns a counter bumped every time this replica's leadership
// observation changes, used to detect stale leader-reference holders across
// a leadership flap without re-reading the full raft configuration.
func (d *DB) Term() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.term
}

// IsLeader reports whether this replica currently believes itself leader.
func (d *DB) IsLeader() bool { return d.raft.State() == raft.Leader }

// LeaderHint returns the current term and, if known, the leader's raft
// address, for embedding in RPC replies per spec §6.
func (d *DB) LeaderHint() types.LeaderHint {
	addr, _ := d.raft.LeaderWithID()
	return types.LeaderHint{Term: d.Term(), Rank: string(addr)}
}

// AddVoter adds a new replica, used by the REPLICAS_ADD handler. Must be
// called on the leader.
func (d *DB) AddVoter(nodeID, addr string) error {
	if !d.IsLeader() {
		return types.NewError(types.KindNotLeader, "add voter: not leader")
	}
	f := d.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := f.Error(); err != nil {
		return types.WrapError(types.KindIO, "add voter", err)
	}
	return nil
}

// RemoveServer removes a replica, used by the REPLICAS_REMOVE handler.
func (d *DB) RemoveServer(nodeID string) error {
	if !d.IsLeader() {
		return types.NewError(types.KindNotLeader, "remove server: not leader")
	}
	f := d.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := f.Error(); err != nil {
		return types.WrapError(types.KindIO, "remove server", err)
	}
	return nil
}

// Close shuts down the raft instance and local store. The caller must have
// already drained any in-flight leader references (pkg/poolsvc's job).
func (d *DB) Close() error {
	if err := d.raft.Shutdown().Error(); err != nil {
		return types.WrapError(types.KindIO, "shutdown raft", err)
	}
	return d.localDB.Close()
}

// Tx is a buffered write transaction: writes are staged locally and only
// take effect, atomically, once Commit replicates them via raft.Apply.
type Tx struct {
	db  *DB
	ops []op
}

// Begin starts a write transaction against the term the caller last
// observed (typically the term under which it took its leader reference,
// see pkg/poolsvc). Returns KindNotLeader if this replica isn't the pool's
// current RDB leader, or if the term has since advanced (a stale-term
// caller must re-acquire its leader reference before retrying).
func (d *DB) Begin(term uint64) (*Tx, error) {
	if !d.IsLeader() {
		return nil, types.NewError(types.KindNotLeader, "begin: not leader")
	}
	if cur := d.Term(); cur != term {
		return nil, types.NewError(types.KindNotLeader, "begin: stale term")
	}
	return &Tx{db: d}, nil
}

func (tx *Tx) Put(table string, key, value []byte) {
	tx.ops = append(tx.ops, op{Table: table, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
}

func (tx *Tx) Delete(table string, key []byte) {
	tx.ops = append(tx.ops, op{Delete: true, Table: table, Key: append([]byte(nil), key...)})
}

// Commit replicates the buffered writes through raft and blocks until they
// are applied on this (leader) replica.
func (tx *Tx) Commit() error {
	if len(tx.ops) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(command{Ops: tx.ops}); err != nil {
		return types.WrapError(types.KindIO, "encode rdb command", err)
	}
	f := tx.db.raft.Apply(buf.Bytes(), 5*time.Second)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return types.NewError(types.KindNotLeader, "commit: lost leadership")
		}
		return types.WrapError(types.KindIO, "apply rdb command", err)
	}
	if resp := f.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return types.WrapError(types.KindIO, "apply rdb command", err)
		}
	}
	return nil
}

// Abort discards the buffered writes without replicating them.
func (tx *Tx) Abort() { tx.ops = nil }

// ViewTx is a read-only snapshot of the local KVS.
type ViewTx struct {
	tx *bolt.Tx
}

// View opens a read-only transaction against this replica's local state.
// Because every write is only ever issued by the leader and applied
// synchronously before Commit returns, a leader's own View always reflects
// every write it has committed.
func (d *DB) View(fn func(*ViewTx) error) error {
	return d.localDB.View(func(tx *bolt.Tx) error {
		return fn(&ViewTx{tx: tx})
	})
}

// Get reads one key from table. Returns ErrUninitialized if the table has
// never been written to, or a KindNonexist error if the table exists but
// the key does not.
func (v *ViewTx) Get(table string, key []byte) ([]byte, error) {
	b := v.tx.Bucket([]byte(table))
	if b == nil {
		return nil, ErrUninitialized
	}
	val := b.Get(key)
	if val == nil {
		return nil, types.NewError(types.KindNonexist, fmt.Sprintf("key %q not found in %s", key, table))
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

// ForEach iterates every key/value pair in table. A missing table yields no
// iterations and no error.
func (v *ViewTx) ForEach(table string, fn func(key, value []byte) error) error {
	b := v.tx.Bucket([]byte(table))
	if b == nil {
		return nil
	}
	return b.ForEach(fn)
}

// Count returns the number of keys in table, 0 if the table is absent.
func (v *ViewTx) Count(table string) int {
	b := v.tx.Bucket([]byte(table))
	if b == nil {
		return 0
	}
	return b.Stats().KeyN
}
