package rdb

import (
	"bytes"
	"encoding/gob"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

// op is one write buffered inside a Tx and replicated as part of a Command.
type op struct {
	Delete bool
	Table  string
	Key    []byte
	Value  []byte
}

// command is the unit of replication: one or more ops applied atomically.
type command struct {
	Ops []op
}

// fsm replicates a generic table/key/value store, the same way the Pool
// Service's RDB layers a typed metadata schema over a generic replicated
// KVS. Applied commands are written straight into the local BoltDB file
// that backs reads on this replica.
type fsm struct {
	mu sync.RWMutex
	db *bolt.DB
}

func newFSM(db *bolt.DB) *fsm {
	return &fsm{db: db}
}

func (f *fsm) Apply(l *raft.Log) interface{} {
	var cmd command
	if err := gob.NewDecoder(bytes.NewReader(l.Data)).Decode(&cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := f.db.Update(func(tx *bolt.Tx) error {
		for _, o := range cmd.Ops {
			b, err := tx.CreateBucketIfNotExists([]byte(o.Table))
			if err != nil {
				return err
			}
			if o.Delete {
				if err := b.Delete(o.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(o.Key, o.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}

// snapshot is a point-in-time dump of every table, keyed by table name.
type snapshot struct {
	Tables map[string]map[string][]byte
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	snap := &snapshot{Tables: make(map[string]map[string][]byte)}
	err := f.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			table := make(map[string][]byte)
			err := b.ForEach(func(k, v []byte) error {
				cp := make([]byte, len(v))
				copy(cp, v)
				table[string(k)] = cp
				return nil
			})
			if err != nil {
				return err
			}
			snap.Tables[string(name)] = table
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	if err := gob.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *snapshot) Release() {}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshot
	if err := gob.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.db.Update(func(tx *bolt.Tx) error {
		if err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			return tx.DeleteBucket(name)
		}); err != nil {
			return err
		}
		for table, kvs := range snap.Tables {
			b, err := tx.CreateBucketIfNotExists([]byte(table))
			if err != nil {
				return err
			}
			for k, v := range kvs {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
