// Package schema layers the Pool Service's typed metadata layout over
// pkg/rdb's generic table/key/value store, the same way the teacher's
// storage.Store interface layers typed CRUD methods over a raw BoltDB
// bucket set (see cuemby/warren pkg/storage). Every accessor here is a thin
// marshal/unmarshal wrapper; pkg/poolsvc never touches *rdb.Tx directly.
package schema

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"sort"

	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// Table names for the single-pool RDB keyspace.
const (
	tablePool    = "pool"    // scalar fields: map_version, map_buffer, uid, gid, mode
	tableHandles = "handles" // key: handle UUID, value: gob(types.HandleRecord)
	tableAttrs   = "attrs"   // key: attribute name, value: raw bytes
)

var (
	keyMapVersion = []byte("map_version")
	keyMapBuffer  = []byte("map_buffer")
	keyMapUUIDs   = []byte("map_uuids")
	keyUID        = []byte("uid")
	keyGID        = []byte("gid")
	keyMode       = []byte("mode")
	keyNHandles   = []byte("nhandles")
)

// WriteMap persists the pool map's version and packed buffer atomically with
// whatever else the caller has staged on tx.
func WriteMap(tx *rdb.Tx, version uint32, buf []byte) {
	var vb [4]byte
	binary.LittleEndian.PutUint32(vb[:], version)
	tx.Put(tablePool, keyMapVersion, vb[:])
	tx.Put(tablePool, keyMapBuffer, buf)
}

// ReadMap returns the committed pool map version and packed buffer.
// Returns rdb.ErrUninitialized if the pool has never been created.
func ReadMap(v *rdb.ViewTx) (version uint32, buf []byte, err error) {
	vb, err := v.Get(tablePool, keyMapVersion)
	if err != nil {
		return 0, nil, err
	}
	buf, err = v.Get(tablePool, keyMapBuffer)
	if err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint32(vb), buf, nil
}

// WriteMapUUIDs persists the pool's target UUID list as 16*N raw bytes,
// sorted, the root-KVS layout named in spec.md §4.2/§6.
func WriteMapUUIDs(tx *rdb.Tx, uuids []types.UUID) {
	sorted := make([]types.UUID, len(uuids))
	copy(sorted, uuids)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })

	buf := make([]byte, 0, len(sorted)*16)
	for _, id := range sorted {
		buf = append(buf, id[:]...)
	}
	tx.Put(tablePool, keyMapUUIDs, buf)
}

// ReadMapUUIDs returns the pool's persisted target UUID list.
func ReadMapUUIDs(v *rdb.ViewTx) ([]types.UUID, error) {
	raw, err := v.Get(tablePool, keyMapUUIDs)
	if err != nil {
		return nil, err
	}
	if len(raw)%16 != 0 {
		return nil, types.NewError(types.KindIO, "map_uuids value is not a multiple of 16 bytes")
	}
	out := make([]types.UUID, len(raw)/16)
	for i := range out {
		copy(out[i][:], raw[i*16:(i+1)*16])
	}
	return out, nil
}

// WriteAttributes persists the pool's (uid, gid, mode) triple, written once
// at CREATE time and never again.
func WriteAttributes(tx *rdb.Tx, a types.Attributes) {
	var ub, gb, mb [8]byte
	binary.LittleEndian.PutUint64(ub[:], uint64(a.UID))
	binary.LittleEndian.PutUint64(gb[:], uint64(a.GID))
	binary.LittleEndian.PutUint64(mb[:], uint64(a.Mode))
	tx.Put(tablePool, keyUID, ub[:])
	tx.Put(tablePool, keyGID, gb[:])
	tx.Put(tablePool, keyMode, mb[:])
}

// ReadAttributes returns the pool's persisted (uid, gid, mode) triple.
func ReadAttributes(v *rdb.ViewTx) (types.Attributes, error) {
	ub, err := v.Get(tablePool, keyUID)
	if err != nil {
		return types.Attributes{}, err
	}
	gb, err := v.Get(tablePool, keyGID)
	if err != nil {
		return types.Attributes{}, err
	}
	mb, err := v.Get(tablePool, keyMode)
	if err != nil {
		return types.Attributes{}, err
	}
	return types.Attributes{
		UID:  uint32(binary.LittleEndian.Uint64(ub)),
		GID:  uint32(binary.LittleEndian.Uint64(gb)),
		Mode: types.Mode(binary.LittleEndian.Uint64(mb)),
	}, nil
}

// ReadNHandles returns the number of open handles, or 0 if never written
// (a fresh pool has no handles yet, which is a valid steady state, not
// KindNonexist).
func ReadNHandles(v *rdb.ViewTx) (uint32, error) {
	b, err := v.Get(tablePool, keyNHandles)
	if err != nil {
		if err == rdb.ErrUninitialized {
			return 0, nil
		}
		if types.Is(err, types.KindNonexist) {
			return 0, nil
		}
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteNHandles persists the handle count.
func WriteNHandles(tx *rdb.Tx, n uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	tx.Put(tablePool, keyNHandles, b[:])
}

func handleKey(id types.UUID) []byte { return id[:] }

// PutHandle inserts or updates one handle record.
func PutHandle(tx *rdb.Tx, id types.UUID, rec types.HandleRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return types.WrapError(types.KindIO, "encode handle record", err)
	}
	tx.Put(tableHandles, handleKey(id), buf.Bytes())
	return nil
}

// GetHandle looks up one handle record by UUID.
func GetHandle(v *rdb.ViewTx, id types.UUID) (types.HandleRecord, error) {
	raw, err := v.Get(tableHandles, handleKey(id))
	if err != nil {
		return types.HandleRecord{}, err
	}
	var rec types.HandleRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return types.HandleRecord{}, types.WrapError(types.KindIO, "decode handle record", err)
	}
	return rec, nil
}

// DeleteHandle removes one handle record.
func DeleteHandle(tx *rdb.Tx, id types.UUID) {
	tx.Delete(tableHandles, handleKey(id))
}

// ListHandles returns every open handle's id and record. Order is
// unspecified, matching the underlying BoltDB bucket iteration order.
func ListHandles(v *rdb.ViewTx) (map[types.UUID]types.HandleRecord, error) {
	out := make(map[types.UUID]types.HandleRecord)
	err := v.ForEach(tableHandles, func(k, val []byte) error {
		var id types.UUID
		copy(id[:], k)
		var rec types.HandleRecord
		if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&rec); err != nil {
			return types.WrapError(types.KindIO, "decode handle record", err)
		}
		out[id] = rec
		return nil
	})
	return out, err
}

// HandleCount returns the number of entries in the handle table itself,
// used to check the nhandles == |handle table| invariant independently of
// the cached counter.
func HandleCount(v *rdb.ViewTx) int { return v.Count(tableHandles) }

// PutAttr, GetAttr, DeleteAttr, ListAttrs implement the user-defined
// attribute KVS backing ATTR_SET/GET/LIST.
func PutAttr(tx *rdb.Tx, name string, value []byte) {
	tx.Put(tableAttrs, []byte(name), value)
}

func GetAttr(v *rdb.ViewTx, name string) ([]byte, error) {
	return v.Get(tableAttrs, []byte(name))
}

func DeleteAttr(tx *rdb.Tx, name string) {
	tx.Delete(tableAttrs, []byte(name))
}

func ListAttrs(v *rdb.ViewTx) ([]string, error) {
	var names []string
	err := v.ForEach(tableAttrs, func(k, _ []byte) error {
		names = append(names, string(k))
		return nil
	})
	return names, err
}

// targetUUIDFile and rdbUUIDFile name the bootstrap sidecar files written
// alongside a pool's RDB data directory, mirroring DSM_META_FILE's raw
// 16-byte target UUID plus its sibling "<rdb-file>-uuid" RDB UUID file
// (spec.md §6).
const (
	targetUUIDFile = "target-uuid"
	rdbUUIDFile    = "raft-log.db-uuid"
)

// WriteBootstrapSidecar writes the two fixed-size identity files a freshly
// bootstrapped pool replica needs on disk: dataDir/target-uuid (the pool's
// target UUID) and dataDir/raft-log.db-uuid (the RDB UUID), each 16 raw
// bytes, each fsync'd before return so a crash right after bootstrap can't
// leave a half-written identity file behind.
func WriteBootstrapSidecar(dataDir string, targetUUID, rdbUUID types.UUID) error {
	if err := writeUUIDFile(filepath.Join(dataDir, targetUUIDFile), targetUUID); err != nil {
		return err
	}
	return writeUUIDFile(filepath.Join(dataDir, rdbUUIDFile), rdbUUID)
}

// ReadBootstrapSidecar reads back the identity files WriteBootstrapSidecar
// wrote.
func ReadBootstrapSidecar(dataDir string) (targetUUID, rdbUUID types.UUID, err error) {
	targetUUID, err = readUUIDFile(filepath.Join(dataDir, targetUUIDFile))
	if err != nil {
		return types.NilUUID, types.NilUUID, err
	}
	rdbUUID, err = readUUIDFile(filepath.Join(dataDir, rdbUUIDFile))
	if err != nil {
		return types.NilUUID, types.NilUUID, err
	}
	return targetUUID, rdbUUID, nil
}

func writeUUIDFile(path string, id types.UUID) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return types.WrapError(types.KindIO, "create bootstrap sidecar file", err)
	}
	defer f.Close()
	if _, err := f.Write(id[:]); err != nil {
		return types.WrapError(types.KindIO, "write bootstrap sidecar file", err)
	}
	if err := f.Sync(); err != nil {
		return types.WrapError(types.KindIO, "fsync bootstrap sidecar file", err)
	}
	return nil
}

func readUUIDFile(path string) (types.UUID, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NilUUID, rdb.ErrUninitialized
		}
		return types.NilUUID, types.WrapError(types.KindIO, "read bootstrap sidecar file", err)
	}
	if len(raw) != 16 {
		return types.NilUUID, types.NewError(types.KindIO, "bootstrap sidecar file is not 16 bytes")
	}
	var id types.UUID
	copy(id[:], raw)
	return id, nil
}
