package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/types"
)

func newTestDB(t *testing.T) *rdb.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft-backed test in short mode")
	}
	d, err := rdb.Create(rdb.Config{
		PoolID:   types.NewUUID(),
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	for i := 0; i < 50; i++ {
		if d.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.True(t, d.IsLeader())
	return d
}

func TestAttributesRoundTrip(t *testing.T) {
	d := newTestDB(t)

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	WriteAttributes(tx, types.Attributes{UID: 1000, GID: 100, Mode: 0700})
	require.NoError(t, tx.Commit())

	err = d.View(func(v *rdb.ViewTx) error {
		a, err := ReadAttributes(v)
		require.NoError(t, err)
		assert.Equal(t, uint32(1000), a.UID)
		assert.Equal(t, uint32(100), a.GID)
		assert.Equal(t, types.Mode(0700), a.Mode)
		return nil
	})
	require.NoError(t, err)
}

func TestMapRoundTrip(t *testing.T) {
	d := newTestDB(t)
	buf := []byte{1, 2, 3, 4}

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	WriteMap(tx, 7, buf)
	require.NoError(t, tx.Commit())

	err = d.View(func(v *rdb.ViewTx) error {
		version, got, err := ReadMap(v)
		require.NoError(t, err)
		assert.Equal(t, uint32(7), version)
		assert.Equal(t, buf, got)
		return nil
	})
	require.NoError(t, err)
}

func TestHandleLifecycleAndNHandlesInvariant(t *testing.T) {
	d := newTestDB(t)
	id := types.NewUUID()

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	require.NoError(t, PutHandle(tx, id, types.HandleRecord{Capas: types.CapReadWrite}))
	WriteNHandles(tx, 1)
	require.NoError(t, tx.Commit())

	err = d.View(func(v *rdb.ViewTx) error {
		n, err := ReadNHandles(v)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), n)
		assert.Equal(t, 1, HandleCount(v))

		rec, err := GetHandle(v, id)
		require.NoError(t, err)
		assert.Equal(t, types.CapReadWrite, rec.Capas)
		return nil
	})
	require.NoError(t, err)

	tx, err = d.Begin(d.Term())
	require.NoError(t, err)
	DeleteHandle(tx, id)
	WriteNHandles(tx, 0)
	require.NoError(t, tx.Commit())

	err = d.View(func(v *rdb.ViewTx) error {
		n, err := ReadNHandles(v)
		require.NoError(t, err)
		assert.EqualValues(t, n, HandleCount(v))
		return nil
	})
	require.NoError(t, err)
}

func TestNHandlesDefaultsToZeroBeforeFirstWrite(t *testing.T) {
	d := newTestDB(t)
	err := d.View(func(v *rdb.ViewTx) error {
		n, err := ReadNHandles(v)
		require.NoError(t, err)
		assert.Equal(t, uint32(0), n)
		return nil
	})
	require.NoError(t, err)
}

func TestMapUUIDsRoundTripSorted(t *testing.T) {
	d := newTestDB(t)

	a, b, c := types.NewUUID(), types.NewUUID(), types.NewUUID()
	unsorted := []types.UUID{c, a, b}

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	WriteMapUUIDs(tx, unsorted)
	require.NoError(t, tx.Commit())

	err = d.View(func(v *rdb.ViewTx) error {
		got, err := ReadMapUUIDs(v)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i := 1; i < len(got); i++ {
			assert.LessOrEqual(t, string(got[i-1][:]), string(got[i][:]), "map_uuids must be persisted sorted")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBootstrapSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	targetUUID := types.NewUUID()
	rdbUUID := types.NewUUID()

	require.NoError(t, WriteBootstrapSidecar(dir, targetUUID, rdbUUID))

	gotTarget, gotRDB, err := ReadBootstrapSidecar(dir)
	require.NoError(t, err)
	assert.Equal(t, targetUUID, gotTarget)
	assert.Equal(t, rdbUUID, gotRDB)
}

func TestAttrsSetGetDeleteList(t *testing.T) {
	d := newTestDB(t)

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	PutAttr(tx, "rf", []byte("3"))
	PutAttr(tx, "label", []byte("tier1"))
	require.NoError(t, tx.Commit())

	err = d.View(func(v *rdb.ViewTx) error {
		val, err := GetAttr(v, "rf")
		require.NoError(t, err)
		assert.Equal(t, "3", string(val))

		names, err := ListAttrs(v)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"rf", "label"}, names)
		return nil
	})
	require.NoError(t, err)

	tx, err = d.Begin(d.Term())
	require.NoError(t, err)
	DeleteAttr(tx, "rf")
	require.NoError(t, tx.Commit())

	err = d.View(func(v *rdb.ViewTx) error {
		_, err := GetAttr(v, "rf")
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}
