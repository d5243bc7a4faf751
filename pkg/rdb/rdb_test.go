package rdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolfabric/poolsvc/pkg/types"
)

// Note: these tests drive a real single-node raft instance against a temp
// directory. Skipped in -short mode for the same reason warren's scheduler
// tests are: BoltDB's legacy checkptr use trips the race detector on
// recent Go toolchains.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft-backed test in short mode")
	}

	d, err := Create(Config{
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
	require.True(t, d.IsLeader(), "rdb failed to elect itself leader")
	return d
}

func TestCommitThenViewReadsBack(t *testing.T) {
	d := newTestDB(t)

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	tx.Put("pool", []byte("uid"), []byte("1000"))
	require.NoError(t, tx.Commit())

	err = d.View(func(v *ViewTx) error {
		val, err := v.Get("pool", []byte("uid"))
		require.NoError(t, err)
		assert.Equal(t, "1000", string(val))
		return nil
	})
	require.NoError(t, err)
}

func TestGetOnUninitializedTable(t *testing.T) {
	d := newTestDB(t)

	err := d.View(func(v *ViewTx) error {
		_, err := v.Get("nosuchtable", []byte("k"))
		assert.ErrorIs(t, err, ErrUninitialized)
		return nil
	})
	require.NoError(t, err)
}

func TestGetMissingKeyInExistingTable(t *testing.T) {
	d := newTestDB(t)

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	tx.Put("pool", []byte("present"), []byte("v"))
	require.NoError(t, tx.Commit())

	err = d.View(func(v *ViewTx) error {
		_, err := v.Get("pool", []byte("absent"))
		assert.True(t, types.Is(err, types.KindNonexist))
		assert.NotErrorIs(t, err, ErrUninitialized)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteRemovesKey(t *testing.T) {
	d := newTestDB(t)

	tx, _ := d.Begin(d.Term())
	tx.Put("handles", []byte("h1"), []byte("v1"))
	require.NoError(t, tx.Commit())

	tx, _ = d.Begin(d.Term())
	tx.Delete("handles", []byte("h1"))
	require.NoError(t, tx.Commit())

	err := d.View(func(v *ViewTx) error {
		assert.Equal(t, 0, v.Count("handles"))
		return nil
	})
	require.NoError(t, err)
}

func TestAbortDiscardsBufferedWrites(t *testing.T) {
	d := newTestDB(t)

	tx, err := d.Begin(d.Term())
	require.NoError(t, err)
	tx.Put("pool", []byte("k"), []byte("v"))
	tx.Abort()

	err = d.View(func(v *ViewTx) error {
		_, err := v.Get("pool", []byte("k"))
		assert.ErrorIs(t, err, ErrUninitialized)
		return nil
	})
	require.NoError(t, err)
}
