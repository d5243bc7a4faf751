package poolsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping raft-backed test in short mode")
	}

	db, err := rdb.Create(rdb.Config{
		PoolID:   types.NewUUID(),
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for i := 0; i < 50; i++ {
		if db.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.True(t, db.IsLeader())

	svc := New(types.NewUUID(), db)
	require.NoError(t, svc.Start())
	return svc
}

func testDomains() []poolmap.DomainSpec {
	return []poolmap.DomainSpec{
		{Nodes: []poolmap.NodeSpec{{Rank: 0, TargetNr: 2}, {Rank: 1, TargetNr: 2}}},
	}
}

// testTargetUUIDs returns one UUID per target declared by testDomains, the
// arity CreateRequest.TargetUUIDs must match.
func testTargetUUIDs() []types.UUID {
	ids := make([]types.UUID, 4)
	for i := range ids {
		ids[i] = types.NewUUID()
	}
	return ids
}

func TestCreateIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: 0700}

	r1, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r1.MapVersion)

	r2, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)
	assert.Equal(t, r1.MapVersion, r2.MapVersion, "retried create must not bump the map version")
}

func TestConnectAdmitsThenBusyOnExclusiveConflict(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite | types.CapExclusive))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	h1 := types.NewUUID()
	_, err = svc.Connect(ConnectRequest{HandleID: h1, UID: 1000, GID: 100, Capas: types.CapReadWrite})
	require.NoError(t, err)

	h2 := types.NewUUID()
	_, err = svc.Connect(ConnectRequest{HandleID: h2, UID: 1000, GID: 100, Capas: types.CapExclusive})
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindBusy))
}

func TestConnectDeniesUnpermittedCapability(t *testing.T) {
	svc := newTestService(t)
	// Owner-only read-write, no group/other bits.
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	_, err = svc.Connect(ConnectRequest{HandleID: types.NewUUID(), UID: 2000, GID: 999, Capas: types.CapReadOnly})
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindNoPerm))
}

func TestDisconnectOnUnknownHandleIsNoop(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	_, err = svc.Disconnect(DisconnectRequest{HandleID: types.NewUUID()})
	assert.NoError(t, err)
}

func TestConnectThenDisconnectMaintainsNHandlesInvariant(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	h := types.NewUUID()
	_, err = svc.Connect(ConnectRequest{HandleID: h, UID: 1000, GID: 100, Capas: types.CapReadWrite})
	require.NoError(t, err)

	table, n, err := svc.readHandleState()
	require.NoError(t, err)
	assert.EqualValues(t, len(table), n)

	_, err = svc.Disconnect(DisconnectRequest{HandleID: h})
	require.NoError(t, err)

	table, n, err = svc.readHandleState()
	require.NoError(t, err)
	assert.EqualValues(t, len(table), n)
	assert.Equal(t, 0, len(table))
}

func TestUpdateExcludeThenQueryReportsNewVersion(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	created, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	h := types.NewUUID()
	_, err = svc.Connect(ConnectRequest{HandleID: h, UID: 1000, GID: 100, Capas: types.CapReadWrite})
	require.NoError(t, err)

	ur, err := svc.Update(UpdateRequest{Addrs: []TargetAddress{{Rank: 0, Idx: 0}}, Op: types.OpExclude})
	require.NoError(t, err)
	assert.Equal(t, created.MapVersion+1, ur.MapVersion)
	assert.Empty(t, ur.Unresolved)

	qr, err := svc.Query(QueryRequest{HandleID: h})
	require.NoError(t, err)
	assert.Equal(t, ur.MapVersion, qr.MapVersion)
}

func TestUpdateReportsUnresolvedAddressWithoutFailing(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	ur, err := svc.Update(UpdateRequest{
		Addrs: []TargetAddress{{Rank: 0, Idx: 0}, {Rank: 99, Idx: 0}},
		Op:    types.OpExclude,
	})
	require.NoError(t, err)
	require.Len(t, ur.Unresolved, 1)
	assert.Equal(t, uint32(99), ur.Unresolved[0].Rank)
}

func TestQueryRequiresOpenHandle(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	_, err = svc.Query(QueryRequest{HandleID: types.NewUUID()})
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindNoHandle))
}

func TestCreateRejectsTargetUUIDArityMismatch(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}

	_, err := svc.Create(CreateRequest{
		Domains:     testDomains(),
		Attrs:       attrs,
		TargetUUIDs: testTargetUUIDs()[:2], // testDomains declares 4 targets
	})
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindProto))
}

func TestConnectTruncatedBufferReturnsRequiredSize(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	tableBefore, nBefore, err := svc.readHandleState()
	require.NoError(t, err)

	h := types.NewUUID()
	_, err = svc.Connect(ConnectRequest{HandleID: h, UID: 1000, GID: 100, Capas: types.CapReadWrite, BufSize: 1})
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindTrunc))
	perr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Greater(t, perr.RequiredSize, 1)

	tableAfter, nAfter, err := svc.readHandleState()
	require.NoError(t, err)
	assert.Equal(t, len(tableBefore), len(tableAfter), "truncated bulk transfer must not mutate handle metadata")
	assert.Equal(t, nBefore, nAfter)
}

func TestConnectAfterLeaderLossReturnsNotLeader(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	require.NoError(t, svc.db.Close()) // simulate an RDB step-down before commit

	_, err = svc.Connect(ConnectRequest{HandleID: types.NewUUID(), UID: 1000, GID: 100, Capas: types.CapReadWrite})
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindNotLeader))
}

func TestQueryAcceptsRebuildSentinelHandleWithoutOpenHandle(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	_, err = svc.Query(QueryRequest{HandleID: types.RebuildSentinelHandle})
	assert.NoError(t, err)
}

func TestStopDrainsBeforeTearingDown(t *testing.T) {
	svc := newTestService(t)
	attrs := types.Attributes{UID: 1000, GID: 100, Mode: types.Mode(uint64(types.CapReadWrite))}
	_, err := svc.Create(CreateRequest{Domains: testDomains(), Attrs: attrs, TargetUUIDs: testTargetUUIDs()})
	require.NoError(t, err)

	term, _, err := svc.AcquireLeaderRef()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = svc.StopHandler()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("stop must block while a leader reference is outstanding")
	default:
	}

	_ = term
	svc.ReleaseLeaderRef()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not complete after leader ref released")
	}
	assert.Equal(t, StateDown, svc.State())
}
