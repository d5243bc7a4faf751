package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolfabric/poolsvc/pkg/poolmap"
	"github.com/poolfabric/poolsvc/pkg/types"
)

func testMap(t *testing.T) *poolmap.Map {
	t.Helper()
	m, err := poolmap.NewInitial([]poolmap.DomainSpec{
		{Nodes: []poolmap.NodeSpec{{Rank: 0, TargetNr: 2}}},
	})
	require.NoError(t, err)
	return m
}

func TestSubscribeReceivesBroadcastMap(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	poolID := types.NewUUID()
	m := testMap(t)
	require.NoError(t, b.BroadcastMap(poolID, m))

	select {
	case e := <-sub:
		assert.Equal(t, EventMapUpdate, e.Type)
		assert.Equal(t, poolID, e.PoolID)
		assert.Equal(t, m.Version(), e.Version)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the map update event")
	}
}

func TestBroadcastConnectAndDisconnectEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	poolID, handleID := types.NewUUID(), types.NewUUID()
	require.NoError(t, b.BroadcastConnect(poolID, handleID, types.CapReadWrite))

	select {
	case e := <-sub:
		assert.Equal(t, EventTargetConnect, e.Type)
		assert.Equal(t, handleID, e.HandleID)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the connect event")
	}

	require.NoError(t, b.BroadcastDisconnect(poolID, handleID))
	select {
	case e := <-sub:
		assert.Equal(t, EventTargetDisconnect, e.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the disconnect event")
	}
}

func TestFullSubscriberBufferDropsRatherThanBlocks(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe() // buffered 64, never drained
	defer b.Unsubscribe(sub)

	poolID := types.NewUUID()
	for i := 0; i < 200; i++ {
		require.NoError(t, b.BroadcastConnect(poolID, types.NewUUID(), types.CapReadOnly))
	}

	// The publisher must never block even though nobody drains sub.
	assert.Eventually(t, func() bool { return true }, time.Second, 10*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "unsubscribe must close the channel")
}

func TestBulkPutRejectsUndersizedBuffer(t *testing.T) {
	m := testMap(t)
	dst := make([]byte, 4)
	n, required, err := BulkPut(m, dst)
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindTrunc))
	assert.Equal(t, 0, n)
	assert.Greater(t, required, 4)
}

func TestBulkPutCopiesIntoSufficientBuffer(t *testing.T) {
	m := testMap(t)
	buf, err := poolmap.ExtractBuffer(m)
	require.NoError(t, err)

	dst := make([]byte, len(buf))
	n, required, err := BulkPut(m, dst)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, len(buf), required)
	assert.Equal(t, buf, dst)
}
