package handles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poolfabric/poolsvc/pkg/types"
)

func TestAdmitFirstHandleAlwaysAllowed(t *testing.T) {
	table := Table{}
	skip, err := Admit(table, types.NewUUID(), types.CapExclusive)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestAdmitReconnectSameCapasSkipsUpdate(t *testing.T) {
	id := types.NewUUID()
	table := Table{id: {Capas: types.CapReadWrite}}
	skip, err := Admit(table, id, types.CapReadWrite)
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestAdmitReconnectDifferentCapasIsExist(t *testing.T) {
	id := types.NewUUID()
	table := Table{id: {Capas: types.CapReadOnly}}
	_, err := Admit(table, id, types.CapReadWrite)
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindExist))
}

func TestAdmitNewExclusiveWhenHandlesOpenIsBusy(t *testing.T) {
	table := Table{types.NewUUID(): {Capas: types.CapReadOnly}}
	_, err := Admit(table, types.NewUUID(), types.CapExclusive)
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindBusy))
}

func TestAdmitNewSharedWhenExclusiveOpenIsBusy(t *testing.T) {
	table := Table{types.NewUUID(): {Capas: types.CapExclusive}}
	_, err := Admit(table, types.NewUUID(), types.CapReadOnly)
	require.Error(t, err)
	assert.True(t, types.Is(err, types.KindBusy))
}

func TestAdmitNewSharedWhenOnlySharedOpenIsAllowed(t *testing.T) {
	table := Table{types.NewUUID(): {Capas: types.CapReadOnly}}
	skip, err := Admit(table, types.NewUUID(), types.CapReadWrite)
	require.NoError(t, err)
	assert.False(t, skip)
}

func TestCheckInvariant(t *testing.T) {
	table := Table{types.NewUUID(): {}, types.NewUUID(): {}}
	assert.True(t, CheckInvariant(2, table))
	assert.False(t, CheckInvariant(1, table))
}
