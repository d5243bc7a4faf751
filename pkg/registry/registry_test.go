package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/poolsvc"
	"github.com/poolfabric/poolsvc/pkg/types"
)

func TestLookupMissingReturnsFalse(t *testing.T) {
	r := New()
	_, ok := r.Lookup(types.NewUUID())
	assert.False(t, ok)
}

func TestRegisterThenLookup(t *testing.T) {
	r := New()
	id := types.NewUUID()
	svc := poolsvc.New(id, (*rdb.DB)(nil))
	r.Register(id, svc)

	got, ok := r.Lookup(id)
	assert.True(t, ok)
	assert.Same(t, svc, got)
	assert.Equal(t, 1, r.Count())
}

func TestRemove(t *testing.T) {
	r := New()
	id := types.NewUUID()
	r.Register(id, poolsvc.New(id, (*rdb.DB)(nil)))
	r.Remove(id)

	_, ok := r.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestList(t *testing.T) {
	r := New()
	a, b := types.NewUUID(), types.NewUUID()
	r.Register(a, poolsvc.New(a, (*rdb.DB)(nil)))
	r.Register(b, poolsvc.New(b, (*rdb.DB)(nil)))

	ids := r.List()
	assert.ElementsMatch(t, []types.UUID{a, b}, ids)
}
