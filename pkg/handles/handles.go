// Package handles implements the Pool Service's handle admission policy:
// the exclusive-open check and nhandles bookkeeping that CONNECT and
// DISCONNECT apply against the handle table in pkg/schema. Split out of
// pkg/poolsvc so the admission rule (the part ported from DAOS's
// ds_pool_connect_handler) is unit-testable without a running RDB.
package handles

import (
	"github.com/poolfabric/poolsvc/pkg/types"
)

// Table is a read-only view of the currently open handles, satisfied by
// pkg/schema.ListHandles's result or a test fixture.
type Table map[types.UUID]types.HandleRecord

// Admit decides whether a new handle with the given UUID and requested
// capabilities may be admitted into table.
//
// Mirrors srv_pool.c's ds_pool_connect_handler: a handle reconnecting with
// the UUID of an existing entry and identical capabilities is accepted as a
// no-op (skipUpdate); identical UUID with different capabilities is
// -DER_EXIST; otherwise, if any handle is already open, a new exclusive
// request is BUSY, and an existing exclusive handle makes ANY new request
// BUSY regardless of what it asks for.
func Admit(table Table, id types.UUID, capas types.Capability) (skipUpdate bool, err error) {
	if existing, ok := table[id]; ok {
		if existing.Capas == capas {
			return true, nil
		}
		return false, types.NewError(types.KindExist, "handle already open with different capabilities")
	}

	if len(table) == 0 {
		return false, nil
	}

	if capas.HasExclusive() {
		return false, types.NewError(types.KindBusy, "pool has open handles, exclusive open denied")
	}
	for _, rec := range table {
		if rec.Capas.HasExclusive() {
			return false, types.NewError(types.KindBusy, "pool has an exclusive handle open")
		}
	}
	return false, nil
}

// CheckInvariant reports whether the cached handle count matches the
// handle table's actual size, the Pool Service's nhandles invariant
// (spec.md testable property: nhandles == |handle table|).
func CheckInvariant(nhandles uint32, table Table) bool {
	return int(nhandles) == len(table)
}
