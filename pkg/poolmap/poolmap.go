// Package poolmap implements the in-memory pool topology tree described in
// the Pool Service specification: a versioned forest of domains, nodes and
// targets, built from (and serialized back to) a packed wire buffer.
//
// The authoritative Map lives on the pool service instance and is swapped
// under its own RW-lock on every committed membership change; producers
// elsewhere (bulk transfer, query replies) only ever hold a Ref()'d shared
// view, grounded on the refcounted-snapshot shape the corpus uses for
// cluster state handed out to concurrent readers.
package poolmap

import (
	"sync/atomic"

	"github.com/poolfabric/poolsvc/pkg/types"
)

// Domain is one fault domain (e.g. a rack).
type Domain struct {
	Ordinal uint32
	ChildNr uint32
	Status  uint8
	Version uint32
	Fseq    uint32
}

// Node is one rank, parented to a domain by index.
type Node struct {
	Rank      uint32
	DomainIdx uint32
	TargetNr  uint32
	Version   uint32
	Fseq      uint32
}

// Target is one I/O stream on a node, parented to the node by index.
type Target struct {
	ID      uint32
	NodeIdx uint32
	Status  types.TargetStatus
	Version uint32
	Fseq    uint32
}

// Map is a versioned, reference-counted pool topology tree.
type Map struct {
	version uint32

	domains []Domain
	nodes   []Node
	targets []Target

	// targetBase[i] is the index into targets of node i's first owned
	// target; targets for a node occupy a contiguous [targetBase[i],
	// targetBase[i]+nodes[i].TargetNr) range, enforced at Build time.
	targetBase []int
	targetByID map[uint32]int

	refs int32
}

// Version returns the map's current version.
func (m *Map) Version() uint32 { return atomic.LoadUint32(&m.version) }

// Ref increments the map's shared-ownership refcount and returns m, so
// callers can write `v := m.Ref()` when handing out a view to a concurrent
// reader (e.g. an in-flight bulk transfer) that must outlive a cache swap.
func (m *Map) Ref() *Map {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Release decrements the refcount. Go's GC reclaims the backing memory once
// nothing references it; Release exists so the reference-counting discipline
// spec.md §9 calls for is visible and testable, not to free anything by hand.
func (m *Map) Release() {
	atomic.AddInt32(&m.refs, -1)
}

func (m *Map) RefCount() int32 { return atomic.LoadInt32(&m.refs) }

// Domains, Nodes, Targets return read-only views of the map's components.
func (m *Map) Domains() []Domain { return m.domains }
func (m *Map) Nodes() []Node     { return m.nodes }
func (m *Map) Targets() []Target { return m.targets }

// FindTargetsByRankAndIndex returns every target at position idx within a
// node owning the given rank. Most pool maps have at most one node per rank,
// so the result is usually 0 or 1 entries; 0 means the address isn't in the
// map.
func (m *Map) FindTargetsByRankAndIndex(rank uint32, idx uint32) []Target {
	var out []Target
	for ni, n := range m.nodes {
		if n.Rank != rank {
			continue
		}
		if idx >= n.TargetNr {
			continue
		}
		ti := m.targetBase[ni] + int(idx)
		if ti < 0 || ti >= len(m.targets) {
			continue
		}
		out = append(out, m.targets[ti])
	}
	return out
}

// targetIndex returns the slice index of the target with the given id, or
// -1 if absent.
func (m *Map) targetIndex(id uint32) int {
	if i, ok := m.targetByID[id]; ok {
		return i
	}
	return -1
}

// clone makes a deep, independent copy of m's component slices so
// ApplyUpdate can mutate without racing readers of the original.
func (m *Map) clone() *Map {
	c := &Map{
		version:    m.version,
		domains:    append([]Domain(nil), m.domains...),
		nodes:      append([]Node(nil), m.nodes...),
		targets:    append([]Target(nil), m.targets...),
		targetBase: append([]int(nil), m.targetBase...),
		targetByID: make(map[uint32]int, len(m.targetByID)),
	}
	for k, v := range m.targetByID {
		c.targetByID[k] = v
	}
	return c
}

// transition returns the next status for a target currently in `from` when
// opcode is applied, and whether that counts as an actual transition.
func transition(from types.TargetStatus, op types.UpdateOpcode) (types.TargetStatus, bool) {
	switch op {
	case types.OpExclude:
		if from == types.TargetUp || from == types.TargetUpIn {
			return types.TargetDown, true
		}
	case types.OpExcludeOut:
		if from == types.TargetDown {
			return types.TargetDownOut, true
		}
	case types.OpAdd:
		if from == types.TargetDownOut || from == types.TargetNew {
			return types.TargetUp, true
		}
	case types.OpAddIn:
		if from == types.TargetUp {
			return types.TargetUpIn, true
		}
	}
	return from, false
}

// ApplyUpdate applies opcode to the named targets, returning a new Map
// (the receiver is left untouched) and whether the version actually
// advanced. Unknown target ids are ignored silently.
func ApplyUpdate(m *Map, targetIDs []uint32, op types.UpdateOpcode) (*Map, bool) {
	next := m.clone()
	changed := false

	for _, id := range targetIDs {
		ti := next.targetIndex(id)
		if ti < 0 {
			continue
		}
		t := &next.targets[ti]
		newStatus, did := transition(t.Status, op)
		if !did {
			continue
		}
		t.Status = newStatus
		t.Version = next.version + 1
		if op == types.OpExclude {
			// A new failure event: bump the fail-sequence.
			t.Fseq++
		}
		changed = true
	}

	if !changed {
		return m, false
	}
	next.version = m.version + 1
	return next, true
}
