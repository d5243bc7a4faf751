package types

import (
	"github.com/google/uuid"
)

// UUID is a 16-byte identifier, used for pool, handle and target-owning
// node identities throughout the Pool Service.
type UUID [16]byte

// NilUUID is the zero-value UUID, never a valid pool, handle or node id.
var NilUUID UUID

// RebuildSentinelHandle is the well-known handle id the rebuild subsystem
// uses when issuing its own internal QUERY calls (spec.md §4.4 QUERY), so
// it can read rebuild/map state without first opening a real pool handle.
var RebuildSentinelHandle = UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func NewUUID() UUID {
	return UUID(uuid.New())
}

func (u UUID) String() string {
	return uuid.UUID(u).String()
}

func (u UUID) IsNil() bool {
	return u == NilUUID
}

func ParseUUID(s string) (UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilUUID, WrapError(KindInval, "parse uuid", err)
	}
	return UUID(id), nil
}

// TargetStatus is the small enum driving target state transitions. Valid
// transitions are deterministic on (current status, requested opcode), see
// poolmap.ApplyUpdate.
type TargetStatus uint8

const (
	TargetUp TargetStatus = iota
	TargetUpIn
	TargetDown
	TargetDownOut
	TargetNew
)

func (s TargetStatus) String() string {
	switch s {
	case TargetUp:
		return "UP"
	case TargetUpIn:
		return "UP_IN"
	case TargetDown:
		return "DOWN"
	case TargetDownOut:
		return "DOWN_OUT"
	case TargetNew:
		return "NEW"
	default:
		return "UNKNOWN"
	}
}

// UpdateOpcode is the set of membership-change operations the Update RPC
// (spec §4.4) and poolmap.ApplyUpdate accept.
type UpdateOpcode uint8

const (
	OpExclude UpdateOpcode = iota
	OpExcludeOut
	OpAdd
	OpAddIn
)

// Capability bits requested on a pool handle.
type Capability uint64

const (
	CapReadOnly  Capability = 1 << 0
	CapReadWrite Capability = 1 << 1
	CapExclusive Capability = 1 << 2
)

func (c Capability) HasExclusive() bool { return c&CapExclusive != 0 }

// NBITS is the width of each capability triplet (user/group/other) packed
// into a pool's access mode, mirroring the DAOS pool_attr layout.
const NBITS = 16

// Mode packs three NBITS-wide capability triplets: user, group, other, from
// least to most significant.
type Mode uint64

// Permitted returns whether reqBits is a subset of the capability bits
// selected for (uid, gid) against (poolUID, poolGID, mode), using the
// precedence user > group > other.
func Permitted(poolUID, poolGID, reqUID, reqGID uint32, mode Mode, reqBits Capability) bool {
	var shift uint
	switch {
	case reqUID == poolUID:
		shift = 0
	case reqGID == poolGID:
		shift = NBITS
	default:
		shift = NBITS * 2
	}
	mask := Capability((uint64(1) << NBITS) - 1)
	permitted := Capability(uint64(mode)>>shift) & mask
	return reqBits&^permitted == 0
}

// Attributes are the pool's persisted (uid, gid, mode) triple, written once
// at CREATE time.
type Attributes struct {
	UID  uint32
	GID  uint32
	Mode Mode
}

// HandleRecord is the persisted value for one open pool handle.
type HandleRecord struct {
	Capas Capability
}

// RebuildStatus as embedded in CONNECT/QUERY replies.
type RebuildStatus struct {
	Version int32
	State   string // e.g. "idle", "scanning", "rebuilding", "done"
	Errno   int32
}

// LeaderHint is returned on every reply once the service has observed an
// RDB term, so clients driving rechoose loops can re-target the leader.
type LeaderHint struct {
	Term  uint64
	Rank  string
	Flags uint32
}
