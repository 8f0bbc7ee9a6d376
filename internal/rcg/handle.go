package rcg

import (
	"github.com/cranesched/craned/internal/structs"
)

// DeviceAccess is a bitmask of {read, write, mknod} access granted or
// denied for one device-filter key.
type DeviceAccess uint8

const (
	AccessRead  DeviceAccess = 1 << 0
	AccessWrite DeviceAccess = 1 << 1
	AccessMknod DeviceAccess = 1 << 2
)

type FilterAction int

const (
	ActionAllow FilterAction = iota
	ActionDeny
)

// FilterRule is one {major, minor, type, access, action} entry, the key
// into the shared kernel-verified device filter map under unified mode,
// or a "type major:minor rwm" deny line under legacy mode.
type FilterRule struct {
	Major  uint32
	Minor  uint32
	Type   structs.DeviceType
	Access DeviceAccess
	Action FilterAction
}

// Handle is an in-memory handle to one job's RCG. It is the unit the
// Job Manager holds; dropping it (via Manager.Release) tears the RCG
// down when empty, or defers to the next recovery scan otherwise.
type Handle struct {
	JobID       structs.JobID
	Mode        Mode
	Controllers []string // mounted controllers this RCG spans

	// Unified-only: device filtering state.
	CgroupInode uint64
	FilterRules []FilterRule
	Attached    bool // the eBPF program has been attached exactly once

	// Paths, one per controller under Legacy, one directory under Unified.
	Paths map[string]string

	recovered bool // true if this handle wraps a pre-existing RCG
}

func (h *Handle) Name() string { return structs.RCGName(h.JobID) }
