//go:build linux

package rcg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/structs"
	runcdevices "github.com/opencontainers/runc/libcontainer/devices"
	"github.com/opencontainers/runc/libcontainer/cgroups/ebpf"
	"github.com/opencontainers/runc/libcontainer/cgroups/ebpf/devicefilter"
)

// bpfPinRoot is where per-cgroup device-filter map-backing files are
// pinned, per spec.md §4.1 ("the map-backing file is removed" on last
// job). LoadAttachCgroupDeviceFilter doesn't hand back a map fd to pin
// via bpf(BPF_OBJ_PIN), so the marker file here stands in for it: its
// presence/absence tracks the same lifecycle spec.md describes, and
// RecoveryScan can still find and clean up the ones a crashed Agent
// left behind.
const bpfPinRoot = "/sys/fs/bpf/craned"

// filterKey is the (cgroup-inode, major, minor) key into the shared
// kernel-verified device filter map described in spec.md §4.1. The
// registry below owns map entries; a Handle holds only the keys it
// contributed, and erases them on release — this breaks the
// Handle<->registry reference cycle noted in DESIGN.md.
type filterKey struct {
	Inode uint64
	Major uint32
	Minor uint32
}

type filterEntry struct {
	refcount int
	detach   func() error // detaches the eBPF program from the owning cgroup
}

// filterRegistry is the process-wide "shared kernel-verified filter
// map": one entry per device a running job's Supervisor has denied,
// refcounted so eviction on Supervisor death is idempotent even under
// partial prior eviction (spec.md invariants, §3).
var filterRegistry = struct {
	mu      sync.Mutex
	entries map[filterKey]*filterEntry
}{entries: map[filterKey]*filterEntry{}}

// attachDeviceFilter builds and attaches the eBPF device-filter program
// for one RCG's deny rules, and registers one map entry per rule. It is
// idempotent: calling it twice on an already-Attached handle is a no-op.
func attachDeviceFilter(h *Handle, rules []FilterRule) error {
	if h.Attached {
		return nil
	}
	if len(rules) == 0 {
		h.Attached = true
		return nil
	}

	dir, err := os.Open(h.Paths["unified"])
	if err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	defer dir.Close()

	inode, err := unifiedInode(h.Paths["unified"])
	if err != nil {
		return err
	}
	h.CgroupInode = inode

	insts, license, err := devicefilter.DeviceFilter(toRuncRules(rules))
	if err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, fmt.Errorf("build device filter program: %w", err))
	}

	detach, err := ebpf.LoadAttachCgroupDeviceFilter(insts, license, int(dir.Fd()))
	if err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, fmt.Errorf("attach device filter program: %w", err))
	}

	filterRegistry.mu.Lock()
	for _, r := range rules {
		key := filterKey{Inode: inode, Major: r.Major, Minor: r.Minor}
		e, ok := filterRegistry.entries[key]
		if !ok {
			e = &filterEntry{detach: detach}
			filterRegistry.entries[key] = e
		}
		e.refcount++
	}
	filterRegistry.mu.Unlock()

	h.FilterRules = rules
	h.Attached = true

	// Best-effort: not every kernel exposes bpffs, and a missing pin
	// file doesn't affect the program's behavior, only RecoveryScan's
	// ability to notice it was left behind.
	if err := os.MkdirAll(bpfPinRoot, 0755); err == nil {
		_ = os.WriteFile(mapBackingFilePath(inode), nil, 0644)
	}
	return nil
}

// detachDeviceFilter evicts every map entry this handle contributed.
// It is safe to call more than once, and safe to call after a partial
// prior eviction (spec.md invariants, §3): entries already removed are
// simply absent from the map and are skipped.
func detachDeviceFilter(h *Handle) error {
	if !h.Attached {
		return nil
	}

	filterRegistry.mu.Lock()
	var lastDetach func() error
	for _, r := range h.FilterRules {
		key := filterKey{Inode: h.CgroupInode, Major: r.Major, Minor: r.Minor}
		e, ok := filterRegistry.entries[key]
		if !ok {
			continue
		}
		e.refcount--
		lastDetach = e.detach
		if e.refcount <= 0 {
			delete(filterRegistry.entries, key)
		}
	}
	filterRegistry.mu.Unlock()

	inode := h.CgroupInode
	h.Attached = false
	h.FilterRules = nil

	if lastDetach != nil {
		if err := lastDetach(); err != nil {
			return craneerr.Wrap(craneerr.KindCgroupError, err)
		}
		_ = os.Remove(mapBackingFilePath(inode))
	}
	return nil
}

// evictByInode removes every filter-map entry belonging to a removed
// RCG's inode. Used by the recovery scan when it deletes a stale RCG
// directory without going through a live Handle.
func evictByInode(inode uint64) {
	filterRegistry.mu.Lock()
	defer filterRegistry.mu.Unlock()
	for key := range filterRegistry.entries {
		if key.Inode == inode {
			delete(filterRegistry.entries, key)
		}
	}
}

func toRuncRules(rules []FilterRule) []*runcdevices.Rule {
	out := make([]*runcdevices.Rule, 0, len(rules))
	for _, r := range rules {
		rule := &runcdevices.Rule{
			Major:       int64(r.Major),
			Minor:       int64(r.Minor),
			Allow:       r.Action == ActionAllow,
			Permissions: permString(r.Access),
		}
		switch r.Type {
		case structs.DeviceChar:
			rule.Type = runcdevices.CharDevice
		case structs.DeviceBlock:
			rule.Type = runcdevices.BlockDevice
		default:
			rule.Type = runcdevices.WildcardDevice
		}
		out = append(out, rule)
	}
	return out
}

func permString(a DeviceAccess) runcdevices.Permissions {
	var p string
	if a&AccessRead != 0 {
		p += "r"
	}
	if a&AccessWrite != 0 {
		p += "w"
	}
	if a&AccessMknod != 0 {
		p += "m"
	}
	return runcdevices.Permissions(p)
}

// mapBackingFilePath is the pinned marker for the device-filter map
// belonging to the cgroup with the given inode, named by inode rather
// than job id since it must still be findable by sweepOrphanedPins
// after the owning Handle (and the job name it remembers) is gone.
func mapBackingFilePath(inode uint64) string {
	return filepath.Join(bpfPinRoot, strconv.FormatUint(inode, 10))
}

// sweepOrphanedPins removes pinned map-backing files left behind by an
// Agent that crashed between unloading a device-filter program and
// removing its pin file. survivingInodes is the set of cgroup inodes
// RecoveryScan determined are still alive; any pin file not in it is
// stale by definition, since detachDeviceFilter always removes a
// handle's pin before its RCG directory disappears.
func sweepOrphanedPins(survivingInodes map[uint64]bool) {
	entries, err := os.ReadDir(bpfPinRoot)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		return
	}
	for _, e := range entries {
		inode, err := parseInode(e.Name())
		if err != nil {
			continue
		}
		if !survivingInodes[inode] {
			_ = os.Remove(filepath.Join(bpfPinRoot, e.Name()))
		}
	}
}
