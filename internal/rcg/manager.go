package rcg

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/structs"
)

// Manager owns every RCG on this node: creation, recovery scan,
// teardown, per-controller writes and device filtering (spec.md §4.1).
type Manager struct {
	logger      hclog.Logger
	mode        Mode
	controllers []string // mounted/enabled controllers, legacy or unified

	deviceFiltering bool

	handles  map[structs.JobID]*Handle
}

func (m *Manager) checkRequired(required []string) error {
	have := set.From(m.controllers)
	for _, c := range required {
		if !have.Contains(c) {
			return craneerr.New(craneerr.KindCgroupError, "required controller %q not mounted", c)
		}
	}
	return nil
}

func warnMissing(logger hclog.Logger, optional, have []string) {
	haveSet := set.From(have)
	for _, c := range optional {
		if !haveSet.Contains(c) {
			logger.Warn("optional controller not mounted", "controller", c)
		}
	}
}

// Allocate creates (or, if recover is true, wraps) the RCG for jobID
// and applies the envelope's limits, per spec.md §4.1.
func (m *Manager) Allocate(jobID structs.JobID, env structs.ResourceEnvelope, recover bool) (*Handle, error) {
	if h, ok := m.handles[jobID]; ok {
		return h, nil
	}

	name := structs.RCGName(jobID)
	h := &Handle{JobID: jobID, Mode: m.mode, recovered: recover}

	switch m.mode {
	case Legacy:
		paths, err := legacyCreate(name, m.controllers)
		if err != nil {
			return nil, err
		}
		h.Paths = paths
		h.Controllers = m.controllers
		if !recover {
			if err := legacyApplyLimits(paths, env); err != nil {
				return nil, err
			}
			if rules := denyRulesFor(env); len(rules) > 0 {
				if err := legacyApplyDeviceDeny(paths, rules); err != nil {
					return nil, err
				}
				h.FilterRules = rules
			}
		} else {
			h.FilterRules = denyRulesFor(env)
		}
	case Unified:
		path, err := unifiedCreate(name)
		if err != nil {
			return nil, err
		}
		h.Paths = map[string]string{"unified": path}
		h.Controllers = m.controllers
		if !recover {
			if err := unifiedApplyLimits(path, env); err != nil {
				return nil, err
			}
			if m.deviceFiltering {
				if rules := denyRulesFor(env); len(rules) > 0 {
					if err := attachDeviceFilter(h, rules); err != nil {
						return nil, err
					}
				}
			}
		} else {
			// Recovery never mutates limits; rebuild the rule vector so
			// teardown can reverse it, but do not re-attach the program
			// (spec.md §4.1: "handle wraps an existing RCG without
			// mutating limits").
			h.FilterRules = denyRulesFor(env)
			if inode, err := unifiedInode(path); err == nil {
				h.CgroupInode = inode
			}
		}
	default:
		return nil, craneerr.New(craneerr.KindCgroupError, "unsupported mode %v", m.mode)
	}

	m.handles[jobID] = h
	return h, nil
}

// denyRulesFor computes the deny list for every device-file NOT present
// in the allocation's dedicated device set, per spec.md §4.1
// ("installs a deny list for every device-file that is NOT in the
// allocation"). If no devices were explicitly allocated, no deny rules
// are produced (dedicated resources are opt-in filtering).
func denyRulesFor(env structs.ResourceEnvelope) []FilterRule {
	if len(env.Devices) == 0 {
		return nil
	}
	allowed := set.New[string](len(env.Devices))
	for _, d := range env.Devices {
		allowed.Insert(fmt.Sprintf("%d:%d", d.Major, d.Minor))
	}

	var rules []FilterRule
	for _, candidate := range knownDeviceFiles() {
		key := fmt.Sprintf("%d:%d", candidate.Major, candidate.Minor)
		if allowed.Contains(key) {
			continue
		}
		rules = append(rules, FilterRule{
			Major:  candidate.Major,
			Minor:  candidate.Minor,
			Type:   candidate.DevType,
			Access: AccessRead | AccessWrite | AccessMknod,
			Action: ActionDeny,
		})
	}
	return rules
}

// discoveredDevices holds the node's device inventory, as produced by
// the out-of-core device discovery helper (spec.md §1, "device
// discovery helpers (only their outputs ... enter the core)") and set
// through RegisterDeviceInventory. Nothing in the Agent calls
// RegisterDeviceInventory, so unless another caller does, the inventory
// is empty and denyRulesFor produces no rules.
var discoveredDevices []structs.DedicatedDevice

// RegisterDeviceInventory records the node's full dedicated-device
// inventory, as produced by the (out-of-core) device discovery helper.
func RegisterDeviceInventory(devices []structs.DedicatedDevice) {
	discoveredDevices = devices
}

func knownDeviceFiles() []structs.DedicatedDevice {
	return discoveredDevices
}

// Attach writes pid to the RCG's task/procs file (spec.md §4.1). The
// Agent does not call it: the Supervisor places its own child (see
// AttachPID).
func (m *Manager) Attach(jobID structs.JobID, pid int) error {
	h, ok := m.handles[jobID]
	if !ok {
		return craneerr.New(craneerr.KindNonExistent, "no RCG for job %d", jobID)
	}
	switch h.Mode {
	case Legacy:
		return legacyAttach(h.Paths, pid)
	case Unified:
		return unifiedAttach(h.Paths["unified"], pid)
	default:
		return craneerr.New(craneerr.KindCgroupError, "unsupported mode %v", h.Mode)
	}
}

// Release removes the RCG directory for jobID. If the directory is
// non-empty the call reports failure and the RCG is left in place for
// a subsequent recovery scan to retry (spec.md §4.1).
func (m *Manager) Release(jobID structs.JobID) error {
	h, ok := m.handles[jobID]
	if !ok {
		return nil
	}

	if h.Mode == Unified && m.deviceFiltering {
		if err := detachDeviceFilter(h); err != nil {
			m.logger.Warn("failed to detach device filter, will retry on next recovery scan", "job", jobID, "error", err)
			return err
		}
	}

	var err error
	switch h.Mode {
	case Legacy:
		err = legacyRemove(h.Paths)
	case Unified:
		err = unifiedRemove(h.Paths["unified"])
	}
	if err != nil {
		return err
	}

	delete(m.handles, jobID)
	return nil
}

// EnvFor returns the resource-derived environment variables for a job:
// CRANE_MEM_PER_NODE plus device-specific variables, per spec.md §4.1.
func (m *Manager) EnvFor(jobID structs.JobID, env structs.ResourceEnvelope) map[string]string {
	out := map[string]string{
		"CRANE_MEM_PER_NODE": fmt.Sprintf("%d", env.MemoryLimit/(1024*1024)),
	}
	if visible := visibleDeviceEnv(env.Devices); len(visible) > 0 {
		for k, v := range visible {
			out[k] = v
		}
	}
	return out
}

// visibleDeviceEnv produces device-specific environment variables (e.g.
// CUDA_VISIBLE_DEVICES) filtered to the allocation, grouped by slot
// type.
func visibleDeviceEnv(devices []structs.DedicatedDevice) map[string]string {
	if len(devices) == 0 {
		return nil
	}
	byType := map[string][]string{}
	for _, d := range devices {
		byType[d.SlotType] = append(byType[d.SlotType], d.SlotID)
	}
	out := map[string]string{}
	for slotType, ids := range byType {
		switch slotType {
		case "GPU":
			out["CUDA_VISIBLE_DEVICES"] = joinComma(ids)
		default:
			out[fmt.Sprintf("CRANE_%s_VISIBLE_DEVICES", slotType)] = joinComma(ids)
		}
	}
	return out
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// RecoveryScan walks the controller root(s), matches directory names
// against Crane_Task_(\d+), and removes every match whose job id is not
// in survivingJobs (spec.md §4.1).
func (m *Manager) RecoveryScan(survivingJobs *set.Set[structs.JobID]) error {
	names, err := m.listExistingRCGs()
	if err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}

	var errs *multierror.Error
	for _, name := range names {
		id, ok := ParseRCGName(name)
		if !ok {
			continue
		}
		if survivingJobs.Contains(id) {
			continue
		}

		m.logger.Info("removing stale resource-control group", "job", id)
		if err := m.removeStale(name, id); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if m.mode == Unified && m.deviceFiltering {
		m.sweepPinsForSurvivors(survivingJobs)
	}
	return errs.ErrorOrNil()
}

// sweepPinsForSurvivors resolves each surviving job's cgroup inode and
// asks sweepOrphanedPins to remove any pinned device-filter map-backing
// file (spec.md §4.1) that doesn't belong to one of them — the ones a
// crashed Agent unloaded the program for but never got to unpin.
func (m *Manager) sweepPinsForSurvivors(survivingJobs *set.Set[structs.JobID]) {
	survivingInodes := make(map[uint64]bool, survivingJobs.Size())
	for _, id := range survivingJobs.Slice() {
		path := unifiedPath(structs.RCGName(id))
		if inode, err := unifiedInode(path); err == nil {
			survivingInodes[inode] = true
		}
	}
	sweepOrphanedPins(survivingInodes)
}

func (m *Manager) listExistingRCGs() ([]string, error) {
	switch m.mode {
	case Legacy:
		// Any one mounted controller's directory listing is sufficient
		// since all controllers are created/removed together.
		if len(m.controllers) == 0 {
			return nil, nil
		}
		return legacyListExisting(m.controllers[0])
	case Unified:
		return unifiedListExisting()
	default:
		return nil, nil
	}
}

func (m *Manager) removeStale(name string, id structs.JobID) error {
	switch m.mode {
	case Legacy:
		paths, err := legacyCreate(name, m.controllers) // resolves paths; a missing controller directory is created, then removed below
		if err != nil {
			return err
		}
		return legacyRemove(paths)
	case Unified:
		path := unifiedPath(name)
		if m.deviceFiltering {
			if inode, err := unifiedInode(path); err == nil {
				evictByInode(inode)
			}
		}
		return unifiedRemove(path)
	default:
		return nil
	}
}

// AttachPID writes pid into the RCG described by mode/paths without
// requiring an in-memory Manager or Handle. The Supervisor does not
// call it: it receives mode and paths in its ExecuteTask request and
// places its child before exec itself, through CLONE_INTO_CGROUP under
// unified mode and through the CgroupInitArg re-exec (RunCgroupInit)
// under legacy mode.
func AttachPID(mode Mode, paths map[string]string, pid int) error {
	switch mode {
	case Legacy:
		return legacyAttach(paths, pid)
	case Unified:
		return unifiedAttach(paths["unified"], pid)
	default:
		return craneerr.New(craneerr.KindCgroupError, "unsupported mode %v", mode)
	}
}

// Handle returns the in-memory handle for jobID, if any.
func (m *Manager) Handle(jobID structs.JobID) (*Handle, bool) {
	h, ok := m.handles[jobID]
	return h, ok
}

// Mode reports the active resource-control-group variant.
func (m *Manager) Mode() Mode { return m.mode }
