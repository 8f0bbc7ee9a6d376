//go:build linux

package rcg

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	runccgroups "github.com/opencontainers/runc/libcontainer/cgroups"
	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/structs"
)

// legacyPeriod is the fixed cfs_period_us paired with the computed
// cfs_quota_us share, per spec.md §4.1 ("period = 65536").
const legacyPeriod = 65536

// legacyRoot is the mount point of the cgroup v1 tmpfs hierarchy.
var legacyRoot = "/sys/fs/cgroup"

// legacyMountedControllers reports which of the known v1 controllers are
// mounted under legacyRoot.
func legacyMountedControllers() []string {
	var mounted []string
	for _, c := range append(append([]string{}, RequiredLegacyControllers...), OptionalLegacyControllers...) {
		if info, err := os.Stat(filepath.Join(legacyRoot, c)); err == nil && info.IsDir() {
			mounted = append(mounted, c)
		}
	}
	return mounted
}

func legacyControllerPath(controller, name string) string {
	return filepath.Join(legacyRoot, controller, Parent(), name)
}

// legacyCreate creates (idempotently) one directory per mounted
// controller for the RCG named name.
func legacyCreate(name string, controllers []string) (map[string]string, error) {
	paths := make(map[string]string, len(controllers))
	for _, c := range controllers {
		p := legacyControllerPath(c, name)
		if err := os.MkdirAll(p, 0755); err != nil {
			return nil, craneerr.Wrap(craneerr.KindCgroupError, fmt.Errorf("create %s cgroup: %w", c, err))
		}
		paths[c] = p
	}
	return paths, nil
}

// legacyApplyLimits writes CPU share/period and memory (and optional
// swap) limits to the cpu and memory controllers.
func legacyApplyLimits(paths map[string]string, env structs.ResourceEnvelope) error {
	if p, ok := paths["cpu"]; ok {
		quota := int64(math.Round(legacyPeriod * env.CPUCores))
		if err := writeFile(filepath.Join(p, "cpu.cfs_period_us"), fmt.Sprintf("%d", legacyPeriod)); err != nil {
			return craneerr.Wrap(craneerr.KindCgroupError, err)
		}
		if err := writeFile(filepath.Join(p, "cpu.cfs_quota_us"), fmt.Sprintf("%d", quota)); err != nil {
			return craneerr.Wrap(craneerr.KindCgroupError, err)
		}
	}
	if p, ok := paths["memory"]; ok {
		if err := writeFile(filepath.Join(p, "memory.limit_in_bytes"), fmt.Sprintf("%d", env.MemoryLimit)); err != nil {
			return craneerr.Wrap(craneerr.KindCgroupError, err)
		}
		if env.HasSwapLimit {
			total := env.MemoryLimit + env.SwapLimit
			if err := writeFile(filepath.Join(p, "memory.memsw.limit_in_bytes"), fmt.Sprintf("%d", total)); err != nil {
				return craneerr.Wrap(craneerr.KindCgroupError, err)
			}
		}
	}
	return nil
}

// legacyDenyLine formats a devices.deny entry: "type major:minor access".
func legacyDenyLine(r FilterRule) string {
	t := "a"
	switch r.Type {
	case structs.DeviceChar:
		t = "c"
	case structs.DeviceBlock:
		t = "b"
	}
	access := ""
	if r.Access&AccessRead != 0 {
		access += "r"
	}
	if r.Access&AccessWrite != 0 {
		access += "w"
	}
	if r.Access&AccessMknod != 0 {
		access += "m"
	}
	major := "*"
	if r.Major != math.MaxUint32 {
		major = fmt.Sprintf("%d", r.Major)
	}
	minor := "*"
	if r.Minor != math.MaxUint32 {
		minor = fmt.Sprintf("%d", r.Minor)
	}
	return fmt.Sprintf("%s %s:%s %s", t, major, minor, access)
}

// legacyApplyDeviceDeny writes one deny line per excluded device to the
// devices subsystem's devices.deny file.
func legacyApplyDeviceDeny(paths map[string]string, deny []FilterRule) error {
	p, ok := paths["devices"]
	if !ok {
		return nil
	}
	for _, r := range deny {
		if err := writeFile(filepath.Join(p, "devices.deny"), legacyDenyLine(r)); err != nil {
			return craneerr.Wrap(craneerr.KindCgroupError, err)
		}
	}
	return nil
}

func legacyAttach(paths map[string]string, pid int) error {
	m := make(map[string]string, len(paths))
	for c, p := range paths {
		m[c] = p
	}
	if err := runccgroups.EnterPid(m, pid); err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	return nil
}

// legacyRemove removes each controller directory for the RCG. It fails
// (leaving the RCG in place for a later recovery-scan retry) if any
// directory is non-empty.
func legacyRemove(paths map[string]string) error {
	var allPaths []string
	for _, p := range paths {
		allPaths = append(allPaths, p)
	}
	if err := runccgroups.RemovePaths(pathSliceToMap(allPaths)); err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	return nil
}

func pathSliceToMap(paths []string) map[string]string {
	m := make(map[string]string, len(paths))
	for i, p := range paths {
		m[fmt.Sprintf("ctrl%d", i)] = p
	}
	return m
}

func legacyListExisting(controller string) ([]string, error) {
	root := filepath.Join(legacyRoot, controller, Parent())
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

// legacyEnsureParent creates the top-level parent cgroup directory for
// every mounted controller, mirroring cgroupslib.Init's CG1 branch.
func legacyEnsureParent(logger hclog.Logger, controllers []string) {
	for _, c := range controllers {
		p := filepath.Join(legacyRoot, c, Parent())
		if err := os.MkdirAll(p, 0755); err != nil {
			logger.Error("failed to create parent cgroup", "controller", c, "error", err)
		}
	}
}
