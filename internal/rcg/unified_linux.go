//go:build linux

package rcg

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/structs"
	runccgroups "github.com/opencontainers/runc/libcontainer/cgroups"
)

// unifiedRoot is the single cgroup2 mount point.
var unifiedRoot = "/sys/fs/cgroup"

func unifiedPath(name string) string {
	return filepath.Join(unifiedRoot, Parent(), name)
}

// unifiedMountedControllers inspects cgroup.controllers under the
// craned parent to see which controllers are available for delegation.
func unifiedMountedControllers() []string {
	b, err := os.ReadFile(filepath.Join(unifiedRoot, Parent(), "cgroup.controllers"))
	if err != nil {
		return nil
	}
	return splitFields(string(b))
}

func splitFields(s string) []string {
	var out []string
	field := ""
	for _, c := range s {
		if c == ' ' || c == '\n' || c == '\t' {
			if field != "" {
				out = append(out, field)
				field = ""
			}
			continue
		}
		field += string(c)
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

// unifiedEnsureParent creates the craned.slice directory and activates
// the controllers we need in cgroup.subtree_control, mirroring
// cgroupslib.Init's CG2 branch.
func unifiedEnsureParent() error {
	p := filepath.Join(unifiedRoot, Parent())
	if err := os.MkdirAll(p, 0755); err != nil {
		return err
	}
	needed := append(append([]string{}, RequiredUnifiedControllers...), OptionalUnifiedControllers...)
	var activation string
	for _, c := range needed {
		activation += "+" + c + " "
	}
	return os.WriteFile(filepath.Join(unifiedRoot, "cgroup.subtree_control"), []byte(activation), 0644)
}

func unifiedCreate(name string) (string, error) {
	p := unifiedPath(name)
	if err := os.MkdirAll(p, 0755); err != nil {
		return "", craneerr.Wrap(craneerr.KindCgroupError, fmt.Errorf("create unified cgroup: %w", err))
	}
	return p, nil
}

func unifiedApplyLimits(path string, env structs.ResourceEnvelope) error {
	quota := int64(math.Round(legacyPeriod * env.CPUCores))
	cpuMax := fmt.Sprintf("%d %d", quota, legacyPeriod)
	if err := writeFile(filepath.Join(path, "cpu.max"), cpuMax); err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	if err := writeFile(filepath.Join(path, "memory.max"), fmt.Sprintf("%d", env.MemoryLimit)); err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	if env.HasSwapLimit {
		if err := writeFile(filepath.Join(path, "memory.swap.max"), fmt.Sprintf("%d", env.SwapLimit)); err != nil {
			return craneerr.Wrap(craneerr.KindCgroupError, err)
		}
	}
	return nil
}

func unifiedAttach(path string, pid int) error {
	if err := writeFile(filepath.Join(path, "cgroup.procs"), strconv.Itoa(pid)); err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	return nil
}

func unifiedRemove(path string) error {
	if err := runccgroups.RemovePath(path); err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	return nil
}

func unifiedListExisting() ([]string, error) {
	root := filepath.Join(unifiedRoot, Parent())
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

// unifiedInode returns the inode number of the cgroup directory, used
// as the first component of the device-filter map key.
func unifiedInode(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, craneerr.Wrap(craneerr.KindCgroupError, err)
	}
	return st.Ino, nil
}

func parseInode(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
