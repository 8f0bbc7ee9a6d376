// Package rcg implements the resource-control-group manager: creation,
// recovery scan, teardown, per-controller writes and device filtering
// for both the legacy (per-controller hierarchy) and unified (single
// hierarchy) resource-control variants.
package rcg

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-set/v3"
)

// Mode is the resource-control-group variant active on this node.
type Mode byte

const (
	Off Mode = iota
	Legacy
	Unified
	Hybrid
)

func (m Mode) String() string {
	switch m {
	case Legacy:
		return "legacy"
	case Unified:
		return "unified"
	case Hybrid:
		return "hybrid"
	default:
		return "off"
	}
}

var (
	detectedMode Mode
	detectOnce   sync.Once
)

// DetectMode probes /proc/self/mountinfo exactly once per process and
// caches the result.
func DetectMode() Mode {
	detectOnce.Do(func() {
		detectedMode = detect()
	})
	return detectedMode
}

func detect() Mode {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return Off
	}
	defer f.Close()
	return scanMountinfo(f)
}

// scanMountinfo decides Legacy/Unified/Hybrid by looking for the
// /sys/fs/cgroup mount and, separately, any cgroup2 mount anywhere
// (hybrid systems mount cgroup2 alongside the v1 tmpfs root).
func scanMountinfo(r io.Reader) Mode {
	sawV1Root := false
	sawV2 := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := set.From(strings.Fields(scanner.Text()))
		if fields.Contains("/sys/fs/cgroup") && fields.Contains("tmpfs") {
			sawV1Root = true
		}
		if fields.Contains("cgroup2") {
			sawV2 = true
		}
	}

	switch {
	case sawV1Root && sawV2:
		return Hybrid
	case sawV2:
		return Unified
	case sawV1Root:
		return Legacy
	default:
		return Off
	}
}

// RequiredLegacyControllers must be mounted for Legacy mode to init.
var RequiredLegacyControllers = []string{"cpu", "memory", "devices"}

// OptionalLegacyControllers are warned about, but their absence is not fatal.
var OptionalLegacyControllers = []string{"blkio", "freezer", "cpuacct"}

// RequiredUnifiedControllers must be enabled for Unified mode to init.
var RequiredUnifiedControllers = []string{"cpu", "memory", "io"}

// OptionalUnifiedControllers are warned about, but their absence is not fatal.
var OptionalUnifiedControllers = []string{"cpuset", "pids"}
