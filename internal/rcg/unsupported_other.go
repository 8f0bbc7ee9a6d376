//go:build !linux

package rcg

import (
	"github.com/hashicorp/go-hclog"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/structs"
)

// NewManager on non-Linux platforms always fails: resource-control
// groups are a Linux kernel facility.
func NewManager(logger hclog.Logger, deviceFiltering bool) (*Manager, error) {
	return nil, craneerr.New(craneerr.KindCgroupError, "resource-control groups are only supported on linux")
}

func legacyEnsureParent(hclog.Logger, []string)                 {}
func legacyMountedControllers() []string                        { return nil }
func unifiedMountedControllers() []string                       { return nil }
func unifiedEnsureParent() error                                { return nil }
func legacyCreate(string, []string) (map[string]string, error)  { return nil, nil }
func legacyApplyLimits(map[string]string, structs.ResourceEnvelope) error { return nil }
func legacyApplyDeviceDeny(map[string]string, []FilterRule) error         { return nil }
func legacyAttach(map[string]string, int) error                 { return nil }
func legacyRemove(map[string]string) error                      { return nil }
func legacyListExisting(string) ([]string, error)                { return nil, nil }
func unifiedCreate(string) (string, error)                       { return "", nil }
func unifiedApplyLimits(string, structs.ResourceEnvelope) error  { return nil }
func unifiedAttach(string, int) error                            { return nil }
func unifiedRemove(string) error                                 { return nil }
func unifiedListExisting() ([]string, error)                     { return nil, nil }
func unifiedInode(string) (uint64, error)                        { return 0, nil }
func unifiedPath(name string) string                             { return name }
func attachDeviceFilter(*Handle, []FilterRule) error              { return nil }
func detachDeviceFilter(*Handle) error                            { return nil }
func evictByInode(uint64)                                         {}
func sweepOrphanedPins(map[uint64]bool)                           {}
