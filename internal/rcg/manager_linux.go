//go:build linux

package rcg

import (
	"github.com/hashicorp/go-hclog"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/structs"
)

// NewManager probes the kernel for the active resource-control variant
// and validates that the required controllers are present. Hybrid mode
// is rejected, matching spec.md §4.1.
func NewManager(logger hclog.Logger, deviceFiltering bool) (*Manager, error) {
	logger = logger.Named("rcg")
	mode := DetectMode()

	m := &Manager{
		logger:          logger,
		mode:            mode,
		deviceFiltering: deviceFiltering,
		handles:         map[structs.JobID]*Handle{},
	}

	switch mode {
	case Legacy:
		m.controllers = legacyMountedControllers()
		if err := m.checkRequired(RequiredLegacyControllers); err != nil {
			return nil, err
		}
		warnMissing(logger, OptionalLegacyControllers, m.controllers)
		legacyEnsureParent(logger, m.controllers)
	case Unified:
		m.controllers = unifiedMountedControllers()
		if err := m.checkRequired(RequiredUnifiedControllers); err != nil {
			return nil, err
		}
		warnMissing(logger, OptionalUnifiedControllers, m.controllers)
		if err := unifiedEnsureParent(); err != nil {
			return nil, craneerr.Wrap(craneerr.KindCgroupError, err)
		}
	case Hybrid:
		return nil, craneerr.New(craneerr.KindCgroupError, "hybrid cgroup mode is not supported")
	default:
		return nil, craneerr.New(craneerr.KindCgroupError, "no cgroup hierarchy detected")
	}

	logger.Info("resource-control-group manager initialized", "mode", mode.String(), "controllers", m.controllers)
	return m, nil
}
