package rcg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cranesched/craned/internal/structs"
)

func TestParseRCGName(t *testing.T) {
	id, ok := ParseRCGName("Crane_Task_42")
	require.True(t, ok)
	require.Equal(t, structs.JobID(42), id)

	_, ok = ParseRCGName("nomad-reserve.slice")
	require.False(t, ok)

	_, ok = ParseRCGName("Crane_Task_")
	require.False(t, ok)

	_, ok = ParseRCGName("Crane_Task_7x")
	require.False(t, ok)
}

func TestScanMountinfoModes(t *testing.T) {
	legacy := `24 30 0:22 / /sys/fs/cgroup rw,nosuid,nodev,noexec shared:9 - tmpfs tmpfs rw,mode=755`
	require.Equal(t, Legacy, scanMountinfo(strings.NewReader(legacy)))

	unified := `24 30 0:22 / /sys/fs/cgroup rw,nosuid,nodev,noexec shared:9 - cgroup2 cgroup2 rw,nsdelegate`
	require.Equal(t, Unified, scanMountinfo(strings.NewReader(unified)))

	require.Equal(t, Off, scanMountinfo(strings.NewReader("")))
}
