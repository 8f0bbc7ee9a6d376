//go:build linux

package rcg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cranesched/craned/internal/structs"
)

func TestDenyRulesForExcludesEverythingButAllocated(t *testing.T) {
	old := discoveredDevices
	defer func() { discoveredDevices = old }()

	RegisterDeviceInventory([]structs.DedicatedDevice{
		{SlotType: "GPU", SlotID: "/dev/nvidia0", Major: 195, Minor: 0, DevType: structs.DeviceChar},
		{SlotType: "GPU", SlotID: "/dev/nvidia1", Major: 195, Minor: 1, DevType: structs.DeviceChar},
	})

	env := structs.ResourceEnvelope{
		Devices: []structs.DedicatedDevice{
			{SlotType: "GPU", SlotID: "/dev/nvidia0", Major: 195, Minor: 0, DevType: structs.DeviceChar},
		},
	}

	rules := denyRulesFor(env)
	require.Len(t, rules, 1)
	require.Equal(t, uint32(195), rules[0].Major)
	require.Equal(t, uint32(1), rules[0].Minor)
	require.Equal(t, ActionDeny, rules[0].Action)
}

func TestDenyRulesForNoAllocationIsNoOp(t *testing.T) {
	old := discoveredDevices
	defer func() { discoveredDevices = old }()
	RegisterDeviceInventory([]structs.DedicatedDevice{
		{SlotType: "GPU", SlotID: "/dev/nvidia0", Major: 195, Minor: 0},
	})

	rules := denyRulesFor(structs.ResourceEnvelope{})
	require.Empty(t, rules)
}

func TestLegacyDenyLineFormat(t *testing.T) {
	line := legacyDenyLine(FilterRule{
		Major:  195,
		Minor:  0,
		Type:   structs.DeviceChar,
		Access: AccessRead | AccessWrite | AccessMknod,
		Action: ActionDeny,
	})
	require.Equal(t, "c 195:0 rwm", line)
}
