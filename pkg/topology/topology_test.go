package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberrange/cyris/pkg/types"
)

func resolverFor(members map[string]string, preassigned map[string]string) func(string) (string, string) {
	return func(memberRef string) (string, string) {
		return members[memberRef], preassigned[memberRef]
	}
}

func TestPlanIPs_AssignsSequentialAddressesStartingAtHostTwo(t *testing.T) {
	networks := []types.Network{
		{Name: "office", Members: []string{"desktop.eth0", "laptop.eth0"}},
	}
	members := map[string]string{"desktop.eth0": "desktop-1", "laptop.eth0": "laptop-1"}

	assigned, err := PlanIPs("192.168.122.0/24", networks, resolverFor(members, nil))
	require.NoError(t, err)

	assert.Equal(t, "192.168.122.2", assigned["desktop-1"])
	assert.Equal(t, "192.168.122.3", assigned["laptop-1"])
}

func TestPlanIPs_HonoursPreassignedAddress(t *testing.T) {
	networks := []types.Network{
		{Name: "office", Members: []string{"desktop.eth0"}},
	}
	members := map[string]string{"desktop.eth0": "desktop-1"}
	preassigned := map[string]string{"desktop.eth0": "192.168.122.50"}

	assigned, err := PlanIPs("192.168.122.0/24", networks, resolverFor(members, preassigned))
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.50", assigned["desktop-1"])
}

func TestPlanIPs_RejectsCollidingPreassignedAddresses(t *testing.T) {
	networks := []types.Network{
		{Name: "office", Members: []string{"desktop.eth0", "laptop.eth0"}},
	}
	members := map[string]string{"desktop.eth0": "desktop-1", "laptop.eth0": "laptop-1"}
	preassigned := map[string]string{"desktop.eth0": "192.168.122.10", "laptop.eth0": "192.168.122.10"}

	_, err := PlanIPs("192.168.122.0/24", networks, resolverFor(members, preassigned))
	assert.Error(t, err)
}

func TestPlanIPs_CarvesDistinctSubnetPerNetwork(t *testing.T) {
	networks := []types.Network{
		{Name: "office", Members: []string{"desktop.eth0"}},
		{Name: "servers", Members: []string{"webserver.eth0"}},
	}
	members := map[string]string{"desktop.eth0": "desktop-1", "webserver.eth0": "web-1"}

	assigned, err := PlanIPs("192.168.0.0/16", networks, resolverFor(members, nil))
	require.NoError(t, err)

	assert.Equal(t, "192.168.0.2", assigned["desktop-1"])
	assert.Equal(t, "192.168.1.2", assigned["web-1"])
}

func TestPlanIPs_RejectsTooManyNetworksForNarrowSubnet(t *testing.T) {
	networks := []types.Network{
		{Name: "office", Members: []string{"desktop.eth0"}},
		{Name: "servers", Members: []string{"webserver.eth0"}},
	}
	members := map[string]string{"desktop.eth0": "desktop-1", "webserver.eth0": "web-1"}

	_, err := PlanIPs("192.168.122.0/24", networks, resolverFor(members, nil))
	assert.Error(t, err)
}

func TestTranslateForwardingRules_EmitsBidirectionalAcceptRules(t *testing.T) {
	rules := []types.ForwardingRule{
		{GatewayGuestID: "firewall", SrcNetwork: "office", DstNetwork: "servers"},
	}
	subnets := map[string]string{"office": "192.168.0.0/24", "servers": "192.168.1.0/24"}

	out := TranslateForwardingRules(rules, subnets, func(guestID string) string {
		if guestID == "firewall" {
			return "firewall-1"
		}
		return ""
	})

	require.Len(t, out["firewall-1"], 1)
	assert.Len(t, out["firewall-1"][0].Rules, 2)
	assert.Contains(t, out["firewall-1"][0].Rules[0], "192.168.0.0/24")
	assert.Contains(t, out["firewall-1"][0].Rules[1], "192.168.1.0/24")
}

func TestTranslateForwardingRules_SkipsUnresolvableGateway(t *testing.T) {
	rules := []types.ForwardingRule{
		{GatewayGuestID: "missing", SrcNetwork: "office", DstNetwork: "servers"},
	}
	out := TranslateForwardingRules(rules, map[string]string{}, func(string) string { return "" })
	assert.Empty(t, out)
}
