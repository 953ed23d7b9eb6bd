// Package topology plans IP assignments, renders virtual network
// definitions, and translates forwarding rules into the firewall_rules
// task parameters the task executor applies on gateway guests.
package topology

import (
	"fmt"
	"net"
	"sort"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/types"
)

// Plan is the output of planning one range's topology.
type Plan struct {
	IPAssignments map[string]string // guest instance id -> primary IP
	NetworkXMLs   map[string]string // network name -> rendered XML
	FirewallTasks map[string][]types.FirewallRulesParams // gateway instance id -> tasks
}

// member is one "<guest>.<nic>" entry resolved to a guest instance id.
type member struct {
	guestInstanceID string
	nic             string
	preassignedIP   string
}

// PlanIPs carves a sub-range per declared network out of defaultSubnet
// and assigns addresses to each member, honouring any pre-assigned IP
// exactly. Any collision between pre-assigned IPs is a fatal planning
// error surfaced before any libvirt call is made.
func PlanIPs(defaultSubnet string, networks []types.Network, resolveMember func(memberRef string) (instanceID, preassignedIP string)) (map[string]string, error) {
	_, base, err := net.ParseCIDR(defaultSubnet)
	if err != nil {
		return nil, cyerr.Wrap(cyerr.ConfigError, "PlanIPs", "", fmt.Errorf("parse default subnet %s: %w", defaultSubnet, err))
	}

	assigned := make(map[string]string)  // instance id -> ip
	used := make(map[string]bool)        // ip -> used

	names := make([]string, 0, len(networks))
	for _, n := range networks {
		names = append(names, n.Name)
	}
	sort.Strings(names)

	netByName := make(map[string]types.Network, len(networks))
	for _, n := range networks {
		netByName[n.Name] = n
	}

	subnetIdx := 0
	for _, name := range names {
		network := netByName[name]
		subnet, err := carveSubnet(base, subnetIdx)
		if err != nil {
			return nil, cyerr.Wrap(cyerr.NetworkError, "PlanIPs", "", err)
		}
		subnetIdx++

		nextHost := 2 // reserve .1 for the gateway address
		for _, memberRef := range network.Members {
			instanceID, preassigned := resolveMember(memberRef)
			if instanceID == "" {
				continue
			}
			if existing, ok := assigned[instanceID]; ok {
				_ = existing
				continue
			}

			if preassigned != "" {
				if used[preassigned] {
					return nil, cyerr.Wrap(cyerr.ConfigError, "PlanIPs", "", fmt.Errorf("ip collision: %s already assigned", preassigned))
				}
				assigned[instanceID] = preassigned
				used[preassigned] = true
				continue
			}

			ip, err := nthHostInSubnet(subnet, nextHost)
			if err != nil {
				return nil, cyerr.Wrap(cyerr.NetworkError, "PlanIPs", "", err)
			}
			for used[ip.String()] {
				nextHost++
				ip, err = nthHostInSubnet(subnet, nextHost)
				if err != nil {
					return nil, cyerr.Wrap(cyerr.NetworkError, "PlanIPs", "", err)
				}
			}
			assigned[instanceID] = ip.String()
			used[ip.String()] = true
			nextHost++
		}
	}

	return assigned, nil
}

// carveSubnet returns the idx-th /24 sub-range within base (a /16 or
// wider network), or base itself verbatim if it is already /24 or
// narrower (only idx 0 is accepted then).
func carveSubnet(base *net.IPNet, idx int) (*net.IPNet, error) {
	ones, bits := base.Mask.Size()
	if ones >= 24 {
		if idx > 0 {
			return nil, fmt.Errorf("default subnet %s too small for more than one network", base.String())
		}
		return base, nil
	}
	ip := make(net.IP, len(base.IP))
	copy(ip, base.IP)
	ip[len(ip)-2] = byte(idx)
	mask := net.CIDRMask(24, bits)
	return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
}

func nthHostInSubnet(subnet *net.IPNet, n int) (net.IP, error) {
	ip := make(net.IP, len(subnet.IP))
	copy(ip, subnet.IP)
	for i := 0; i < n; i++ {
		incIP(ip)
	}
	if !subnet.Contains(ip) {
		return nil, fmt.Errorf("subnet %s exhausted at host %d", subnet.String(), n)
	}
	return ip, nil
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}

// TranslateForwardingRules converts each declared (src -> dst) rule
// into concrete iptables argv lines for the firewall_rules task, keyed
// by the gateway guest instance id that must apply them.
func TranslateForwardingRules(rules []types.ForwardingRule, networkSubnets map[string]string, resolveGatewayInstance func(guestID string) string) map[string][]types.FirewallRulesParams {
	out := make(map[string][]types.FirewallRulesParams)
	for _, rule := range rules {
		instanceID := resolveGatewayInstance(rule.GatewayGuestID)
		if instanceID == "" {
			continue
		}
		srcSubnet := networkSubnets[rule.SrcNetwork]
		dstSubnet := networkSubnets[rule.DstNetwork]
		argv := []string{
			fmt.Sprintf("iptables -A FORWARD -s %s -d %s -j ACCEPT", srcSubnet, dstSubnet),
			fmt.Sprintf("iptables -A FORWARD -s %s -d %s -j ACCEPT", dstSubnet, srcSubnet),
		}
		out[instanceID] = append(out[instanceID], types.FirewallRulesParams{Rules: argv})
	}
	return out
}
