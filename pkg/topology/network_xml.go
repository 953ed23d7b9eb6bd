package topology

import (
	"encoding/xml"
	"fmt"
	"net"
)

// networkXML is the minimal libvirt network definition shape this
// engine needs: NAT forwarding, a bridge, a DHCP range, and DNS
// enabled. The DHCP range is fixed at host offsets 100-200, which keeps
// it clear of the gateway (.1) and of the low addresses PlanIPs hands
// out; pre-assigned addresses inside that window are not excluded.
type networkXML struct {
	XMLName xml.Name       `xml:"network"`
	Name    string         `xml:"name"`
	Forward networkForward `xml:"forward"`
	Bridge  networkBridge  `xml:"bridge"`
	DNS     networkDNS     `xml:"dns"`
	IP      networkIP      `xml:"ip"`
}

type networkForward struct {
	Mode string `xml:"mode,attr"`
}

type networkBridge struct {
	Name string `xml:"name,attr"`
	STP  string `xml:"stp,attr"`
}

type networkDNS struct {
	Enable string `xml:"enable,attr"`
}

type networkIP struct {
	Address string         `xml:"address,attr"`
	Netmask string         `xml:"netmask,attr"`
	DHCP    networkIPDHCP  `xml:"dhcp"`
}

type networkIPDHCP struct {
	Range networkIPRange `xml:"range"`
}

type networkIPRange struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

// RenderNetworkXML declares networkName over subnetCIDR with a bridge
// named after the network (so names stay globally unique, per §4.6,
// libvirt enforces bridge-name length limits that callers must keep
// names short enough to satisfy).
func RenderNetworkXML(networkName, bridgeName, subnetCIDR string) (string, error) {
	_, ipnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return "", fmt.Errorf("parse subnet %s: %w", subnetCIDR, err)
	}

	gateway := firstHost(ipnet)
	dhcpStart, err := hostAt(ipnet, 100)
	if err != nil {
		dhcpStart = firstHost(ipnet)
	}
	dhcpEnd, err := hostAt(ipnet, 200)
	if err != nil {
		dhcpEnd = dhcpStart
	}

	net := networkXML{
		Name:    networkName,
		Forward: networkForward{Mode: "nat"},
		Bridge:  networkBridge{Name: bridgeName, STP: "on"},
		DNS:     networkDNS{Enable: "yes"},
		IP: networkIP{
			Address: gateway.String(),
			Netmask: netmaskString(ipnet),
			DHCP: networkIPDHCP{
				Range: networkIPRange{Start: dhcpStart.String(), End: dhcpEnd.String()},
			},
		},
	}

	out, err := xml.MarshalIndent(net, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal network xml: %w", err)
	}
	return xml.Header + string(out), nil
}

func firstHost(ipnet *net.IPNet) net.IP {
	ip := make(net.IP, len(ipnet.IP))
	copy(ip, ipnet.IP)
	incIP(ip)
	return ip
}

func hostAt(ipnet *net.IPNet, n int) (net.IP, error) {
	return nthHostInSubnet(ipnet, n)
}

func netmaskString(ipnet *net.IPNet) string {
	mask := ipnet.Mask
	return net.IPv4(mask[0], mask[1], mask[2], mask[3]).String()
}
