package kvmprovider

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"
)

// arpLookup scans the system ARP table for an entry matching mac.
func arpLookup(ctx context.Context, mac string) (string, error) {
	out, err := exec.CommandContext(ctx, "arp", "-an").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("arp -an: %w", err)
	}
	mac = strings.ToLower(mac)
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.ToLower(scanner.Text())
		if !strings.Contains(line, mac) {
			continue
		}
		start := strings.Index(line, "(")
		end := strings.Index(line, ")")
		if start >= 0 && end > start {
			return line[start+1 : end], nil
		}
	}
	return "", fmt.Errorf("mac %s not found in arp table", mac)
}

// pingSweepThenARP pings every host address in subnetCIDR (bounded to
// keep the overall time budget under ~5s, per the heuristic nature of
// this fallback) then re-checks the ARP table for mac.
func pingSweepThenARP(ctx context.Context, mac, subnetCIDR string) (string, error) {
	if subnetCIDR == "" {
		return "", fmt.Errorf("no subnet configured for ping sweep")
	}
	_, ipnet, err := net.ParseCIDR(subnetCIDR)
	if err != nil {
		return "", fmt.Errorf("parse subnet %s: %w", subnetCIDR, err)
	}

	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addrs := hostAddresses(ipnet)
	for _, addr := range addrs {
		select {
		case <-sweepCtx.Done():
			break
		default:
		}
		exec.CommandContext(sweepCtx, "ping", "-c", "1", "-W", "1", addr).Run()
	}

	return arpLookup(ctx, mac)
}

// hostAddresses enumerates every usable host address in ipnet, capped
// at 254 entries to bound the sweep.
func hostAddresses(ipnet *net.IPNet) []string {
	var addrs []string
	ip := ipnet.IP.Mask(ipnet.Mask)
	for i := 0; i < 254; i++ {
		next := make(net.IP, len(ip))
		copy(next, ip)
		incIP(next)
		ip = next
		if !ipnet.Contains(ip) {
			break
		}
		addrs = append(addrs, ip.String())
	}
	return addrs
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
