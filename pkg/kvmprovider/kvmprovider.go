// Package kvmprovider defines/starts/stops/undefines libvirt domains
// and networks through the virsh/qemu-img subprocess protocols, and
// discovers guest IPs. This is the KVM Provider collaborator: the
// orchestrator's only means of talking to the hypervisor.
package kvmprovider

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/types"
)

// Provider drives one or more libvirt connections, identified by URI,
// through virsh. Connections are reference-counted so callers can
// freely construct/Close a Provider per operation without redialling.
type Provider struct {
	mu       sync.Mutex
	refCount map[string]int
}

// New creates a Provider.
func New() *Provider {
	return &Provider{refCount: make(map[string]int)}
}

// Acquire increments the reference count for a libvirt URI.
func (p *Provider) Acquire(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refCount[uri]++
}

// Release decrements the reference count for uri; when it reaches
// zero the provider considers the connection closeable (virsh itself
// is stateless per-invocation, so there is nothing further to tear
// down, but the bookkeeping matches the shared-connection-cache
// discipline the rest of this system follows).
func (p *Provider) Release(uri string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refCount[uri] > 0 {
		p.refCount[uri]--
	}
}

func virsh(ctx context.Context, uri string, args ...string) ([]byte, error) {
	full := append([]string{"-c", uri}, args...)
	cmd := exec.CommandContext(ctx, "virsh", full...)
	out, err := cmd.CombinedOutput()
	return out, err
}

// DefineAndStart defines and starts one domain from xmlDef, then
// polls until it reaches RUNNING (every 2s, up to 60s).
func (p *Provider) DefineAndStart(ctx context.Context, uri, domainName, xmlDef string) error {
	logger := log.WithComponent("kvmprovider")

	defineCmd := exec.CommandContext(ctx, "virsh", "-c", uri, "define", "/dev/stdin")
	defineCmd.Stdin = strings.NewReader(xmlDef)
	if out, err := defineCmd.CombinedOutput(); err != nil {
		return cyerr.Wrap(cyerr.VirtualizationError, "DefineAndStart.define", "", fmt.Errorf("virsh define: %w (output: %s)", err, out))
	}

	if out, err := virsh(ctx, uri, "start", domainName); err != nil {
		return cyerr.Wrap(cyerr.VirtualizationError, "DefineAndStart.start", "", fmt.Errorf("virsh start: %w (output: %s)", err, out))
	}

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		state, err := p.domState(ctx, uri, domainName)
		if err == nil && state == types.DomainActive {
			logger.Info().Str("domain", domainName).Msg("domain running")
			return nil
		}
		select {
		case <-ctx.Done():
			return cyerr.Wrap(cyerr.VirtualizationError, "DefineAndStart.wait", "", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	return cyerr.Wrap(cyerr.VirtualizationError, "DefineAndStart.wait", "", fmt.Errorf("domain %s did not reach running within 60s", domainName))
}

// Destroy force-stops (if active), waits for SHUTOFF, and undefines
// the domain. Missing domains are treated as already-destroyed
// (idempotent) and return nil.
func (p *Provider) Destroy(ctx context.Context, uri, domainName string) error {
	state, err := p.domState(ctx, uri, domainName)
	if err != nil || state == types.DomainNotFound {
		log.WithComponent("kvmprovider").Debug().Str("domain", domainName).Msg("domain already absent, treating destroy as no-op")
		return nil
	}

	if state == types.DomainActive || state == types.DomainPaused {
		if out, err := virsh(ctx, uri, "destroy", domainName); err != nil {
			return cyerr.Wrap(cyerr.VirtualizationError, "Destroy.destroy", "", fmt.Errorf("virsh destroy: %w (output: %s)", err, out))
		}
	}

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		state, err := p.domState(ctx, uri, domainName)
		if err != nil || state == types.DomainStopped || state == types.DomainNotFound {
			break
		}
		select {
		case <-ctx.Done():
			return cyerr.Wrap(cyerr.VirtualizationError, "Destroy.wait", "", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}

	if out, err := virsh(ctx, uri, "undefine", domainName); err != nil {
		if !strings.Contains(strings.ToLower(string(out)), "not found") {
			return cyerr.Wrap(cyerr.VirtualizationError, "Destroy.undefine", "", fmt.Errorf("virsh undefine: %w (output: %s)", err, out))
		}
	}
	return nil
}

// Status answers the domain's collapsed state.
func (p *Provider) Status(ctx context.Context, uri, domainName string) (types.DomainState, error) {
	return p.domState(ctx, uri, domainName)
}

func (p *Provider) domState(ctx context.Context, uri, domainName string) (types.DomainState, error) {
	out, err := virsh(ctx, uri, "domstate", domainName)
	text := strings.TrimSpace(string(out))
	if err != nil {
		if strings.Contains(strings.ToLower(text), "not found") || strings.Contains(strings.ToLower(text), "failed to get domain") {
			return types.DomainNotFound, nil
		}
		return types.DomainError, fmt.Errorf("virsh domstate: %w (output: %s)", err, out)
	}
	switch strings.ToLower(text) {
	case "running":
		return types.DomainActive, nil
	case "shut off", "crashed":
		return types.DomainStopped, nil
	case "paused", "pmsuspended":
		return types.DomainPaused, nil
	default:
		return types.DomainUnknown, nil
	}
}

// CloneVM defines-and-starts a new domain by reusing DefineAndStart;
// the caller is responsible for having already built the overlay disk
// and rendered xmlDef for the clone's identity.
func (p *Provider) CloneVM(ctx context.Context, uri, domainName, xmlDef string) error {
	return p.DefineAndStart(ctx, uri, domainName, xmlDef)
}

// DefineNetwork defines and starts a libvirt network from xmlDef.
func (p *Provider) DefineNetwork(ctx context.Context, uri, networkName, xmlDef string) error {
	defineCmd := exec.CommandContext(ctx, "virsh", "-c", uri, "net-define", "/dev/stdin")
	defineCmd.Stdin = strings.NewReader(xmlDef)
	if out, err := defineCmd.CombinedOutput(); err != nil {
		return cyerr.Wrap(cyerr.NetworkError, "DefineNetwork.define", "", fmt.Errorf("virsh net-define: %w (output: %s)", err, out))
	}
	if out, err := virsh(ctx, uri, "net-start", networkName); err != nil {
		return cyerr.Wrap(cyerr.NetworkError, "DefineNetwork.start", "", fmt.Errorf("virsh net-start: %w (output: %s)", err, out))
	}
	if out, err := virsh(ctx, uri, "net-autostart", networkName); err != nil {
		return cyerr.Wrap(cyerr.NetworkError, "DefineNetwork.autostart", "", fmt.Errorf("virsh net-autostart: %w (output: %s)", err, out))
	}
	return nil
}

// DestroyNetwork stops and undefines a libvirt network. Missing
// networks are treated as already-destroyed.
func (p *Provider) DestroyNetwork(ctx context.Context, uri, networkName string) error {
	if out, err := virsh(ctx, uri, "net-destroy", networkName); err != nil {
		if !strings.Contains(strings.ToLower(string(out)), "not found") {
			log.WithComponent("kvmprovider").Warn().Str("network", networkName).Msg("net-destroy failed, attempting undefine anyway")
		}
	}
	if out, err := virsh(ctx, uri, "net-undefine", networkName); err != nil {
		if !strings.Contains(strings.ToLower(string(out)), "not found") {
			return cyerr.Wrap(cyerr.NetworkError, "DestroyNetwork.undefine", "", fmt.Errorf("virsh net-undefine: %w (output: %s)", err, out))
		}
	}
	return nil
}

// GetVMIP discovers a domain's IP, trying libvirt's DHCP-lease
// interface-address report first, then falling back to the ARP table
// filtered by the domain's MAC, then a bounded ping sweep.
func (p *Provider) GetVMIP(ctx context.Context, uri, domainName, mac, subnetCIDR string) (string, error) {
	if ip, err := p.domIfaddr(ctx, uri, domainName); err == nil && ip != "" {
		return ip, nil
	}
	if ip, err := arpLookup(ctx, mac); err == nil && ip != "" {
		return ip, nil
	}
	if ip, err := pingSweepThenARP(ctx, mac, subnetCIDR); err == nil && ip != "" {
		return ip, nil
	}
	return "", cyerr.Wrap(cyerr.NetworkError, "GetVMIP", "", fmt.Errorf("could not discover IP for domain %s", domainName))
}

func (p *Provider) domIfaddr(ctx context.Context, uri, domainName string) (string, error) {
	out, err := virsh(ctx, uri, "domifaddr", domainName)
	if err != nil {
		return "", fmt.Errorf("virsh domifaddr: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		for _, f := range fields {
			if strings.Contains(f, "/") && strings.Count(f, ".") == 3 {
				return strings.SplitN(f, "/", 2)[0], nil
			}
		}
	}
	return "", fmt.Errorf("no address found in domifaddr output")
}

// GetSSHInfo reports the (host, port) pair a caller should dial for
// domainName; cyris always exposes guests on the standard SSH port
// over their discovered IP, tunnels being layered on top by the
// gateway/tunnel components.
func (p *Provider) GetSSHInfo(ctx context.Context, uri, domainName, mac, subnetCIDR string) (host string, port int, err error) {
	ip, err := p.GetVMIP(ctx, uri, domainName, mac, subnetCIDR)
	if err != nil {
		return "", 0, err
	}
	return ip, 22, nil
}
