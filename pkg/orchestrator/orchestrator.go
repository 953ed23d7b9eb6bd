// Package orchestrator owns the range lifecycle state machine and
// composes the disk builder, domain renderer, KVM provider, topology
// engine, task executor, gateway service, tunnel manager, and registry
// to create, inspect, destroy, and remove ranges. It is the single
// orchestrator value that owns every shared resource — registry, SSH
// pool, libvirt provider, logger — injected into its collaborators,
// replacing the module-level globals and callback-dispatch tables a
// naive port would carry over.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyberrange/cyris/pkg/config"
	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/gateway"
	"github.com/cyberrange/cyris/pkg/kvmprovider"
	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/metrics"
	"github.com/cyberrange/cyris/pkg/registry"
	"github.com/cyberrange/cyris/pkg/sshpool"
	"github.com/cyberrange/cyris/pkg/taskexec"
	"github.com/cyberrange/cyris/pkg/tunnel"
	"github.com/cyberrange/cyris/pkg/types"
)

// Orchestrator is the sole writer to the Registry; every mutation is
// serialised through mu, and disk persistence is treated as the
// critical section it guards.
type Orchestrator struct {
	settings config.Settings

	mu       sync.Mutex
	registry *registry.Registry
	provider *kvmprovider.Provider
	pool     *sshpool.Pool
	tasks    *taskexec.Executor
	tunnels  *tunnel.Manager
	gatewaySvc *gateway.Service

	metricsCollector *metrics.Collector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires up an Orchestrator from a validated settings record. It
// opens the registry (loading any prior state) and, if
// settings.ReconcileInterval is set, starts the optional background
// reconciliation sweep.
func New(settings config.Settings) (*Orchestrator, error) {
	reg, err := registry.Open(settings.CyberRangeDir)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	pool := sshpool.New(sshpool.Config{MaxConnections: settings.MaxSSHConnections})
	tunnels := tunnel.New(settings.GatewayAccount)
	gw := gateway.New(gateway.Config{
		Enabled:       settings.GatewayMode,
		Account:       settings.GatewayAccount,
		MgmtAddr:      settings.GatewayMgmtAddr,
		InsideAddr:    settings.GatewayInsideAddr,
		PortRangeLow:  settings.PortRangeStart,
		PortRangeHigh: settings.PortRangeEnd,
	}, tunnels)

	var publishedPorts []int
	for _, meta := range reg.ListMetadata() {
		res, ok := reg.GetResources(meta.RangeID)
		if !ok {
			continue
		}
		for _, ep := range res.EntryPoints {
			publishedPorts = append(publishedPorts, ep.PublishedPort)
		}
	}
	gw.SeedUsedPorts(publishedPorts)

	o := &Orchestrator{
		settings:   settings,
		registry:   reg,
		provider:   kvmprovider.New(),
		pool:       pool,
		tasks:      taskexec.New(pool, 4),
		tunnels:    tunnels,
		gatewaySvc: gw,
		stopCh:     make(chan struct{}),
	}

	o.recoverOnStartup(context.Background())

	// reconciliation sweep is optional and disabled by default.
	if settings.ReconcileInterval != "" {
		if interval, err := time.ParseDuration(settings.ReconcileInterval); err == nil {
			o.wg.Add(1)
			go o.reconcileLoop(interval)
		} else {
			log.WithComponent("orchestrator").Warn().Str("reconcile_interval", settings.ReconcileInterval).Msg("invalid reconcile_interval, reconciliation disabled")
		}
	}

	o.metricsCollector = metrics.NewCollector(o)
	o.metricsCollector.Start()

	return o, nil
}

// Stop shuts down background loops and the SSH pool.
func (o *Orchestrator) Stop() {
	o.metricsCollector.Stop()
	close(o.stopCh)
	o.wg.Wait()
	o.pool.Stop()
}

// CountRangesByStatus satisfies metrics.RangeLister for the background
// gauge collector.
func (o *Orchestrator) CountRangesByStatus() map[string]int {
	counts := make(map[string]int)
	for _, m := range o.registry.ListMetadata() {
		counts[string(m.Status)]++
	}
	return counts
}

// publishedHost is the address an operator's ssh client connects to for
// a published entry point: the gateway's management address in gateway
// mode, otherwise the host the orchestrator itself runs on.
func (o *Orchestrator) publishedHost() string {
	if o.settings.GatewayMode {
		return o.settings.GatewayMgmtAddr
	}
	return "localhost"
}

// List returns every known range's metadata.
func (o *Orchestrator) List() []types.RangeMetadata {
	return o.registry.ListMetadata()
}

// Status returns a range's metadata, resources, and a freshly probed
// per-domain state map (best effort; probe errors are reported inline
// rather than failing the whole call).
func (o *Orchestrator) Status(ctx context.Context, rangeID string) (types.RangeMetadata, types.RangeResources, map[string]types.DomainState, error) {
	meta, ok := o.registry.GetMetadata(rangeID)
	if !ok {
		return types.RangeMetadata{}, types.RangeResources{}, nil, cyerr.Wrap(cyerr.ConfigError, "Status", rangeID, fmt.Errorf("range %s not found", rangeID))
	}
	res, _ := o.registry.GetResources(rangeID)

	uri := o.settings.LibvirtURI
	if meta.ProviderURI != "" {
		uri = meta.ProviderURI
	}

	states := make(map[string]types.DomainState, len(res.DomainNames))
	for _, name := range res.DomainNames {
		state, err := o.provider.Status(ctx, uri, name)
		if err != nil {
			state = types.DomainError
		}
		states[name] = state
	}
	return meta, res, states, nil
}
