package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/diskbuilder"
	"github.com/cyberrange/cyris/pkg/domain"
	"github.com/cyberrange/cyris/pkg/gateway"
	"github.com/cyberrange/cyris/pkg/health"
	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/metrics"
	"github.com/cyberrange/cyris/pkg/sshpool"
	"github.com/cyberrange/cyris/pkg/taskexec"
	"github.com/cyberrange/cyris/pkg/topology"
	"github.com/cyberrange/cyris/pkg/types"
)

// CreateOptions configures one Create call.
type CreateOptions struct {
	DryRun       bool
	NetworkMode  string // "user" | "bridge"
	EnableSSH    bool
	DisplayName  string
	Owner        string
}

// Create validates desc, transitions ∅ → CREATING, drives the full
// provisioning pipeline (networks → disks → domains → tasks → entry
// points), and transitions to ACTIVE on success or ERROR (with
// best-effort partial cleanup) on failure. A dry run performs every
// validation and planning step but issues no libvirt call and leaves
// no trace in the registry.
func (o *Orchestrator) Create(ctx context.Context, rangeID string, desc types.Description, opts CreateOptions) error {
	logger := log.WithRangeID(rangeID)

	if o.registry.Exists(rangeID) {
		return cyerr.Wrap(cyerr.ConfigError, "Create", rangeID, fmt.Errorf("range %s already exists", rangeID))
	}

	plan, err := o.planCreate(rangeID, desc, opts)
	if err != nil {
		return cyerr.Wrap(cyerr.ConfigError, "Create.plan", rangeID, err)
	}

	if opts.DryRun {
		logger.Info().Msg("dry run: plan validated, no infrastructure changes made")
		return nil
	}

	timer := metrics.NewTimer()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	now := time.Now()
	meta := types.RangeMetadata{
		RangeID:       rangeID,
		DisplayName:   opts.DisplayName,
		CreatedAt:     now,
		LastModified:  now,
		Owner:         opts.Owner,
		Status:        types.RangeStatusCreating,
		ProviderURI:   o.settings.LibvirtURI,
		IPAssignments: plan.ipAssignments,
	}
	res := types.RangeResources{RangeID: rangeID}

	o.mu.Lock()
	if err := o.registry.Put(meta, res); err != nil {
		o.mu.Unlock()
		return cyerr.Wrap(cyerr.ResourceError, "Create.registerMetadata", rangeID, err)
	}
	o.mu.Unlock()

	if err := o.runCreatePipeline(ctx, rangeID, desc, plan, opts, &meta, &res); err != nil {
		logger.Error().Err(err).Msg("range creation failed, marking ERROR and cleaning up partial resources")
		o.failAndCleanup(context.Background(), rangeID, &meta, &res, err)
		metrics.RangeCreateFailuresTotal.Inc()
		return err
	}

	meta.Status = types.RangeStatusActive
	meta.LastModified = time.Now()
	o.mu.Lock()
	err = o.registry.Put(meta, res)
	o.mu.Unlock()
	if err != nil {
		return cyerr.Wrap(cyerr.ResourceError, "Create.persistActive", rangeID, err)
	}

	timer.ObserveDuration(metrics.RangeCreateDuration)
	logger.Info().Msg("range active")
	return nil
}

type createPlan struct {
	ipAssignments   map[string]string
	networkSubnets  map[string]string
}

// planCreate performs every validation and IP-planning step that must
// succeed before any libvirt call is made, so an IP collision aborts
// creation early regardless of --dry-run.
func (o *Orchestrator) planCreate(rangeID string, desc types.Description, opts CreateOptions) (createPlan, error) {
	guestByID := make(map[string]types.GuestTemplate, len(desc.Guests))
	for _, g := range desc.Guests {
		guestByID[g.ID] = g
	}

	var allIPs = make(map[string]string)
	networkSubnets := make(map[string]string)

	for _, clone := range desc.Clones {
		for _, host := range clone.Hosts {
			resolveMember := func(memberRef string) (instID, preassignedIP string) {
				guestID := guestIDFromMemberRef(memberRef)
				guest, ok := guestByID[guestID]
				if !ok {
					return "", ""
				}
				return instanceID(rangeID, host.HostID, guestID, 0), guest.IPAddr
			}

			assigned, err := topology.PlanIPs(o.settings.DefaultSubnet, host.Topology.Networks, resolveMember)
			if err != nil {
				return createPlan{}, err
			}
			for k, v := range assigned {
				allIPs[k] = v
			}
			for _, n := range host.Topology.Networks {
				networkSubnets[n.Name] = n.Subnet
			}
		}
	}

	return createPlan{ipAssignments: allIPs, networkSubnets: networkSubnets}, nil
}

// guestIDFromMemberRef extracts "<guest>" from a "<guest>.<nic>" member
// reference.
func guestIDFromMemberRef(memberRef string) string {
	for i := 0; i < len(memberRef); i++ {
		if memberRef[i] == '.' {
			return memberRef[:i]
		}
	}
	return memberRef
}

func instanceID(rangeID, hostID, guestID string, idx int) string {
	return fmt.Sprintf("%s-%s-%s-%d", rangeID, hostID, guestID, idx)
}

func domainName(rangeID, guestID string) string {
	return fmt.Sprintf("cyris-%s-%s-%s", rangeID, guestID, uuid.NewString()[:8])
}

// runCreatePipeline executes: hosts before guests, topology networks
// before guest boot, task execution only after each guest is running
// and has an IP, entry points last.
func (o *Orchestrator) runCreatePipeline(ctx context.Context, rangeID string, desc types.Description, plan createPlan, opts CreateOptions, meta *types.RangeMetadata, res *types.RangeResources) error {
	uri := o.settings.LibvirtURI
	builder := diskbuilder.New(o.registry.RangeDir(rangeID))

	guestByID := make(map[string]types.GuestTemplate, len(desc.Guests))
	for _, g := range desc.Guests {
		guestByID[g.ID] = g
	}
	hostByID := make(map[string]types.Host, len(desc.Hosts))
	for _, h := range desc.Hosts {
		hostByID[h.ID] = h
	}

	targets := make(map[string]taskexec.GuestTarget)
	tasksByGuest := make(map[string][]types.Task)

	for _, clone := range desc.Clones {
		for _, host := range clone.Hosts {
			res.HostIDs = append(res.HostIDs, host.HostID)

			if _, err := o.declareNetworks(ctx, uri, rangeID, host.Topology.Networks, res); err != nil {
				return err
			}

			hostRecord := hostByID[host.HostID]

			for _, cg := range host.Guests {
				guest, ok := guestByID[cg.GuestID]
				if !ok {
					return cyerr.Wrap(cyerr.ConfigError, "runCreatePipeline", rangeID, fmt.Errorf("unknown guest id %s", cg.GuestID))
				}
				count := cg.Number
				if count <= 0 {
					count = 1
				}
				for idx := 0; idx < count; idx++ {
					if err := o.bootGuestInstance(ctx, rangeID, host, hostRecord, guest, cg, idx, builder, plan, opts, res, targets, tasksByGuest); err != nil {
						return err
					}
				}
			}

			o.appendForwardingRuleTasks(rangeID, host, plan, tasksByGuest)
		}
	}

	o.waitForGuestsReady(ctx, rangeID, targets)

	results := o.tasks.RunAll(ctx, targets, tasksByGuest)
	meta.TaskResults = results

	entryPoints, err := o.publishEntryPoints(ctx, rangeID, desc, targets, res)
	if err != nil {
		return err
	}
	if len(entryPoints) > 0 {
		log.WithRangeID(rangeID).Info().Msg(gateway.AccessNotification(o.publishedHost(), entryPoints))
	}

	return nil
}

// waitForGuestsReady blocks task execution until every guest's SSH port
// answers or the boot-wait window for that guest expires, so the task
// executor never dials a VM still mid cloud-init. A guest that never
// comes up is logged and left for the executor's own dial error rather
// than aborting the whole pipeline.
func (o *Orchestrator) waitForGuestsReady(ctx context.Context, rangeID string, targets map[string]taskexec.GuestTarget) {
	logger := log.WithRangeID(rangeID)
	cfg := health.DefaultConfig()

	var wg sync.WaitGroup
	for iid, target := range targets {
		wg.Add(1)
		go func(iid string, target taskexec.GuestTarget) {
			defer wg.Done()
			if target.Creds.Host == "" {
				return
			}
			timer := metrics.NewTimer()
			addr := fmt.Sprintf("%s:%d", target.Creds.Host, target.Creds.Port)
			if err := health.WaitReady(ctx, addr, cfg); err != nil {
				logger.Warn().Str("guest", iid).Err(err).Msg("guest SSH not ready before task execution")
				return
			}
			timer.ObserveDuration(metrics.GuestBootDuration)
		}(iid, target)
	}
	wg.Wait()
}

// publishEntryPoints creates a gateway/tunnel entry point for every
// guest instance marked entry_point in its clone settings.
func (o *Orchestrator) publishEntryPoints(ctx context.Context, rangeID string, desc types.Description, targets map[string]taskexec.GuestTarget, res *types.RangeResources) ([]types.EntryPoint, error) {
	var entryPoints []types.EntryPoint

	for _, clone := range desc.Clones {
		for _, host := range clone.Hosts {
			for _, cg := range host.Guests {
				if !cg.EntryPoint {
					continue
				}
				count := cg.Number
				if count <= 0 {
					count = 1
				}
				for idx := 0; idx < count; idx++ {
					iid := instanceID(rangeID, host.HostID, cg.GuestID, idx)
					target, ok := targets[iid]
					if !ok {
						continue
					}
					ep, t, err := o.gatewaySvc.CreateEntryPoint(ctx, rangeID, iid, cg.GuestID, target.Creds.Host, 22, target.Creds.User)
					if err != nil {
						return nil, err
					}
					res.TunnelIDs = append(res.TunnelIDs, t.ProcessMarkers...)
					res.EntryPoints = append(res.EntryPoints, ep)
					entryPoints = append(entryPoints, ep)
				}
			}
		}
	}
	return entryPoints, nil
}

// appendForwardingRuleTasks translates host.Topology.ForwardingRules into
// firewall_rules tasks queued on each named gateway guest's instance, so
// they run through the same task executor as every other post-boot task.
func (o *Orchestrator) appendForwardingRuleTasks(rangeID string, host types.CloneHost, plan createPlan, tasksByGuest map[string][]types.Task) {
	if len(host.Topology.ForwardingRules) == 0 {
		return
	}
	resolveGatewayInstance := func(guestID string) string {
		return instanceID(rangeID, host.HostID, guestID, 0)
	}
	byInstance := topology.TranslateForwardingRules(host.Topology.ForwardingRules, plan.networkSubnets, resolveGatewayInstance)
	for iid, params := range byInstance {
		for _, p := range params {
			tasksByGuest[iid] = append(tasksByGuest[iid], types.Task{Kind: types.TaskFirewallRules, FirewallRules: &p})
		}
	}
}

func (o *Orchestrator) declareNetworks(ctx context.Context, uri, rangeID string, networks []types.Network, res *types.RangeResources) (_ int, err error) {
	for _, n := range networks {
		netName := fmt.Sprintf("cyris-%s-%s", rangeID, n.Name)
		bridgeName := bridgeNameFor(netName)
		subnet := n.Subnet
		if subnet == "" {
			subnet = o.settings.DefaultSubnet
		}
		xmlDef, rerr := topology.RenderNetworkXML(netName, bridgeName, subnet)
		if rerr != nil {
			return 0, cyerr.Wrap(cyerr.NetworkError, "declareNetworks.render", rangeID, rerr)
		}
		if derr := o.provider.DefineNetwork(ctx, uri, netName, xmlDef); derr != nil {
			return 0, derr
		}
		res.NetworkNames = append(res.NetworkNames, netName)
	}
	return 0, nil
}

// bridgeNameFor derives a libvirt-safe bridge name (<=15 chars) from a
// network name by hashing it down when necessary.
func bridgeNameFor(networkName string) string {
	if len(networkName) <= 12 {
		return "br-" + networkName
	}
	h := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(networkName)).String()[:8]
	return "br-" + h
}

func (o *Orchestrator) bootGuestInstance(
	ctx context.Context,
	rangeID string,
	host types.CloneHost,
	hostRecord types.Host,
	guest types.GuestTemplate,
	cg types.CloneGuest,
	idx int,
	builder *diskbuilder.Builder,
	plan createPlan,
	opts CreateOptions,
	res *types.RangeResources,
	targets map[string]taskexec.GuestTarget,
	tasksByGuest map[string][]types.Task,
) error {
	uri := o.settings.LibvirtURI
	iid := instanceID(rangeID, host.HostID, guest.ID, idx)
	domName := domainName(rangeID, guest.ID)

	base, err := builder.ResolveBaseImage(ctx, guest.BaseVMConfigFile, sharedBasePathFor(guest))
	if err != nil {
		return err
	}
	overlay, err := builder.CreateOverlay(ctx, domName, base)
	if err != nil {
		return err
	}
	res.DiskPaths = append(res.DiskPaths, overlay)

	mac, err := domain.NewMAC()
	if err != nil {
		return cyerr.Wrap(cyerr.VirtualizationError, "bootGuestInstance.mac", rangeID, err)
	}

	seedISO, err := builder.BuildSeedISO(ctx, domName, mac)
	if err != nil {
		return cyerr.Wrap(cyerr.ResourceError, "bootGuestInstance.seedISO", rangeID, err)
	}
	res.DiskPaths = append(res.DiskPaths, seedISO)

	mode, bridge := domain.DecideNetworkMode(domain.ModeInputs{
		EnableSSH:       opts.EnableSSH,
		RequestedBridge: opts.NetworkMode == "bridge",
		SystemURI:       uri == "qemu:///system",
	})

	xmlDef, err := domain.Render("", domain.Overrides{
		Name:         domName,
		MemoryKiB:    1048576,
		VCPUs:        1,
		DiskPath:     overlay,
		SeedISOPath:  seedISO,
		MAC:          mac,
		NetworkMode:  mode,
		BridgeName:   bridge,
	})
	if err != nil {
		return cyerr.Wrap(cyerr.VirtualizationError, "bootGuestInstance.render", rangeID, err)
	}

	if err := o.provider.DefineAndStart(ctx, uri, domName, xmlDef); err != nil {
		return err
	}
	res.DomainNames = append(res.DomainNames, domName)
	if res.InstanceDomains == nil {
		res.InstanceDomains = make(map[string]string)
	}
	res.InstanceDomains[iid] = domName

	ip := plan.ipAssignments[iid]
	if ip == "" {
		discovered, err := o.provider.GetVMIP(ctx, uri, domName, mac, o.settings.DefaultSubnet)
		if err == nil {
			ip = discovered
		}
	}

	targets[iid] = taskexec.GuestTarget{
		InstanceID: iid,
		OSType:     guest.BaseVMOSType,
		Creds: sshpool.Credentials{
			Host: ip,
			Port: 22,
			User: hostAccountFor(hostRecord),
		},
	}
	if len(guest.Tasks) > 0 {
		tasksByGuest[iid] = guest.Tasks
	}
	return nil
}

func sharedBasePathFor(guest types.GuestTemplate) string {
	if guest.BaseVMConfigFile != "" {
		return guest.BaseVMConfigFile
	}
	return ""
}

// hostAccountFor resolves the SSH login account a guest instance boots
// with from the host_settings record it was cloned onto, falling back
// to the common cloud-image default when the description leaves it
// unset.
func hostAccountFor(host types.Host) string {
	if host.Account != "" {
		return host.Account
	}
	return "ubuntu"
}
