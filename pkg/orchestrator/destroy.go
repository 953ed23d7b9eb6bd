package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyberrange/cyris/pkg/cyerr"
	"github.com/cyberrange/cyris/pkg/diskbuilder"
	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/metrics"
	"github.com/cyberrange/cyris/pkg/types"
)

// Destroy transitions ACTIVE → STOPPING → DESTROYED: tunnels are torn
// down, domains destroyed, disks removed, networks released, in that
// order (the inverse of creation). Destroy on an already-DESTROYED
// range is a no-op success.
func (o *Orchestrator) Destroy(ctx context.Context, rangeID string, force bool) error {
	logger := log.WithRangeID(rangeID)

	meta, ok := o.registry.GetMetadata(rangeID)
	if !ok {
		return cyerr.Wrap(cyerr.ConfigError, "Destroy", rangeID, fmt.Errorf("range %s not found", rangeID))
	}
	if meta.Status == types.RangeStatusDestroyed {
		return nil
	}

	res, _ := o.registry.GetResources(rangeID)
	timer := metrics.NewTimer()

	meta.Status = types.RangeStatusStopping
	meta.LastModified = time.Now()
	o.mu.Lock()
	err := o.registry.Put(meta, res)
	o.mu.Unlock()
	if err != nil {
		return cyerr.Wrap(cyerr.ResourceError, "Destroy.markStopping", rangeID, err)
	}

	if err := o.releaseResources(ctx, rangeID, meta.ProviderURI, &res); err != nil {
		meta.Status = types.RangeStatusError
		meta.LastModified = time.Now()
		o.mu.Lock()
		o.registry.Put(meta, res)
		o.mu.Unlock()
		logger.Error().Err(err).Msg("destroy failed, range left in ERROR with partially released resources")
		return err
	}

	meta.Status = types.RangeStatusDestroyed
	meta.LastModified = time.Now()
	o.mu.Lock()
	err = o.registry.Put(meta, types.RangeResources{RangeID: rangeID})
	o.mu.Unlock()
	if err != nil {
		return cyerr.Wrap(cyerr.ResourceError, "Destroy.persistDestroyed", rangeID, err)
	}

	timer.ObserveDuration(metrics.RangeDestroyDuration)
	logger.Info().Msg("range destroyed")
	return nil
}

// releaseResources tears down every resource res records, in
// tunnels -> guests -> disks -> networks order. It collects (rather
// than stops at) the first failure so a single stuck resource does not
// block releasing the rest; all errors are joined into one.
func (o *Orchestrator) releaseResources(ctx context.Context, rangeID, providerURI string, res *types.RangeResources) error {
	uri := providerURI
	if uri == "" {
		uri = o.settings.LibvirtURI
	}

	var errs []error

	for _, tunnelID := range res.TunnelIDs {
		if err := o.tunnels.Close(ctx, types.Tunnel{ProcessMarkers: []string{tunnelID}}); err != nil {
			errs = append(errs, fmt.Errorf("tunnel %s: %w", tunnelID, err))
		}
	}

	for _, domName := range res.DomainNames {
		if err := o.provider.Destroy(ctx, uri, domName); err != nil {
			errs = append(errs, fmt.Errorf("domain %s: %w", domName, err))
		}
	}

	builder := diskbuilder.New(o.registry.RangeDir(rangeID))
	for _, disk := range res.DiskPaths {
		var err error
		if filepath.Ext(disk) == ".qcow2" {
			err = builder.DeleteOverlay(domainBaseName(disk))
		} else if rerr := os.Remove(disk); rerr != nil && !os.IsNotExist(rerr) {
			err = rerr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("disk %s: %w", disk, err))
		}
	}

	for _, netName := range res.NetworkNames {
		if err := o.provider.DestroyNetwork(ctx, uri, netName); err != nil {
			errs = append(errs, fmt.Errorf("network %s: %w", netName, err))
		}
	}

	if len(errs) > 0 {
		return cyerr.Wrap(cyerr.VirtualizationError, "releaseResources", rangeID, joinErrors(errs))
	}
	return nil
}

func domainBaseName(diskPath string) string {
	base := diskPath
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			base = base[i+1:]
			break
		}
	}
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}

func joinErrors(errs []error) error {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return fmt.Errorf("%s", msg)
}

// failAndCleanup marks a range ERROR and attempts to destroy every
// resource id already recorded for it, per the partial-failure policy.
func (o *Orchestrator) failAndCleanup(ctx context.Context, rangeID string, meta *types.RangeMetadata, res *types.RangeResources, cause error) {
	meta.Status = types.RangeStatusError
	meta.LastModified = time.Now()

	if err := o.releaseResources(ctx, rangeID, meta.ProviderURI, res); err != nil {
		log.WithRangeID(rangeID).Warn().Err(err).Msg("partial cleanup after creation failure encountered further errors")
	}

	o.mu.Lock()
	o.registry.Put(*meta, types.RangeResources{RangeID: rangeID})
	o.mu.Unlock()
}

// Remove deletes a range's metadata and directory. A non-terminal
// range is rejected unless force is set, in which case it is
// force-destroyed first.
func (o *Orchestrator) Remove(ctx context.Context, rangeID string, force bool) error {
	meta, ok := o.registry.GetMetadata(rangeID)
	if !ok {
		return cyerr.Wrap(cyerr.ConfigError, "Remove", rangeID, fmt.Errorf("range %s not found", rangeID))
	}

	terminal := meta.Status == types.RangeStatusDestroyed || meta.Status == types.RangeStatusError
	if !terminal {
		if !force {
			return cyerr.Wrap(cyerr.ConfigError, "Remove", rangeID, fmt.Errorf("range %s is %s; use force to remove a non-terminal range", rangeID, meta.Status))
		}
		if err := o.Destroy(ctx, rangeID, true); err != nil {
			return err
		}
	}

	if err := o.registry.Remove(rangeID); err != nil {
		return cyerr.Wrap(cyerr.ResourceError, "Remove", rangeID, err)
	}

	dir := o.registry.RangeDir(rangeID)
	if err := os.RemoveAll(dir); err != nil {
		log.WithRangeID(rangeID).Warn().Err(err).Str("dir", dir).Msg("range directory removal reported an error")
	}
	return nil
}
