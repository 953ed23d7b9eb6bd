package orchestrator

import (
	"context"
	"time"

	"github.com/cyberrange/cyris/pkg/log"
	"github.com/cyberrange/cyris/pkg/metrics"
	"github.com/cyberrange/cyris/pkg/types"
)

// recoverOnStartup loads the registry (already done by registry.Open)
// and probes every ACTIVE or CREATING range for vanished domains,
// marking them ERROR. It never automatically destroys or removes a
// range — only the operator does that.
func (o *Orchestrator) recoverOnStartup(ctx context.Context) {
	logger := log.WithComponent("orchestrator")
	for _, meta := range o.registry.ListMetadata() {
		if meta.Status != types.RangeStatusActive && meta.Status != types.RangeStatusCreating {
			continue
		}
		if o.anyDomainVanished(ctx, meta) {
			logger.Warn().Str("range_id", meta.RangeID).Msg("range had vanished domains at startup, marking ERROR")
			meta.Status = types.RangeStatusError
			meta.LastModified = time.Now()
			o.mu.Lock()
			o.registry.PutMetadata(meta)
			o.mu.Unlock()
		}
	}
}

func (o *Orchestrator) anyDomainVanished(ctx context.Context, meta types.RangeMetadata) bool {
	res, ok := o.registry.GetResources(meta.RangeID)
	if !ok {
		return false
	}
	uri := meta.ProviderURI
	if uri == "" {
		uri = o.settings.LibvirtURI
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, domName := range res.DomainNames {
		state, err := o.provider.Status(probeCtx, uri, domName)
		if err != nil || state == types.DomainNotFound {
			return true
		}
	}
	return false
}

// reconcileLoop is the optional, disabled-by-default recurring sweep:
// the same non-destructive probe as the mandatory start-up check, run
// on a ticker instead of once.
func (o *Orchestrator) reconcileLoop(interval time.Duration) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.recoverOnStartup(context.Background())
			metrics.ReconcileCyclesTotal.Inc()
		}
	}
}
