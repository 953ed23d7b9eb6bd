package metrics

import (
	"time"
)

// RangeLister is the subset of the orchestrator a Collector needs to
// poll range counts by status; satisfied by *orchestrator.Orchestrator
// without this package importing it back.
type RangeLister interface {
	CountRangesByStatus() map[string]int
}

// Collector periodically snapshots orchestrator-wide gauges that aren't
// naturally updated at the point of a single state transition, such as
// the count of ranges currently sitting in each lifecycle status.
type Collector struct {
	lister RangeLister
	stopCh chan struct{}
}

// NewCollector builds a Collector over lister.
func NewCollector(lister RangeLister) *Collector {
	return &Collector{
		lister: lister,
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic collection loop in the background.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop ends the periodic collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for status, count := range c.lister.CountRangesByStatus() {
		RangesTotal.WithLabelValues(status).Set(float64(count))
	}
}
