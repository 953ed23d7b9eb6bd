package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RangesTotal tracks ranges by their current lifecycle status.
	RangesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyris_ranges_total",
			Help: "Total number of ranges by lifecycle status",
		},
		[]string{"status"},
	)

	DomainsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyris_domains_total",
			Help: "Total number of libvirt domains by state",
		},
		[]string{"state"},
	)

	RangeCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyris_range_create_duration_seconds",
			Help:    "Time taken to provision a range end to end",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	RangeDestroyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyris_range_destroy_duration_seconds",
			Help:    "Time taken to tear down a range",
			Buckets: prometheus.DefBuckets,
		},
	)

	RangeCreateFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyris_range_create_failures_total",
			Help: "Total number of range creations that ended in ERROR",
		},
	)

	GuestBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyris_guest_boot_duration_seconds",
			Help:    "Time spent waiting for a booted guest's SSH port to accept connections",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyris_task_executions_total",
			Help: "Total number of post-boot tasks executed, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyris_task_execution_duration_seconds",
			Help:    "Post-boot task execution duration in seconds, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	SSHPoolConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyris_ssh_pool_connections",
			Help: "Current number of pooled SSH connections",
		},
	)

	TunnelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyris_tunnels_active",
			Help: "Current number of open gateway/entry-point SSH tunnels",
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyris_reconcile_cycles_total",
			Help: "Total number of background reconcile cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RangesTotal,
		DomainsTotal,
		RangeCreateDuration,
		RangeDestroyDuration,
		RangeCreateFailuresTotal,
		GuestBootDuration,
		TaskExecutionsTotal,
		TaskExecutionDuration,
		SSHPoolConnectionsTotal,
		TunnelsActive,
		ReconcileCyclesTotal,
	)
}

// Handler serves the registered metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for one operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
