// Package metrics holds the Prometheus collectors of a federated file
// system. All methods are safe to call on a nil *Metrics, which records
// nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Registry *prometheus.Registry

	// Controller metrics
	Controllers    prometheus.Gauge
	Mounts         *prometheus.CounterVec
	FalsePositives *prometheus.CounterVec
	OpenResources  *prometheus.GaugeVec

	// Lock metrics
	LockRetries prometheus.Counter

	// Sync metrics
	Syncs        *prometheus.CounterVec
	SyncRetries  prometheus.Counter
	SyncDuration prometheus.Histogram

	// Cache metrics
	CacheFlushes prometheus.Counter
	CacheMisses  prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		Controllers: f.NewGauge(prometheus.GaugeOpts{
			Name: "fedfs_controllers",
			Help: "Number of live file system controllers",
		}),
		Mounts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedfs_mounts_total",
			Help: "Total number of archive file systems mounted",
		}, []string{"scheme"}),
		FalsePositives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedfs_false_positives_total",
			Help: "Total number of operations delegated to the parent file system",
		}, []string{"kind"}),
		OpenResources: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fedfs_open_resources",
			Help: "Number of open streams and channels",
		}, []string{"mount_point"}),

		LockRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "fedfs_lock_retries_total",
			Help: "Total number of operations retried after lock contention",
		}),

		Syncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedfs_syncs_total",
			Help: "Total number of file system syncs",
		}, []string{"result"}),
		SyncRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "fedfs_sync_retries_total",
			Help: "Total number of operations retried after a sync",
		}),
		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedfs_sync_duration_seconds",
			Help:    "Duration of manager syncs in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		CacheFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "fedfs_cache_flushes_total",
			Help: "Total number of cache entries flushed",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "fedfs_cache_misses_total",
			Help: "Total number of cache entries filled from the backing store",
		}),
	}
}

// SetControllers records the number of live controllers.
func (m *Metrics) SetControllers(n int) {
	if m == nil {
		return
	}
	m.Controllers.Set(float64(n))
}

// Mounted counts a mounted archive file system.
func (m *Metrics) Mounted(scheme string) {
	if m == nil {
		return
	}
	m.Mounts.WithLabelValues(scheme).Inc()
}

// FalsePositive counts an operation delegated to the parent file system.
func (m *Metrics) FalsePositive(persistent bool) {
	if m == nil {
		return
	}
	kind := "transient"
	if persistent {
		kind = "persistent"
	}
	m.FalsePositives.WithLabelValues(kind).Inc()
}

// OpenResourcesGauge returns a setter for the open resources of one mount
// point.
func (m *Metrics) OpenResourcesGauge(mountPoint string) func(n int) {
	if m == nil {
		return func(int) {}
	}
	g := m.OpenResources.WithLabelValues(mountPoint)
	return func(n int) { g.Set(float64(n)) }
}

// ForgetMountPoint drops the per mount point series.
func (m *Metrics) ForgetMountPoint(mountPoint string) {
	if m == nil {
		return
	}
	m.OpenResources.DeleteLabelValues(mountPoint)
}

// LockRetry counts an operation retried after lock contention.
func (m *Metrics) LockRetry() {
	if m == nil {
		return
	}
	m.LockRetries.Inc()
}

// Synced counts a sync by result: "ok", "warning" or "failure".
func (m *Metrics) Synced(result string) {
	if m == nil {
		return
	}
	m.Syncs.WithLabelValues(result).Inc()
}

// SyncRetry counts an operation retried after a sync.
func (m *Metrics) SyncRetry() {
	if m == nil {
		return
	}
	m.SyncRetries.Inc()
}

// ObserveSync records the duration of a manager sync.
func (m *Metrics) ObserveSync(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
}

// CacheFlushed counts a flushed cache entry.
func (m *Metrics) CacheFlushed() {
	if m == nil {
		return
	}
	m.CacheFlushes.Inc()
}

// CacheMissed counts a cache entry filled from the backing store.
func (m *Metrics) CacheMissed() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}
