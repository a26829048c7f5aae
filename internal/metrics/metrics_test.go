package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetControllers(3)
		m.Mounted("zip")
		m.FalsePositive(true)
		m.OpenResourcesGauge("file:/")(2)
		m.ForgetMountPoint("file:/")
		m.LockRetry()
		m.Synced("ok")
		m.SyncRetry()
		m.ObserveSync(time.Second)
		m.CacheFlushed()
		m.CacheMissed()
	})
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetControllers(2)
	m.Mounted("zip")
	m.Mounted("zip")
	m.FalsePositive(false)
	m.LockRetry()
	m.Synced("warning")
	m.OpenResourcesGauge("file:/")(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Controllers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Mounts.WithLabelValues("zip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FalsePositives.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LockRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Syncs.WithLabelValues("warning")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.OpenResources.WithLabelValues("file:/")))

	m.ForgetMountPoint("file:/")
	assert.Equal(t, 1, testutil.CollectAndCount(m.Mounts))
	assert.Equal(t, 0, testutil.CollectAndCount(m.OpenResources))

	// A second instance registers on its own registry.
	assert.NotPanics(t, func() { New() })
}
