package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NotNil(t, registry)
	require.NotNil(t, registry.PrometheusRegistry())
	require.NotNil(t, registry.CoreMetrics())
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_downloads_total",
		Help: "Test counter",
	})

	err := registry.RegisterCounter("assetcache", "downloads", counter)
	require.NoError(t, err)

	// Duplicate registration under the same key is rejected
	err = registry.RegisterCounter("assetcache", "downloads", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterGaugeAndUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_pending_downloads",
		Help: "Test gauge",
	})

	require.NoError(t, registry.RegisterGauge("assetcache", "pending", gauge))

	assert.True(t, registry.Unregister("assetcache", "pending"))
	assert.False(t, registry.Unregister("assetcache", "pending"), "second unregister is a no-op")

	// Re-registration after unregister succeeds
	require.NoError(t, registry.RegisterGauge("assetcache", "pending", gauge))
}

func TestRegisterVecMetrics(t *testing.T) {
	registry := NewMetricsRegistry()

	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_invalidations_total",
		Help: "Test counter vec",
	}, []string{"key_family"})
	require.NoError(t, registry.RegisterCounterVec("cache", "invalidations", counterVec))

	gaugeVec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "test_queue_depth",
		Help: "Test gauge vec",
	}, []string{"subscription"})
	require.NoError(t, registry.RegisterGaugeVec("realtime", "queue_depth", gaugeVec))

	histVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "test_dispatch_seconds",
		Help: "Test histogram vec",
	}, []string{"kind"})
	require.NoError(t, registry.RegisterHistogramVec("realtime", "dispatch", histVec))
}

func TestCoreMetricsRecording(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	// These must not panic and must be registered with the registry
	core.RecordCacheHit("tiered", "memory")
	core.RecordCacheMiss("tiered")
	core.RecordCacheEviction("tiered", "size")
	core.RecordCacheSize("tiered", 42)
	core.RecordError("realtime", "establish_timeout")
	core.RecordConnectionStatus(1)
	core.RecordSubscriptionsActive(3)
	core.RecordChannelReconnect()
	core.RecordEventDispatched("venue-feed", "insert")
	core.RecordNetworkReachable(true)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["buzzvar_cache_hits_total"])
	assert.True(t, names["buzzvar_realtime_connection_status"])
	assert.True(t, names["buzzvar_connectivity_network_reachable"])
}
