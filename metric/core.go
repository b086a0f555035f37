package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the core sync metrics shared across components
type Metrics struct {
	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheSize      *prometheus.GaugeVec

	// Operation metrics
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec

	// Real-time metrics
	ConnectionStatus    prometheus.Gauge
	SubscriptionsActive prometheus.Gauge
	ChannelReconnects   prometheus.Counter
	EventsDispatched    *prometheus.CounterVec

	// Connectivity metrics
	NetworkReachable prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all core sync metrics
func NewMetrics() *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buzzvar",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache", "tier"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buzzvar",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),

		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buzzvar",
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of cache evictions",
			},
			[]string{"cache", "reason"},
		),

		CacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "buzzvar",
				Subsystem: "cache",
				Name:      "size",
				Help:      "Current number of entries in cache",
			},
			[]string{"cache"},
		),

		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "buzzvar",
				Subsystem: "sync",
				Name:      "operation_duration_seconds",
				Help:      "Sync operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buzzvar",
				Subsystem: "sync",
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "type"},
		),

		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "buzzvar",
				Subsystem: "realtime",
				Name:      "connection_status",
				Help:      "Real-time connection status (0=disconnected, 1=connected, 2=reconnecting)",
			},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "buzzvar",
				Subsystem: "realtime",
				Name:      "subscriptions_active",
				Help:      "Number of active subscriptions",
			},
		),

		ChannelReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "buzzvar",
				Subsystem: "realtime",
				Name:      "channel_reconnects_total",
				Help:      "Total number of channel reconnections",
			},
		),

		EventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "buzzvar",
				Subsystem: "realtime",
				Name:      "events_dispatched_total",
				Help:      "Total number of change events dispatched to subscribers",
			},
			[]string{"subscription", "kind"},
		),

		NetworkReachable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "buzzvar",
				Subsystem: "connectivity",
				Name:      "network_reachable",
				Help:      "Network reachability (0=unreachable, 1=reachable)",
			},
		),
	}
}

// RecordCacheHit increments the hit counter for the named cache and tier
func (c *Metrics) RecordCacheHit(cache, tier string) {
	c.CacheHits.WithLabelValues(cache, tier).Inc()
}

// RecordCacheMiss increments the miss counter for the named cache
func (c *Metrics) RecordCacheMiss(cache string) {
	c.CacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheEviction increments the eviction counter for the named cache
func (c *Metrics) RecordCacheEviction(cache, reason string) {
	c.CacheEvictions.WithLabelValues(cache, reason).Inc()
}

// RecordCacheSize updates the entry-count gauge for the named cache
func (c *Metrics) RecordCacheSize(cache string, size int) {
	c.CacheSize.WithLabelValues(cache).Set(float64(size))
}

// RecordOperationDuration records how long a sync operation took
func (c *Metrics) RecordOperationDuration(component, operation string, duration time.Duration) {
	c.OperationDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, errorType string) {
	c.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordConnectionStatus updates the real-time connection status gauge
func (c *Metrics) RecordConnectionStatus(status int) {
	c.ConnectionStatus.Set(float64(status))
}

// RecordSubscriptionsActive updates the active-subscription gauge
func (c *Metrics) RecordSubscriptionsActive(count int) {
	c.SubscriptionsActive.Set(float64(count))
}

// RecordChannelReconnect increments the reconnection counter
func (c *Metrics) RecordChannelReconnect() {
	c.ChannelReconnects.Inc()
}

// RecordEventDispatched increments the dispatched-event counter
func (c *Metrics) RecordEventDispatched(subscription, kind string) {
	c.EventsDispatched.WithLabelValues(subscription, kind).Inc()
}

// RecordNetworkReachable updates the reachability gauge
func (c *Metrics) RecordNetworkReachable(reachable bool) {
	value := 0.0
	if reachable {
		value = 1.0
	}
	c.NetworkReachable.Set(value)
}
