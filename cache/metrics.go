package cache

import (
	"github.com/IdrisKulubi/m-buzzvar-sub000/metric"
)

// storeMetrics bridges store events onto the shared Prometheus metrics,
// labeled with this store's name so multiple stores can share a registry.
type storeMetrics struct {
	core *metric.Metrics
	name string
}

func newStoreMetrics(core *metric.Metrics, name string) *storeMetrics {
	return &storeMetrics{core: core, name: name}
}

func (m *storeMetrics) recordHit(tier string) {
	m.core.RecordCacheHit(m.name, tier)
}

func (m *storeMetrics) recordMiss() {
	m.core.RecordCacheMiss(m.name)
}

func (m *storeMetrics) recordEviction(reason string) {
	m.core.RecordCacheEviction(m.name, reason)
}

func (m *storeMetrics) updateSize(size int) {
	m.core.RecordCacheSize(m.name, size)
}
