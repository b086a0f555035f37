// Package perf records operation durations and cache hit/miss counters for
// the sync core. The recorder keeps an append-only bounded log of recent
// measurements for diagnostics and optionally mirrors durations into
// Prometheus through the metric registry.
package perf

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/metric"
)

// DefaultMaxEntries bounds the in-memory measurement log. Oldest entries are
// dropped once the cap is exceeded.
const DefaultMaxEntries = 500

// Metric is one recorded measurement.
type Metric struct {
	Name      string            `json:"name"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// counterPair tracks hits and misses for one named cache.
type counterPair struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Recorder collects performance measurements. One instance per process,
// injected into the components that report to it.
type Recorder struct {
	mu         sync.Mutex
	entries    []Metric
	maxEntries int

	countersMu sync.RWMutex
	counters   map[string]*counterPair

	core *metric.Metrics // optional Prometheus mirror
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithMaxEntries overrides the measurement log cap.
func WithMaxEntries(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.maxEntries = n
		}
	}
}

// WithMetrics mirrors durations and cache counters into the registry's core
// metrics. If registry is nil, this option is ignored.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Recorder) {
		if registry != nil {
			r.core = registry.CoreMetrics()
		}
	}
}

// NewRecorder creates a performance recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		maxEntries: DefaultMaxEntries,
		counters:   make(map[string]*counterPair),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record appends one measurement, dropping the oldest once the cap is hit.
func (r *Recorder) Record(name string, duration time.Duration, metadata map[string]string) {
	entry := Metric{
		Name:      name,
		Duration:  duration,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.maxEntries {
		// Drop oldest; copy to release the backing array's head
		overflow := len(r.entries) - r.maxEntries
		r.entries = append([]Metric(nil), r.entries[overflow:]...)
	}
	r.mu.Unlock()

	if r.core != nil {
		r.core.RecordOperationDuration("perf", name, duration)
	}
}

// RecordHit increments the hit counter for a named cache.
func (r *Recorder) RecordHit(cache string) {
	r.pair(cache).hits.Add(1)
	if r.core != nil {
		r.core.RecordCacheHit(cache, "memory")
	}
}

// RecordMiss increments the miss counter for a named cache.
func (r *Recorder) RecordMiss(cache string) {
	r.pair(cache).misses.Add(1)
	if r.core != nil {
		r.core.RecordCacheMiss(cache)
	}
}

func (r *Recorder) pair(cache string) *counterPair {
	r.countersMu.RLock()
	p, ok := r.counters[cache]
	r.countersMu.RUnlock()
	if ok {
		return p
	}

	r.countersMu.Lock()
	defer r.countersMu.Unlock()
	if p, ok = r.counters[cache]; ok {
		return p
	}
	p = &counterPair{}
	r.counters[cache] = p
	return p
}

// HitRatio returns hits/(hits+misses) for a named cache, 0 if untouched.
func (r *Recorder) HitRatio(cache string) float64 {
	r.countersMu.RLock()
	p, ok := r.counters[cache]
	r.countersMu.RUnlock()
	if !ok {
		return 0
	}

	hits := p.hits.Load()
	total := hits + p.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Hits returns the hit count for a named cache.
func (r *Recorder) Hits(cache string) int64 {
	r.countersMu.RLock()
	defer r.countersMu.RUnlock()
	if p, ok := r.counters[cache]; ok {
		return p.hits.Load()
	}
	return 0
}

// Misses returns the miss count for a named cache.
func (r *Recorder) Misses(cache string) int64 {
	r.countersMu.RLock()
	defer r.countersMu.RUnlock()
	if p, ok := r.counters[cache]; ok {
		return p.misses.Load()
	}
	return 0
}

// Entries returns a snapshot of the measurement log, oldest first.
func (r *Recorder) Entries() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Metric, len(r.entries))
	copy(out, r.entries)
	return out
}

// EntriesFor returns a snapshot of measurements with the given name.
func (r *Recorder) EntriesFor(name string) []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Metric
	for _, e := range r.entries {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the measurement log and all counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()

	r.countersMu.Lock()
	r.counters = make(map[string]*counterPair)
	r.countersMu.Unlock()
}

// Time wraps fn with start/stop timing. Errors are tagged in the
// measurement's metadata rather than swallowed.
func (r *Recorder) Time(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	metadata := map[string]string{"status": "ok"}
	if err != nil {
		metadata["status"] = "error"
		metadata["error"] = err.Error()
	}
	r.Record(name, time.Since(start), metadata)
	return err
}

// TimeWithResult wraps a result-returning fn with timing.
func TimeWithResult[T any](ctx context.Context, r *Recorder, name string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	result, err := fn(ctx)
	metadata := map[string]string{"status": "ok"}
	if err != nil {
		metadata["status"] = "error"
		metadata["error"] = err.Error()
	}
	r.Record(name, time.Since(start), metadata)
	return result, err
}
