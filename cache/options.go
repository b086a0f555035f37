package cache

import (
	"log/slog"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/metric"
	"github.com/IdrisKulubi/m-buzzvar-sub000/perf"
)

type options struct {
	maxEntries  int
	defaultTTL  time.Duration
	metricsCore *metric.Metrics
	metricsName string
	recorder    *perf.Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Store at construction.
type Option func(*options)

func applyOptions(opts ...Option) options {
	o := options{
		maxEntries: DefaultMaxEntries,
		defaultTTL: DefaultTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// WithMaxEntries bounds the in-memory tier. Values <= 0 fall back to
// DefaultMaxEntries.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithDefaultTTL overrides the TTL applied when Set has no explicit one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.defaultTTL = ttl
		}
	}
}

// WithMetrics publishes store events to the shared Prometheus metrics,
// labeled with name.
func WithMetrics(m *metric.Metrics, name string) Option {
	return func(o *options) {
		o.metricsCore = m
		o.metricsName = name
	}
}

// WithRecorder mirrors hit/miss events into the lightweight in-process
// performance recorder.
func WithRecorder(r *perf.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// SetOption adjusts a single Set call.
type SetOption func(*time.Duration)

// WithTTL overrides the TTL for this entry only.
func WithTTL(ttl time.Duration) SetOption {
	return func(d *time.Duration) {
		if ttl > 0 {
			*d = ttl
		}
	}
}
