// Package connectivity answers "are we online" cheaply. Probes can be
// expensive (network round trips), so results are cached briefly and probe
// frequency is rate limited under concurrent callers.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/IdrisKulubi/m-buzzvar-sub000/metric"
)

// DefaultCacheWindow is how long a probe result stays fresh.
const DefaultCacheWindow = 5 * time.Second

// Result is a point-in-time connectivity reading.
type Result struct {
	Connected         bool
	InternetReachable bool
	CheckedAt         time.Time
}

// Online reports whether the device has a usable connection.
func (r Result) Online() bool {
	return r.Connected && r.InternetReachable
}

// Probe performs one reachability check.
type Probe interface {
	Check(ctx context.Context) (Result, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (Result, error)

func (f ProbeFunc) Check(ctx context.Context) (Result, error) {
	return f(ctx)
}

// Gate caches probe results for a short window and rate limits actual
// probing. A probe failure reads as offline rather than an error; callers
// only ever branch on reachability.
type Gate struct {
	probe   Probe
	window  time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
	flight  singleflight.Group

	mu     sync.Mutex
	last   Result
	hasAny bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

func WithCacheWindow(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

func WithLogger(l *slog.Logger) GateOption      { return func(g *Gate) { g.logger = l } }
func WithMetrics(m *metric.Metrics) GateOption  { return func(g *Gate) { g.metrics = m } }
func WithClock(now func() time.Time) GateOption { return func(g *Gate) { g.now = now } }

// NewGate wraps probe. The limiter allows one probe per cache window with a
// burst of one, so a thundering herd of callers still produces at most one
// network check per window.
func NewGate(probe Probe, opts ...GateOption) *Gate {
	g := &Gate{
		probe:  probe,
		window: DefaultCacheWindow,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.limiter = rate.NewLimiter(rate.Every(g.window), 1)
	return g
}

// Check returns the current connectivity state, probing only when the
// cached result has aged out and the limiter permits.
func (g *Gate) Check(ctx context.Context) Result {
	g.mu.Lock()
	if g.hasAny && g.now().Sub(g.last.CheckedAt) < g.window {
		result := g.last
		g.mu.Unlock()
		return result
	}
	g.mu.Unlock()

	// Racers share the in-flight probe instead of reading the (possibly
	// still zero-valued) last result, so a cold-start herd cannot observe
	// a spurious offline.
	v, _, _ := g.flight.Do("probe", func() (any, error) {
		g.mu.Lock()
		if g.hasAny && g.now().Sub(g.last.CheckedAt) < g.window {
			result := g.last
			g.mu.Unlock()
			return result, nil
		}
		g.mu.Unlock()

		if !g.limiter.Allow() {
			g.mu.Lock()
			result := g.last
			g.mu.Unlock()
			return result, nil
		}

		result, err := g.probe.Check(ctx)
		if err != nil {
			g.logger.Warn("connectivity probe failed, assuming offline", "error", err)
			result = Result{}
		}
		result.CheckedAt = g.now()

		g.mu.Lock()
		g.last = result
		g.hasAny = true
		g.mu.Unlock()

		if g.metrics != nil {
			g.metrics.RecordNetworkReachable(result.Online())
		}
		return result, nil
	})
	return v.(Result)
}

// Online is the fail-fast predicate the service layer uses before remote
// calls.
func (g *Gate) Online(ctx context.Context) bool {
	return g.Check(ctx).Online()
}
