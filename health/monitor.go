package health

import (
	"sort"
	"sync"
	"time"
)

// DefaultStaleness is how long a component may go without reporting before
// its healthy status decays to degraded. It spans a few heartbeat scans so
// one missed report does not flap the aggregate.
const DefaultStaleness = 90 * time.Second

// Monitor tracks the sync core's moving parts: cache tiers, the
// connectivity gate, and one entry per live subscription. Components
// report through Update; components that stop reporting decay to degraded
// instead of staying green forever.
type Monitor struct {
	mu        sync.RWMutex
	statuses  map[string]Status
	staleness time.Duration
	now       func() time.Time
}

// MonitorOption configures a Monitor at construction.
type MonitorOption func(*Monitor)

// WithStaleness overrides the decay window.
func WithStaleness(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.staleness = d
		}
	}
}

// WithMonitorClock injects a clock for tests.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor with the default staleness window.
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		statuses:  make(map[string]Status),
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records the latest status for a named component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = m.now()
	}

	m.statuses[name] = status
}

// UpdateUnhealthy marks a component unhealthy with the given message.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Remove drops a component from monitoring, typically on unsubscribe.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// Count returns the number of components being monitored.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.statuses)
}

// Report aggregates every tracked component into one status for the
// health endpoint. A healthy component that has not reported within the
// staleness window reads as degraded, so a wedged reporter cannot keep
// the aggregate green. Sub-statuses come back sorted by component name
// for a stable payload.
func (m *Monitor) Report(system string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	subs := make([]Status, 0, len(m.statuses))
	for name, st := range m.statuses {
		if age := now.Sub(st.Timestamp); st.IsHealthy() && age > m.staleness {
			st = NewDegraded(name, "no health report for "+age.Round(time.Second).String())
		}
		subs = append(subs, st)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })

	return Aggregate(system, subs)
}
