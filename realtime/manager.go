package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/health"
	"github.com/IdrisKulubi/m-buzzvar-sub000/metric"
	"github.com/IdrisKulubi/m-buzzvar-sub000/pkg/retry"
)

const (
	// DefaultMaxRetries bounds establishment retries per Subscribe call.
	DefaultMaxRetries = 3

	// DefaultHeartbeatInterval drives staleness detection; a record quiet
	// for more than twice this interval is recycled.
	DefaultHeartbeatInterval = 30 * time.Second

	healthComponent = "realtime"
)

// ConnectionStatus is the manager-wide view of the link to the remote
// source.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)

// SubscriptionState is the per-id lifecycle.
type SubscriptionState int

const (
	StateUnsubscribed SubscriptionState = iota
	StateSubscribing
	StateSubscribed
	StateReconnecting
)

func (s SubscriptionState) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Callbacks receive dispatched events. Inserts and updates arrive as
// hydrated rows; deletes arrive as the removed rows' ids. Nil callbacks are
// skipped.
type Callbacks struct {
	OnInsert func(rows []Row)
	OnUpdate func(rows []Row)
	OnDelete func(ids []string)
	OnError  func(err error)
}

// Config describes one subscription.
type Config struct {
	// Topic selects the change stream; Filter narrows it.
	Topic  string
	Filter string

	// Table is queried to hydrate insert/update rows before dispatch.
	// Defaults to Topic.
	Table string

	// BatchUpdates coalesces bursts behind a debounce window.
	BatchUpdates bool
	BatchDelay   time.Duration

	// MaxRetries bounds establishment attempts beyond the first.
	MaxRetries int

	// EstablishTimeout bounds each establishment attempt.
	EstablishTimeout time.Duration

	// BackoffBase scales the retry schedule; attempt n waits
	// 2^n * BackoffBase. Defaults to one second.
	BackoffBase time.Duration

	Callbacks Callbacks
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Table == "" {
		out.Table = out.Topic
	}
	if out.BatchDelay <= 0 {
		out.BatchDelay = DefaultBatchDelay
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.EstablishTimeout <= 0 {
		out.EstablishTimeout = DefaultEstablishTimeout
	}
	return out
}

// Result reports the outcome of a Subscribe call.
type Result struct {
	Success bool
	Err     error
}

// subscription is one live record. The manager is its only writer.
type subscription struct {
	id           string
	config       Config
	state        SubscriptionState
	retryCount   int
	lastActivity time.Time
	channelKey   string
	channel      *pooledChannel
	batcher      *batcher
}

// Manager owns every subscription record, the channel pool, and the
// heartbeat. Construct one per process and inject it.
type Manager struct {
	source      RemoteSource
	invalidator Invalidator
	pool        *channelPool
	monitor     *health.Monitor
	metrics     *metric.Metrics
	logger      *slog.Logger
	now         func() time.Time

	heartbeatInterval time.Duration

	mu            sync.Mutex
	subs          map[string]*subscription
	status        ConnectionStatus
	statusFns     []func(ConnectionStatus)
	heartbeatStop chan struct{}
	closed        bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithInvalidator(inv Invalidator) ManagerOption { return func(m *Manager) { m.invalidator = inv } }
func WithMonitor(mon *health.Monitor) ManagerOption { return func(m *Manager) { m.monitor = mon } }
func WithMetrics(mx *metric.Metrics) ManagerOption  { return func(m *Manager) { m.metrics = mx } }
func WithLogger(l *slog.Logger) ManagerOption       { return func(m *Manager) { m.logger = l } }
func WithClock(now func() time.Time) ManagerOption  { return func(m *Manager) { m.now = now } }

// WithHeartbeatInterval overrides the staleness scan interval.
func WithHeartbeatInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

// OnConnectionChange registers a callback for global status transitions.
func OnConnectionChange(fn func(ConnectionStatus)) ManagerOption {
	return func(m *Manager) { m.statusFns = append(m.statusFns, fn) }
}

// NewManager creates a subscription manager over source.
func NewManager(source RemoteSource, opts ...ManagerOption) *Manager {
	m := &Manager{
		source:            source,
		logger:            slog.Default(),
		now:               time.Now,
		heartbeatInterval: DefaultHeartbeatInterval,
		subs:              make(map[string]*subscription),
		status:            StatusDisconnected,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.pool = newChannelPool(source, m.logger, m.handleChannelStatus)
	return m
}

// Subscribe establishes (or replaces) the subscription registered under id.
// A prior subscription with the same id is torn down first. Establishment
// failures retry with exponential backoff up to MaxRetries; exhaustion
// surfaces in the returned Result and the record is cleared.
func (m *Manager) Subscribe(ctx context.Context, id string, config Config) Result {
	if id == "" || config.Topic == "" {
		err := errors.WrapInvalid(errors.ErrInvalidConfig, "realtime", "Subscribe", "id and topic required")
		return Result{Err: err}
	}
	config = config.withDefaults()

	m.Unsubscribe(id)

	sub := &subscription{
		id:           id,
		config:       config,
		state:        StateSubscribing,
		lastActivity: m.now(),
	}
	sub.channelKey = poolKey(config.Topic, config.Filter)
	if config.BatchUpdates {
		sub.batcher = newBatcher(config.BatchDelay, func(batch []ChangeEvent) {
			m.dispatch(sub, batch)
		})
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Result{Err: errors.WrapFatal(errors.ErrStoreClosed, "realtime", "Subscribe", "manager closed")}
	}
	m.subs[id] = sub
	m.startHeartbeatLocked()
	m.mu.Unlock()

	if err := m.establish(ctx, sub); err != nil {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		if sub.batcher != nil {
			sub.batcher.stop()
		}
		m.removeHealth(id)
		m.updateActiveMetric()
		return Result{Err: err}
	}

	m.updateHealth(id, sub)
	m.updateActiveMetric()
	return Result{Success: true}
}

// establish acquires the pooled channel with backoff. Attempt n waits
// 2^n seconds before retrying, up to the configured retry limit.
func (m *Manager) establish(ctx context.Context, sub *subscription) error {
	cfg := retry.Establish()
	cfg.MaxAttempts = sub.config.MaxRetries + 1
	if sub.config.BackoffBase > 0 {
		cfg.InitialDelay = 2 * sub.config.BackoffBase
		cfg.MaxDelay = 30 * sub.config.BackoffBase
	}

	handler := func(ev ChangeEvent) { m.handleEvent(sub.id, ev) }

	attempts := 0
	err := retry.Do(ctx, cfg, func() error {
		attempts++
		m.mu.Lock()
		sub.retryCount = attempts - 1
		m.mu.Unlock()

		pc, acquireErr := m.pool.acquire(ctx, sub.config.Topic, sub.config.Filter, sub.id, handler, sub.config.EstablishTimeout)
		if acquireErr != nil {
			return acquireErr
		}
		m.mu.Lock()
		sub.channel = pc
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		m.setStatus(StatusDisconnected)
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrMaxRetriesExceeded, err),
			"realtime", "establish", fmt.Sprintf("subscription %s after %d attempts", sub.id, attempts))
	}

	m.mu.Lock()
	sub.state = StateSubscribed
	sub.lastActivity = m.now()
	m.mu.Unlock()
	m.setStatus(StatusConnected)
	return nil
}

// handleEvent is invoked by the pool's fanout goroutine for every raw
// event. Cache invalidation happens first so reads issued from callbacks
// never observe stale entries.
func (m *Manager) handleEvent(id string, ev ChangeEvent) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.lastActivity = m.now()
	batcher := sub.batcher
	m.mu.Unlock()

	m.invalidateFor(ev)

	if batcher != nil {
		batcher.enqueue(ev)
		return
	}
	m.dispatch(sub, []ChangeEvent{ev})
}

func (m *Manager) invalidateFor(ev ChangeEvent) {
	if m.invalidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := ev.NewRow
	if row == nil {
		row = ev.OldRow
	}
	if venueID := row.VenueID(); venueID != "" {
		m.invalidator.InvalidateVenue(ctx, venueID)
	}
	m.invalidator.InvalidateVibeChecks(ctx)
}

// dispatch groups a drained batch by kind, hydrates inserts and updates
// with one query per group, and invokes the subscription's callbacks.
// Enqueue order is preserved within each kind.
func (m *Manager) dispatch(sub *subscription, batch []ChangeEvent) {
	var inserts, updates []Row
	var deletes []string
	for _, ev := range batch {
		switch ev.Kind {
		case KindInsert:
			inserts = append(inserts, ev.NewRow)
		case KindUpdate:
			updates = append(updates, ev.NewRow)
		case KindDelete:
			deletes = append(deletes, ev.OldRow.ID())
		}
	}

	cb := sub.config.Callbacks
	if len(inserts) > 0 && cb.OnInsert != nil {
		cb.OnInsert(m.hydrate(sub, inserts))
		m.recordDispatch(sub.id, KindInsert, len(inserts))
	}
	if len(updates) > 0 && cb.OnUpdate != nil {
		cb.OnUpdate(m.hydrate(sub, updates))
		m.recordDispatch(sub.id, KindUpdate, len(updates))
	}
	if len(deletes) > 0 && cb.OnDelete != nil {
		cb.OnDelete(deletes)
		m.recordDispatch(sub.id, KindDelete, len(deletes))
	}
}

// hydrate fetches full denormalized rows for the batch in one query,
// preserving input order. On query failure the raw event rows dispatch
// as-is; staleness beats losing the event.
func (m *Manager) hydrate(sub *subscription, rows []Row) []Row {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if id := row.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return rows
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fetched, err := m.source.Query(ctx, sub.config.Table, map[string]any{"id_in": ids})
	if err != nil {
		m.logger.Warn("hydration query failed, dispatching raw rows",
			"subscription", sub.id, "table", sub.config.Table, "error", err)
		if cb := sub.config.Callbacks.OnError; cb != nil {
			cb(errors.WrapTransient(err, "realtime", "hydrate", "query "+sub.config.Table))
		}
		return rows
	}

	byID := make(map[string]Row, len(fetched))
	for _, row := range fetched {
		byID[row.ID()] = row
	}
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		if full, ok := byID[row.ID()]; ok {
			out = append(out, full)
		} else {
			out = append(out, row)
		}
	}
	return out
}

// handleChannelStatus reacts to mid-session lifecycle transitions from the
// pool. Errors flip global status to disconnected and mark the channel's
// subscriptions for heartbeat-driven recovery rather than reconnecting
// inline.
func (m *Manager) handleChannelStatus(key string, st ChannelStatus) {
	switch st.State {
	case ChannelEstablished:
		return
	case ChannelError, ChannelClosed:
		m.mu.Lock()
		affected := 0
		for _, sub := range m.subs {
			if sub.channelKey == key && sub.state == StateSubscribed {
				sub.state = StateReconnecting
				// Backdate activity so the next heartbeat scan picks
				// the record up immediately.
				sub.lastActivity = time.Time{}
				affected++
			}
		}
		m.mu.Unlock()

		if affected > 0 {
			m.logger.Warn("channel dropped, awaiting heartbeat recovery",
				"channel", key, "subscriptions", affected, "error", st.Err)
			m.setStatus(StatusDisconnected)
			if m.monitor != nil {
				if st.Err != nil {
					m.monitor.Update(healthComponent, health.FromError(healthComponent, st.Err))
				} else {
					m.monitor.UpdateUnhealthy(healthComponent, "change channel dropped")
				}
			}
		}
	}
}

// Unsubscribe tears down the subscription registered under id: the batch
// timer is cancelled, queued events are discarded, and the channel
// reference is released (closing the channel only when no other id shares
// it).
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, id)
	sub.state = StateUnsubscribed
	m.mu.Unlock()

	if sub.batcher != nil {
		sub.batcher.stop()
	}
	m.pool.release(sub.channel, id)
	m.removeHealth(id)
	m.updateActiveMetric()
}

// UnsubscribeAll tears down every subscription and stops the heartbeat.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[string]*subscription)
	m.stopHeartbeatLocked()
	m.mu.Unlock()

	for _, sub := range subs {
		if sub.batcher != nil {
			sub.batcher.stop()
		}
		m.pool.release(sub.channel, sub.id)
		m.removeHealth(sub.id)
	}
	m.updateActiveMetric()
}

// Close shuts the manager down permanently.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.UnsubscribeAll()
}

// Status returns the global connection status.
func (m *Manager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) setStatus(status ConnectionStatus) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	fns := m.statusFns
	m.mu.Unlock()

	m.logger.Info("connection status changed", "status", string(status))
	if m.metrics != nil {
		m.metrics.RecordConnectionStatus(connectionStatusValue(status))
	}
	for _, fn := range fns {
		fn(status)
	}
}

func connectionStatusValue(status ConnectionStatus) int {
	switch status {
	case StatusConnected:
		return 1
	case StatusReconnecting:
		return 2
	default:
		return 0
	}
}

// SubscriptionSnapshot is a non-mutating view of one record.
type SubscriptionSnapshot struct {
	ID           string
	Topic        string
	State        string
	RetryCount   int
	LastActivity time.Time
	QueuedEvents int
}

// Stats summarizes the manager's current records.
type Stats struct {
	Total         int
	Status        ConnectionStatus
	ByState       map[string]int
	OpenChannels  int
	Subscriptions []SubscriptionSnapshot
}

// Stats returns counts and per-subscription snapshots.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:        len(m.subs),
		Status:       m.status,
		ByState:      make(map[string]int),
		OpenChannels: m.pool.size(),
	}
	for _, sub := range m.subs {
		s.ByState[sub.state.String()]++
		snap := SubscriptionSnapshot{
			ID:           sub.id,
			Topic:        sub.config.Topic,
			State:        sub.state.String(),
			RetryCount:   sub.retryCount,
			LastActivity: sub.lastActivity,
		}
		if sub.batcher != nil {
			snap.QueuedEvents = sub.batcher.pending()
		}
		s.Subscriptions = append(s.Subscriptions, snap)
	}
	return s
}

// startHeartbeatLocked launches the staleness scanner if it is not already
// running. Caller holds m.mu.
func (m *Manager) startHeartbeatLocked() {
	if m.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	m.heartbeatStop = stop
	go m.heartbeatLoop(stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.recoverStale()
		}
	}
}

// recoverStale resubscribes every record whose last activity is older than
// twice the heartbeat interval, carrying its original config.
func (m *Manager) recoverStale() {
	cutoff := m.now().Add(-2 * m.heartbeatInterval)

	m.mu.Lock()
	var stale, live []*subscription
	for _, sub := range m.subs {
		if sub.lastActivity.Before(cutoff) {
			stale = append(stale, sub)
		} else {
			live = append(live, sub)
		}
	}
	m.mu.Unlock()

	// Live records re-report health each scan, so the monitor's staleness
	// decay fires only when this loop itself stops running.
	for _, sub := range live {
		m.updateHealth(sub.id, sub)
	}

	if len(stale) == 0 {
		return
	}

	m.setStatus(StatusReconnecting)
	m.logger.Info("heartbeat recovering stale subscriptions", "count", len(stale))
	if m.metrics != nil {
		m.metrics.RecordChannelReconnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, sub := range stale {
		id, config := sub.id, sub.config
		result := m.Subscribe(ctx, id, config)
		if result.Err != nil {
			m.logger.Warn("heartbeat resubscribe failed", "subscription", id, "error", result.Err)
			if cb := config.Callbacks.OnError; cb != nil {
				cb(result.Err)
			}
		}
	}
}

func (m *Manager) updateHealth(id string, sub *subscription) {
	if m.monitor == nil {
		return
	}
	m.mu.Lock()
	last := sub.lastActivity
	m.mu.Unlock()

	name := healthComponent + "." + id
	m.monitor.Update(name, health.NewHealthy(name, "subscribed to "+sub.config.Topic).
		WithMetrics(&health.Metrics{LastActivity: last}))
}

func (m *Manager) removeHealth(id string) {
	if m.monitor == nil {
		return
	}
	m.monitor.Remove(healthComponent + "." + id)
}

func (m *Manager) updateActiveMetric() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	count := len(m.subs)
	m.mu.Unlock()
	m.metrics.RecordSubscriptionsActive(count)
}

func (m *Manager) recordDispatch(id string, kind EventKind, count int) {
	if m.metrics == nil {
		return
	}
	for i := 0; i < count; i++ {
		m.metrics.RecordEventDispatched(id, string(kind))
	}
}
