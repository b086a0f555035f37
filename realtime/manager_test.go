package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/health"
)

// fakeChannel is a scriptable ChangeChannel.
type fakeChannel struct {
	events chan ChangeEvent
	status chan ChannelStatus
	closes atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		events: make(chan ChangeEvent, 64),
		status: make(chan ChannelStatus, 8),
	}
}

func (c *fakeChannel) Events() <-chan ChangeEvent   { return c.events }
func (c *fakeChannel) Status() <-chan ChannelStatus { return c.status }
func (c *fakeChannel) Close() error {
	c.closes.Add(1)
	return nil
}

// fakeSource scripts establishment outcomes and answers hydration queries
// from an in-memory table.
type fakeSource struct {
	mu             sync.Mutex
	subscribeCalls int
	queryCalls     int
	failSubscribe  bool
	neverEstablish bool
	channels       []*fakeChannel
	tables         map[string]map[string]Row
}

func newFakeSource() *fakeSource {
	return &fakeSource{tables: make(map[string]map[string]Row)}
}

func (s *fakeSource) putRow(table string, row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]Row)
	}
	s.tables[table][row.ID()] = row
}

func (s *fakeSource) Query(_ context.Context, table string, filter map[string]any) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCalls++

	ids, _ := filter["id_in"].([]string)
	var rows []Row
	for _, id := range ids {
		if row, ok := s.tables[table][id]; ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (s *fakeSource) SubscribeChanges(context.Context, string, string) (ChangeChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeCalls++

	if s.failSubscribe {
		return nil, fmt.Errorf("subscribe refused")
	}

	ch := newFakeChannel()
	s.channels = append(s.channels, ch)
	if !s.neverEstablish {
		ch.status <- ChannelStatus{State: ChannelEstablished}
	}
	return ch, nil
}

func (s *fakeSource) subscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeCalls
}

func (s *fakeSource) queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryCalls
}

func (s *fakeSource) lastChannel() *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return nil
	}
	return s.channels[len(s.channels)-1]
}

// fakeInvalidator records invalidation calls.
type fakeInvalidator struct {
	mu     sync.Mutex
	venues []string
	feeds  int
}

func (f *fakeInvalidator) InvalidateVenue(_ context.Context, venueID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.venues = append(f.venues, venueID)
	return 1
}

func (f *fakeInvalidator) InvalidateVibeChecks(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds++
	return 1
}

// rowCollector gathers callback deliveries.
type rowCollector struct {
	mu      sync.Mutex
	inserts [][]Row
	updates [][]Row
	deletes [][]string
	errs    []error
}

func (c *rowCollector) callbacks() Callbacks {
	return Callbacks{
		OnInsert: func(rows []Row) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.inserts = append(c.inserts, rows)
		},
		OnUpdate: func(rows []Row) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.updates = append(c.updates, rows)
		},
		OnDelete: func(ids []string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.deletes = append(c.deletes, ids)
		},
		OnError: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.errs = append(c.errs, err)
		},
	}
}

func (c *rowCollector) insertCycles() [][]Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Row, len(c.inserts))
	copy(out, c.inserts)
	return out
}

func (c *rowCollector) deleteCycles() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.deletes))
	copy(out, c.deletes)
	return out
}

func fastConfig(topic string, cb Callbacks) Config {
	return Config{
		Topic:            topic,
		Table:            topic,
		MaxRetries:       3,
		EstablishTimeout: 200 * time.Millisecond,
		BackoffBase:      time.Millisecond,
		Callbacks:        cb,
	}
}

func TestSubscribeEstablishes(t *testing.T) {
	source := newFakeSource()
	m := NewManager(source)
	defer m.Close()

	result := m.Subscribe(context.Background(), "vibes", fastConfig("vibe_checks", Callbacks{}))
	require.True(t, result.Success)
	require.NoError(t, result.Err)

	assert.Equal(t, StatusConnected, m.Status())
	stats := m.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByState["subscribed"])
}

func TestSubscribeRejectsInvalidConfig(t *testing.T) {
	m := NewManager(newFakeSource())
	defer m.Close()

	result := m.Subscribe(context.Background(), "", Config{Topic: "x"})
	require.Error(t, result.Err)
	assert.True(t, errors.IsInvalid(result.Err))

	result = m.Subscribe(context.Background(), "id", Config{})
	require.Error(t, result.Err)
}

func TestSubscribeRetryCapThenTerminalError(t *testing.T) {
	source := newFakeSource()
	source.failSubscribe = true
	m := NewManager(source)
	defer m.Close()

	cfg := fastConfig("vibe_checks", Callbacks{})
	cfg.MaxRetries = 2

	result := m.Subscribe(context.Background(), "vibes", cfg)
	require.False(t, result.Success)
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, errors.ErrMaxRetriesExceeded)

	// Initial attempt plus exactly MaxRetries retries.
	assert.Equal(t, 3, source.subscribes())
	assert.Equal(t, 0, m.Stats().Total, "failed subscription leaves no record")
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestSubscribeReplacesExistingID(t *testing.T) {
	source := newFakeSource()
	m := NewManager(source)
	defer m.Close()

	ctx := context.Background()
	require.True(t, m.Subscribe(ctx, "vibes", fastConfig("vibe_checks", Callbacks{})).Success)
	first := source.lastChannel()

	require.True(t, m.Subscribe(ctx, "vibes", fastConfig("vibe_checks", Callbacks{})).Success)

	assert.Equal(t, 1, m.Stats().Total)
	assert.Equal(t, int32(1), first.closes.Load(), "replaced subscription releases its channel")
}

func TestChannelPoolingSharesAndRefcounts(t *testing.T) {
	source := newFakeSource()
	m := NewManager(source)
	defer m.Close()
	ctx := context.Background()

	cfg := fastConfig("vibe_checks", Callbacks{})
	require.True(t, m.Subscribe(ctx, "screen-a", cfg).Success)
	require.True(t, m.Subscribe(ctx, "screen-b", cfg).Success)

	assert.Equal(t, 1, source.subscribes(), "same topic+filter means one channel")
	assert.Equal(t, 1, m.Stats().OpenChannels)

	ch := source.lastChannel()
	m.Unsubscribe("screen-a")
	assert.Equal(t, int32(0), ch.closes.Load(), "channel stays open while another id holds it")

	m.Unsubscribe("screen-b")
	assert.Equal(t, int32(1), ch.closes.Load(), "last release closes the channel")
	assert.Equal(t, 0, m.Stats().OpenChannels)
}

func TestImmediateDispatchHydratesInserts(t *testing.T) {
	source := newFakeSource()
	source.putRow("vibe_checks", Row{"id": "vc1", "venue_id": "v42", "rating": 4.0, "venue_name": "Neon Bar"})

	inv := &fakeInvalidator{}
	collector := &rowCollector{}
	m := NewManager(source, WithInvalidator(inv))
	defer m.Close()

	require.True(t, m.Subscribe(context.Background(), "vibes",
		fastConfig("vibe_checks", collector.callbacks())).Success)

	source.lastChannel().events <- ChangeEvent{
		Kind:   KindInsert,
		NewRow: Row{"id": "vc1", "venue_id": "v42"},
	}

	require.Eventually(t, func() bool {
		return len(collector.insertCycles()) == 1
	}, time.Second, 5*time.Millisecond)

	rows := collector.insertCycles()[0]
	require.Len(t, rows, 1)
	assert.Equal(t, "Neon Bar", rows[0]["venue_name"], "dispatch carries the hydrated row")
	assert.Equal(t, 1, source.queries())

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Equal(t, []string{"v42"}, inv.venues, "cache invalidation precedes dispatch")
	assert.Equal(t, 1, inv.feeds)
}

func TestBatchedDispatchDrainsInOrder(t *testing.T) {
	source := newFakeSource()
	for i := 1; i <= 3; i++ {
		source.putRow("vibe_checks", Row{"id": fmt.Sprintf("vc%d", i), "venue_id": "v1"})
	}

	collector := &rowCollector{}
	cfg := fastConfig("vibe_checks", collector.callbacks())
	cfg.BatchUpdates = true
	cfg.BatchDelay = 50 * time.Millisecond

	m := NewManager(source)
	defer m.Close()
	require.True(t, m.Subscribe(context.Background(), "vibes", cfg).Success)

	ch := source.lastChannel()
	for i := 1; i <= 3; i++ {
		ch.events <- ChangeEvent{Kind: KindInsert, NewRow: Row{"id": fmt.Sprintf("vc%d", i)}}
	}

	require.Eventually(t, func() bool {
		return len(collector.insertCycles()) == 1
	}, time.Second, 5*time.Millisecond)

	rows := collector.insertCycles()[0]
	require.Len(t, rows, 3, "one cycle delivers the whole burst")
	for i, row := range rows {
		assert.Equal(t, fmt.Sprintf("vc%d", i+1), row.ID(), "enqueue order preserved")
	}

	// A second event past the window is its own cycle.
	ch.events <- ChangeEvent{Kind: KindInsert, NewRow: Row{"id": "vc1"}}
	require.Eventually(t, func() bool {
		return len(collector.insertCycles()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestDeleteDispatchesIDsWithoutFetch(t *testing.T) {
	source := newFakeSource()
	collector := &rowCollector{}
	m := NewManager(source)
	defer m.Close()

	require.True(t, m.Subscribe(context.Background(), "vibes",
		fastConfig("vibe_checks", collector.callbacks())).Success)

	source.lastChannel().events <- ChangeEvent{
		Kind:   KindDelete,
		OldRow: Row{"id": "vc9", "venue_id": "v1"},
	}

	require.Eventually(t, func() bool {
		return len(collector.deleteCycles()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"vc9"}, collector.deleteCycles()[0])
	assert.Equal(t, 0, source.queries(), "deletes never hydrate")
}

func TestMidSessionErrorFlipsDisconnected(t *testing.T) {
	source := newFakeSource()
	var transitions []ConnectionStatus
	var mu sync.Mutex
	m := NewManager(source, OnConnectionChange(func(s ConnectionStatus) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, s)
	}))
	defer m.Close()

	require.True(t, m.Subscribe(context.Background(), "vibes",
		fastConfig("vibe_checks", Callbacks{})).Success)
	require.Equal(t, StatusConnected, m.Status())

	source.lastChannel().status <- ChannelStatus{State: ChannelError, Err: fmt.Errorf("socket reset")}

	require.Eventually(t, func() bool {
		return m.Status() == StatusDisconnected
	}, time.Second, 5*time.Millisecond)

	stats := m.Stats()
	assert.Equal(t, 1, stats.ByState["reconnecting"], "affected records await heartbeat recovery")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionStatus{StatusConnected, StatusDisconnected}, transitions)
}

func TestHeartbeatResubscribesStaleRecords(t *testing.T) {
	source := newFakeSource()
	m := NewManager(source, WithHeartbeatInterval(30*time.Millisecond))
	defer m.Close()

	require.True(t, m.Subscribe(context.Background(), "vibes",
		fastConfig("vibe_checks", Callbacks{})).Success)
	require.Equal(t, 1, source.subscribes())

	// No activity arrives, so the record goes stale after two intervals
	// and the heartbeat recycles it with its original config.
	require.Eventually(t, func() bool {
		return source.subscribes() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StatusConnected, m.Status(), "recovery reconnects")
	assert.Equal(t, 1, m.Stats().Total)
}

func TestHeartbeatRecoversSharedChannel(t *testing.T) {
	source := newFakeSource()
	m := NewManager(source, WithHeartbeatInterval(30*time.Millisecond))
	defer m.Close()
	ctx := context.Background()

	cfg := fastConfig("vibe_checks", Callbacks{OnInsert: func([]Row) {}})
	require.True(t, m.Subscribe(ctx, "feed-a", cfg).Success)
	require.True(t, m.Subscribe(ctx, "feed-b", cfg).Success)
	require.Equal(t, 1, source.subscribes(), "both ids share one channel")

	dead := source.lastChannel()
	dead.status <- ChannelStatus{State: ChannelClosed}

	// Neither id ever drops the shared refcount to zero on its own, so
	// recovery must replace the dead pooled entry rather than reattach.
	require.Eventually(t, func() bool {
		return source.subscribes() >= 2
	}, 2*time.Second, 10*time.Millisecond, "recovery opens a fresh channel")

	require.Eventually(t, func() bool {
		return m.Status() == StatusConnected
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return dead.closes.Load() >= 1
	}, 2*time.Second, 10*time.Millisecond, "dead channel closes once its references drain")

	assert.Equal(t, 2, m.Stats().Total)
	assert.Equal(t, 1, m.Stats().OpenChannels)

	// Events flow again on the replacement channel.
	source.putRow("vibe_checks", Row{"id": "vc9", "venue_id": "v1"})
	require.Eventually(t, func() bool {
		source.lastChannel().events <- ChangeEvent{Kind: KindInsert, NewRow: Row{"id": "vc9", "venue_id": "v1"}}
		return source.queries() >= 1
	}, 2*time.Second, 10*time.Millisecond, "replacement channel dispatches")
}

func TestUnsubscribeAll(t *testing.T) {
	source := newFakeSource()
	monitor := health.NewMonitor()
	m := NewManager(source, WithMonitor(monitor))
	defer m.Close()
	ctx := context.Background()

	require.True(t, m.Subscribe(ctx, "a", fastConfig("vibe_checks", Callbacks{})).Success)
	require.True(t, m.Subscribe(ctx, "b", fastConfig("promotions", Callbacks{})).Success)
	require.Equal(t, 2, m.Stats().Total)

	m.UnsubscribeAll()

	stats := m.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0, stats.OpenChannels)
	assert.Equal(t, 0, monitor.Count())
}

func TestUnsubscribeUnknownIDIsNoop(t *testing.T) {
	m := NewManager(newFakeSource())
	defer m.Close()
	m.Unsubscribe("ghost")
}

func TestStatsSnapshots(t *testing.T) {
	source := newFakeSource()
	m := NewManager(source)
	defer m.Close()

	cfg := fastConfig("vibe_checks", Callbacks{})
	cfg.BatchUpdates = true
	require.True(t, m.Subscribe(context.Background(), "vibes", cfg).Success)

	stats := m.Stats()
	require.Len(t, stats.Subscriptions, 1)
	snap := stats.Subscriptions[0]
	assert.Equal(t, "vibes", snap.ID)
	assert.Equal(t, "vibe_checks", snap.Topic)
	assert.Equal(t, "subscribed", snap.State)
	assert.Equal(t, 0, snap.QueuedEvents)
	assert.False(t, snap.LastActivity.IsZero())
}
