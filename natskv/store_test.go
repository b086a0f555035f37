package natskv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
)

type fakeEntry struct {
	key   string
	value []byte
}

func (e *fakeEntry) Bucket() string                  { return DefaultBucket }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return 1 }
func (e *fakeEntry) Created() time.Time              { return time.Time{} }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeLister struct {
	ch chan string
}

func (l *fakeLister) Keys() <-chan string { return l.ch }
func (l *fakeLister) Stop() error         { return nil }

// fakeBucket implements the narrow bucket interface over a map.
type fakeBucket struct {
	mu       sync.Mutex
	items    map[string][]byte
	failAll  bool
	failPuts int // fail this many Put calls before succeeding
	puts     int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{items: make(map[string][]byte)}
}

func (b *fakeBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll {
		return nil, fmt.Errorf("nats: connection closed")
	}
	v, ok := b.items[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeEntry{key: key, value: v}, nil
}

func (b *fakeBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.failAll || b.puts <= b.failPuts {
		return 0, fmt.Errorf("nats: connection closed")
	}
	b.items[key] = value
	return 1, nil
}

func (b *fakeBucket) Purge(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll {
		return fmt.Errorf("nats: connection closed")
	}
	delete(b.items, key)
	return nil
}

func (b *fakeBucket) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failAll {
		return nil, fmt.Errorf("nats: connection closed")
	}
	ch := make(chan string, len(b.items))
	for k := range b.items {
		ch <- k
	}
	close(ch)
	return &fakeLister{ch: ch}, nil
}

func newTestStore(b bucket) *Store {
	return NewWithBucket(b, DefaultConfig(), nil)
}

func TestStoreSetGetRemove(t *testing.T) {
	s := newTestStore(newFakeBucket())
	ctx := context.Background()

	require.NoError(t, s.SetItem(ctx, "buzzvar_cache:k1", []byte(`{"v":1}`)))

	got, found, err := s.GetItem(ctx, "buzzvar_cache:k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`{"v":1}`), got)

	require.NoError(t, s.RemoveItem(ctx, "buzzvar_cache:k1"))
	_, found, err = s.GetItem(ctx, "buzzvar_cache:k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreMissingKeyIsNotError(t *testing.T) {
	s := newTestStore(newFakeBucket())
	_, found, err := s.GetItem(context.Background(), "buzzvar_cache:absent")
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, s.RemoveItem(context.Background(), "buzzvar_cache:absent"))
}

func TestStoreKeyEncodingRoundTrip(t *testing.T) {
	b := newFakeBucket()
	s := newTestStore(b)
	ctx := context.Background()

	require.NoError(t, s.SetItem(ctx, "buzzvar_cache:venue_details_v42", []byte(`1`)))

	// The bucket must never see a ':' in the stored key.
	b.mu.Lock()
	for k := range b.items {
		assert.NotContains(t, k, ":")
	}
	b.mu.Unlock()

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "buzzvar_cache:venue_details_v42", keys[0])
}

func TestStoreRemoveMany(t *testing.T) {
	b := newFakeBucket()
	s := newTestStore(b)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SetItem(ctx, fmt.Sprintf("buzzvar_cache:k%d", i), []byte(`1`)))
	}

	keys, err := s.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 5)

	require.NoError(t, s.RemoveMany(ctx, keys))
	keys, err = s.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStoreValueSizeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxValueSize = 8
	s := NewWithBucket(newFakeBucket(), cfg, nil)

	err := s.SetItem(context.Background(), "buzzvar_cache:big", []byte("0123456789"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStoreTransientErrorsClassified(t *testing.T) {
	b := newFakeBucket()
	b.failAll = true
	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond // keep the write retry loop short
	s := NewWithBucket(b, cfg, nil)
	ctx := context.Background()

	_, _, err := s.GetItem(ctx, "buzzvar_cache:k")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	err = s.SetItem(ctx, "buzzvar_cache:k", []byte(`1`))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestStoreSetItemRetriesBriefOutage(t *testing.T) {
	b := newFakeBucket()
	b.failPuts = 2
	s := newTestStore(b)
	ctx := context.Background()

	require.NoError(t, s.SetItem(ctx, "buzzvar_cache:k", []byte(`1`)))
	assert.Equal(t, 3, b.puts, "write succeeds on the attempt after the outage clears")

	raw, found, err := s.GetItem(ctx, "buzzvar_cache:k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(`1`), raw)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	assert.NoError(t, cfg.Validate())
}
