// Package cache implements the tiered cache store that sits between the
// Buzzvar UI and the remote database: a fast in-memory tier backed by a
// slower persistent key-value tier, with TTL expiry, size-bounded eviction,
// and domain-specific key derivation and invalidation.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/perf"
)

const (
	// DefaultTTL applies when Set is called without an explicit TTL.
	DefaultTTL = 5 * time.Minute

	// RateLimitTTL is the short override used for per-user rate-limit
	// entries; they must expire well before the default TTL.
	RateLimitTTL = 30 * time.Second

	// DefaultMaxEntries bounds the in-memory tier.
	DefaultMaxEntries = 100

	// Namespace prefixes every key written to the persistent tier so that
	// Clear never touches foreign keys sharing the store.
	Namespace = "buzzvar_cache:"
)

// PersistentStore is the slower second tier: an async key-value store that
// survives restarts. All operations may fail; the cache absorbs those
// failures and degrades to memory-only behavior.
type PersistentStore interface {
	GetItem(ctx context.Context, key string) ([]byte, bool, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
	ListKeys(ctx context.Context) ([]string, error)
	RemoveMany(ctx context.Context, keys []string) error
}

// persistEntry is the serialized form written to the persistent tier.
type persistEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`  // epoch ms, set at write time
	ExpiresAt int64           `json:"expires_at"` // epoch ms
}

// Store is the tiered cache. One constructed instance per process, injected
// into consumers; never package-level state.
type Store struct {
	memory     *memoryTier
	persistent PersistentStore

	defaultTTL time.Duration
	stats      *Statistics
	metrics    *storeMetrics
	recorder   *perf.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a tiered cache store. persistent may be nil, in which case the
// store runs memory-only (the persistent tier is treated as permanently
// unavailable, which is already a supported degraded mode).
func New(persistent PersistentStore, opts ...Option) *Store {
	o := applyOptions(opts...)

	var metrics *storeMetrics
	if o.metricsCore != nil && o.metricsName != "" {
		metrics = newStoreMetrics(o.metricsCore, o.metricsName)
	}

	s := &Store{
		persistent: persistent,
		defaultTTL: o.defaultTTL,
		stats:      NewStatistics(),
		metrics:    metrics,
		recorder:   o.recorder,
		logger:     o.logger,
		now:        o.now,
	}
	s.memory = newMemoryTier(o.maxEntries, o.now)
	return s
}

// Get retrieves the raw cached bytes for key. The in-memory tier is checked
// first with no I/O; on miss the persistent tier is consulted and, if the
// entry is found and unexpired, promoted into memory. Returns (nil, false)
// on miss or expiry. Persistent-tier read failures are logged and treated
// as a miss, never surfaced.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	if err := validateKey(key); err != nil {
		return nil, false
	}

	if data, ok := s.memory.get(key); ok {
		s.stats.Hit()
		s.observeHit("memory")
		return data, true
	}

	entry, ok := s.getPersistent(ctx, key)
	if !ok {
		s.stats.Miss()
		s.observeMiss()
		return nil, false
	}

	// Promote into the memory tier, preserving the original expiry.
	s.memory.setAbsolute(key, entry.Data, time.UnixMilli(entry.Timestamp), time.UnixMilli(entry.ExpiresAt))
	s.stats.Hit()
	s.stats.Promotion()
	s.stats.UpdateSize(int64(s.memory.len()))
	s.observeHit("persistent")
	return entry.Data, true
}

// getPersistent reads and validates the persistent-tier entry for key.
// Expired entries are removed as a side effect.
func (s *Store) getPersistent(ctx context.Context, key string) (*persistEntry, bool) {
	if s.persistent == nil {
		return nil, false
	}

	raw, found, err := s.persistent.GetItem(ctx, Namespace+key)
	if err != nil {
		s.logger.Warn("persistent tier read failed, treating as miss",
			"key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry persistEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		s.logger.Warn("corrupt persistent cache entry, removing",
			"key", key, "error", err)
		s.removePersistent(ctx, key)
		return nil, false
	}

	if s.now().UnixMilli() >= entry.ExpiresAt {
		s.removePersistent(ctx, key)
		return nil, false
	}

	return &entry, true
}

// Set writes value to both tiers. The in-memory write always succeeds
// synchronously; the persistent write is best-effort and its failure is
// logged, not surfaced. TTL defaults to DefaultTTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, opts ...SetOption) error {
	if err := validateKey(key); err != nil {
		return err
	}

	ttl := s.defaultTTL
	for _, opt := range opts {
		opt(&ttl)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now()
	evicted := s.memory.set(key, value, now, now.Add(ttl))

	s.stats.Set()
	for i := 0; i < evicted; i++ {
		s.stats.Eviction()
		s.observeEviction("size")
	}
	s.stats.UpdateSize(int64(s.memory.len()))
	s.observeSize()

	s.writePersistent(ctx, key, value, now, ttl)
	return nil
}

// writePersistent serializes the entry and writes it to the persistent tier.
// Failures degrade gracefully to memory-only caching.
func (s *Store) writePersistent(ctx context.Context, key string, value []byte, now time.Time, ttl time.Duration) {
	if s.persistent == nil {
		return
	}

	entry := persistEntry{
		Data:      value,
		Timestamp: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("failed to serialize cache entry", "key", key, "error", err)
		return
	}

	if err := s.persistent.SetItem(ctx, Namespace+key, raw); err != nil {
		s.logger.Warn("persistent tier write failed, continuing memory-only",
			"key", key, "error", err)
	}
}

// Remove deletes key from both tiers.
func (s *Store) Remove(ctx context.Context, key string) {
	if err := validateKey(key); err != nil {
		return
	}

	if s.memory.remove(key) {
		s.stats.Delete()
		s.stats.UpdateSize(int64(s.memory.len()))
		s.observeSize()
	}
	s.removePersistent(ctx, key)
}

func (s *Store) removePersistent(ctx context.Context, key string) {
	if s.persistent == nil {
		return
	}
	if err := s.persistent.RemoveItem(ctx, Namespace+key); err != nil {
		s.logger.Warn("persistent tier remove failed", "key", key, "error", err)
	}
}

// Clear empties the memory tier and removes every persistent-tier key under
// this store's namespace, leaving foreign keys untouched.
func (s *Store) Clear(ctx context.Context) {
	s.memory.clear()
	s.stats.UpdateSize(0)
	s.observeSize()

	if s.persistent == nil {
		return
	}

	keys, err := s.persistent.ListKeys(ctx)
	if err != nil {
		s.logger.Warn("persistent tier key listing failed during clear", "error", err)
		return
	}

	var owned []string
	for _, k := range keys {
		if strings.HasPrefix(k, Namespace) {
			owned = append(owned, k)
		}
	}
	if len(owned) == 0 {
		return
	}
	if err := s.persistent.RemoveMany(ctx, owned); err != nil {
		s.logger.Warn("persistent tier clear failed", "error", err)
	}
}

// InvalidateMatching removes every entry whose key contains substr, in both
// tiers. This is an O(n) scan over the key sets; key families embed entity
// ids precisely so this stays targeted.
func (s *Store) InvalidateMatching(ctx context.Context, substr string) int {
	if substr == "" {
		return 0
	}

	removed := 0
	for _, key := range s.memory.keys() {
		if strings.Contains(key, substr) {
			if s.memory.remove(key) {
				removed++
				s.stats.Delete()
			}
		}
	}
	s.stats.UpdateSize(int64(s.memory.len()))
	s.observeSize()

	if s.persistent != nil {
		keys, err := s.persistent.ListKeys(ctx)
		if err != nil {
			s.logger.Warn("persistent tier key listing failed during invalidation",
				"substr", substr, "error", err)
			return removed
		}

		var matched []string
		for _, k := range keys {
			if strings.HasPrefix(k, Namespace) && strings.Contains(strings.TrimPrefix(k, Namespace), substr) {
				matched = append(matched, k)
			}
		}
		if len(matched) > 0 {
			if err := s.persistent.RemoveMany(ctx, matched); err != nil {
				s.logger.Warn("persistent tier invalidation failed",
					"substr", substr, "error", err)
			}
		}
	}

	return removed
}

// InvalidateVenue removes every cached entry derived from the given venue:
// vibe check lists, venue details, promotions, and analytics windows.
func (s *Store) InvalidateVenue(ctx context.Context, venueID string) int {
	return s.InvalidateMatching(ctx, venueID)
}

// InvalidateVibeChecks removes the live vibe-check feeds that aggregate
// across venues; per-venue entries are covered by InvalidateVenue.
func (s *Store) InvalidateVibeChecks(ctx context.Context) int {
	return s.InvalidateMatching(ctx, liveVibeChecksPrefix)
}

// Keys returns a snapshot of the in-memory tier's unexpired keys.
func (s *Store) Keys() []string {
	return s.memory.keys()
}

// Len returns the number of entries currently in the memory tier.
func (s *Store) Len() int {
	return s.memory.len()
}

// Stats returns the store's statistics. Always non-nil.
func (s *Store) Stats() *Statistics {
	return s.stats
}

func (s *Store) observeHit(tier string) {
	if s.metrics != nil {
		s.metrics.recordHit(tier)
	}
	if s.recorder != nil {
		s.recorder.RecordHit("tiered")
	}
}

func (s *Store) observeMiss() {
	if s.metrics != nil {
		s.metrics.recordMiss()
	}
	if s.recorder != nil {
		s.recorder.RecordMiss("tiered")
	}
}

func (s *Store) observeEviction(reason string) {
	if s.metrics != nil {
		s.metrics.recordEviction(reason)
	}
}

func (s *Store) observeSize() {
	if s.metrics != nil {
		s.metrics.updateSize(s.memory.len())
	}
}

// validateKey rejects keys that cannot round-trip through both tiers.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidKey, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

// Get retrieves and decodes a typed value from the store. Returns the zero
// value and false on miss, expiry, or decode failure.
func Get[T any](ctx context.Context, s *Store, key string) (T, bool) {
	var zero T
	raw, ok := s.Get(ctx, key)
	if !ok {
		return zero, false
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		s.logger.Warn("cached value failed to decode, removing",
			"key", key, "error", err)
		s.Remove(ctx, key)
		return zero, false
	}
	return value, true
}

// Set encodes and stores a typed value. Returns an error only for invalid
// keys or values that cannot be serialized.
func Set[T any](ctx context.Context, s *Store, key string, value T, opts ...SetOption) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(err, "cache", "Set", "serialize value")
	}
	return s.Set(ctx, key, raw, opts...)
}
