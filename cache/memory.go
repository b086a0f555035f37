package cache

import (
	"sync"
	"time"
)

// memoryEntry is a single in-memory cache record. Timestamps are kept as
// time.Time internally; the epoch-ms form only appears on the persistent
// tier's wire format.
type memoryEntry struct {
	data      []byte
	timestamp time.Time
	expiresAt time.Time
}

// memoryTier is the synchronous first tier: a bounded map with
// insertion-order eviction. When the map is full the entries with the
// oldest write timestamps are dropped, regardless of how recently they
// were read. Reads are frequent and contention matters more than the
// marginal hit-rate gain of LRU bookkeeping.
type memoryTier struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

func newMemoryTier(maxEntries int, now func() time.Time) *memoryTier {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &memoryTier{
		entries:    make(map[string]memoryEntry),
		maxEntries: maxEntries,
		now:        now,
	}
}

// get returns the unexpired entry for key. Expired entries are removed on
// access so that Len never counts dead weight between writes.
func (m *memoryTier) get(key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if !m.now().Before(entry.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent set may have
		// refreshed the entry.
		if current, still := m.entries[key]; still && !m.now().Before(current.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false
	}

	return entry.data, true
}

// set inserts or overwrites key and returns how many entries were evicted
// to stay within the size bound. Every write first drops all expired
// entries; only if the tier is still full does insertion-order eviction
// kick in.
func (m *memoryTier) set(key string, data []byte, timestamp, expiresAt time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := m.dropExpiredLocked()
	if _, exists := m.entries[key]; !exists {
		for len(m.entries) >= m.maxEntries {
			m.evictOldestLocked()
			evicted++
		}
	}

	m.entries[key] = memoryEntry{data: data, timestamp: timestamp, expiresAt: expiresAt}
	return evicted
}

// setAbsolute inserts an entry with explicit timestamps, used when
// promoting a persistent-tier entry so its original write time and expiry
// are preserved.
func (m *memoryTier) setAbsolute(key string, data []byte, timestamp, expiresAt time.Time) {
	m.set(key, data, timestamp, expiresAt)
}

func (m *memoryTier) dropExpiredLocked() int {
	now := m.now()
	dropped := 0
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
			dropped++
		}
	}
	return dropped
}

func (m *memoryTier) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, entry := range m.entries {
		if first || entry.timestamp.Before(oldest) {
			oldestKey = key
			oldest = entry.timestamp
			first = false
		}
	}
	if !first {
		delete(m.entries, oldestKey)
	}
}

func (m *memoryTier) remove(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
}

func (m *memoryTier) keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	now := m.now()
	for key, entry := range m.entries {
		if now.Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (m *memoryTier) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
