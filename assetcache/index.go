package assetcache

import (
	"context"
	"encoding/json"
	"time"
)

// IndexKey is the well-known persistent-store key holding the serialized
// asset index. It sits outside the tiered cache's namespace so a cache
// clear never wipes asset bookkeeping.
const IndexKey = "buzzvar_asset_index"

// saveTimeout bounds one background index write.
const saveTimeout = 10 * time.Second

// Priority ranks assets for eviction: lower values go first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// AssetInfo is one index record. Timestamps are epoch milliseconds on the
// wire, matching the persistent tier's entry format.
type AssetInfo struct {
	SourceURI      string   `json:"source_uri"`
	LocalPath      string   `json:"local_path"`
	SizeBytes      int64    `json:"size_bytes"`
	CreatedAt      int64    `json:"created_at"`
	LastAccessedAt int64    `json:"last_accessed_at"`
	Priority       Priority `json:"priority"`
}

func (a AssetInfo) createdTime() time.Time {
	return time.UnixMilli(a.CreatedAt)
}

// indexPair serializes as a two-element JSON array [key, info]; the full
// index is an array of such pairs.
type indexPair struct {
	Key  string
	Info AssetInfo
}

func (p indexPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{p.Key, p.Info})
}

func (p *indexPair) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Info)
}

// loadIndex reads the persisted index. A missing, unreadable, or corrupt
// index yields an empty map; the directory scan rebuilds what it can.
func (c *Cache) loadIndex(ctx context.Context) map[string]AssetInfo {
	index := make(map[string]AssetInfo)
	if c.store == nil {
		return index
	}

	raw, found, err := c.store.GetItem(ctx, IndexKey)
	if err != nil {
		c.logger.Warn("asset index read failed, rebuilding from directory", "error", err)
		return index
	}
	if !found {
		return index
	}

	var pairs []indexPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		c.logger.Warn("asset index corrupt, rebuilding from directory", "error", err)
		return index
	}
	for _, p := range pairs {
		index[p.Key] = p.Info
	}
	return index
}

// snapshotLocked copies the index as serializable pairs. Caller holds c.mu.
func (c *Cache) snapshotLocked() []indexPair {
	pairs := make([]indexPair, 0, len(c.index))
	for key, info := range c.index {
		pairs = append(pairs, indexPair{Key: key, Info: info})
	}
	return pairs
}

// saveIndex persists a snapshot, best-effort. Never call with c.mu held;
// the persistent tier may be slow and lookups must not wait on it.
func (c *Cache) saveIndex(ctx context.Context, pairs []indexPair) {
	if c.store == nil {
		return
	}

	raw, err := json.Marshal(pairs)
	if err != nil {
		c.logger.Warn("asset index serialization failed", "error", err)
		return
	}
	if err := c.store.SetItem(ctx, IndexKey, raw); err != nil {
		c.logger.Warn("asset index write failed", "error", err)
	}
}

// scheduleSaveLocked queues the current index for persistence on a
// detached goroutine. Caller holds c.mu. Concurrent schedules coalesce
// and the latest snapshot wins, so a slow persistent tier never stalls
// the lookup path.
func (c *Cache) scheduleSaveLocked() {
	if c.store == nil {
		return
	}
	pairs := c.snapshotLocked()

	c.saveMu.Lock()
	c.pendingSave = pairs
	if c.saverActive {
		c.saveMu.Unlock()
		return
	}
	c.saverActive = true
	c.saveDone = make(chan struct{})
	c.saveMu.Unlock()

	go c.runSaver()
}

func (c *Cache) runSaver() {
	for {
		c.saveMu.Lock()
		pairs := c.pendingSave
		c.pendingSave = nil
		if pairs == nil {
			c.saverActive = false
			close(c.saveDone)
			c.saveMu.Unlock()
			return
		}
		c.saveMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		c.saveIndex(ctx, pairs)
		cancel()
	}
}
