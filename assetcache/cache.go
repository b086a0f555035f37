// Package assetcache keeps local copies of remote assets (venue photos,
// promo banners) in a size-bounded directory, deduplicating concurrent
// downloads and evicting by priority and recency. Failures fall open: when
// an asset cannot be cached the caller gets the source URI back and loads
// it remotely.
package assetcache

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/IdrisKulubi/m-buzzvar-sub000/cache"
	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/perf"
)

const (
	// DefaultMaxSize caps the cache directory at 100MB.
	DefaultMaxSize = 100 * 1024 * 1024

	// DefaultMaxAge invalidates assets a week after download.
	DefaultMaxAge = 7 * 24 * time.Hour

	// Cleanup starts above the high-water mark and stops at the low one.
	highWaterFraction = 0.8
	lowWaterFraction  = 0.7

	// DefaultPreloadConcurrency bounds parallel preload downloads.
	DefaultPreloadConcurrency = 4
)

// Cache is the local asset cache. Construct one per process and inject it;
// it is safe for concurrent use.
type Cache struct {
	dir        string
	fs         FS
	downloader Downloader
	store      cache.PersistentStore
	logger     *slog.Logger
	recorder   *perf.Recorder
	maxSize    int64
	maxAge     time.Duration
	now        func() time.Time

	flight singleflight.Group

	saveMu      sync.Mutex
	pendingSave []indexPair
	saverActive bool
	saveDone    chan struct{}

	mu            sync.Mutex
	initialized   bool
	index         map[string]AssetInfo
	cleanupActive bool
	cleanupDone   chan struct{}
}

// New creates an asset cache rooted at dir. store persists the index across
// restarts and may be nil; the directory scan then rebuilds what it can.
func New(dir string, store cache.PersistentStore, opts ...CacheOption) *Cache {
	done := make(chan struct{})
	close(done)

	c := &Cache{
		dir:         dir,
		fs:          OSFS{},
		downloader:  NewHTTPDownloader(30 * time.Second),
		store:       store,
		logger:      slog.Default(),
		maxSize:     DefaultMaxSize,
		maxAge:      DefaultMaxAge,
		now:         time.Now,
		index:       make(map[string]AssetInfo),
		cleanupDone: done,
		saveDone:    done,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheOption configures a Cache at construction.
type CacheOption func(*Cache)

func WithFS(fs FS) CacheOption                   { return func(c *Cache) { c.fs = fs } }
func WithDownloader(d Downloader) CacheOption    { return func(c *Cache) { c.downloader = d } }
func WithLogger(l *slog.Logger) CacheOption      { return func(c *Cache) { c.logger = l } }
func WithRecorder(r *perf.Recorder) CacheOption  { return func(c *Cache) { c.recorder = r } }
func WithClock(now func() time.Time) CacheOption { return func(c *Cache) { c.now = now } }

// WithMaxSize overrides the directory size cap in bytes.
func WithMaxSize(bytes int64) CacheOption {
	return func(c *Cache) {
		if bytes > 0 {
			c.maxSize = bytes
		}
	}
}

// WithMaxAge overrides the default asset validity window.
func WithMaxAge(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// Initialize prepares the cache directory, loads and reconciles the index,
// and kicks off one cleanup pass. Idempotent; every Get calls it, so
// explicit initialization is optional.
func (c *Cache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}

	if err := c.fs.MkdirAll(c.dir); err != nil {
		c.mu.Unlock()
		return errors.WrapTransient(err, "assetcache", "Initialize", "create cache directory")
	}

	c.index = c.loadIndex(ctx)
	c.reconcileLocked()
	c.initialized = true
	pairs := c.snapshotLocked()
	c.mu.Unlock()

	c.saveIndex(ctx, pairs)
	c.triggerCleanup(true)
	return nil
}

// reconcileLocked aligns the index with the directory contents: entries
// whose file vanished are dropped, and files the index does not know are
// adopted with their modification time as the access timestamp.
func (c *Cache) reconcileLocked() {
	for key, info := range c.index {
		if !c.fs.Exists(info.LocalPath) {
			delete(c.index, key)
		}
	}

	files, err := c.fs.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("cache directory scan failed", "dir", c.dir, "error", err)
		return
	}
	for _, f := range files {
		if _, known := c.index[f.Name]; known {
			continue
		}
		if filepath.Ext(f.Name) == ".tmp" {
			_ = c.fs.Remove(filepath.Join(c.dir, f.Name))
			continue
		}
		c.index[f.Name] = AssetInfo{
			LocalPath:      filepath.Join(c.dir, f.Name),
			SizeBytes:      f.Size,
			CreatedAt:      f.ModTime.UnixMilli(),
			LastAccessedAt: f.ModTime.UnixMilli(),
			Priority:       PriorityNormal,
		}
	}
}

type getOptions struct {
	maxAge   time.Duration
	priority Priority
}

// GetOption adjusts one Get or Preload call.
type GetOption func(*getOptions)

// MaxAge overrides the validity window for this lookup.
func MaxAge(d time.Duration) GetOption {
	return func(o *getOptions) {
		if d > 0 {
			o.maxAge = d
		}
	}
}

// WithPriority sets the eviction priority recorded on download.
func WithPriority(p Priority) GetOption {
	return func(o *getOptions) { o.priority = p }
}

// Get returns a local path for uri, downloading on first access. Concurrent
// calls for the same uri share one in-flight download. On any transfer or
// filesystem failure the source uri itself is returned so the caller can
// load the asset remotely; the only returned error is an empty uri.
func (c *Cache) Get(ctx context.Context, uri string, opts ...GetOption) (string, error) {
	if uri == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidKey, "assetcache", "Get", "uri cannot be empty")
	}

	if err := c.Initialize(ctx); err != nil {
		c.logger.Warn("asset cache unavailable, serving source uri", "uri", uri, "error", err)
		return uri, nil
	}

	o := getOptions{maxAge: c.maxAge, priority: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	key := deriveKey(uri)
	if path, ok := c.lookup(key, o.maxAge); ok {
		c.recordHit()
		return path, nil
	}
	c.recordMiss()

	path, err, _ := c.flight.Do(key, func() (any, error) {
		return c.download(ctx, uri, key, o.priority)
	})
	if err != nil {
		c.logger.Warn("asset download failed, serving source uri", "uri", uri, "error", err)
		return uri, nil
	}
	return path.(string), nil
}

// lookup returns the local path when the cached copy is valid: the backing
// file exists and the asset is within its validity window. Invalid entries
// self-heal out of the index. Index persistence happens off the lookup
// path so a slow persistent tier cannot stall concurrent Gets.
func (c *Cache) lookup(key string, maxAge time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.index[key]
	if !ok {
		return "", false
	}

	if !c.fs.Exists(info.LocalPath) {
		delete(c.index, key)
		c.scheduleSaveLocked()
		return "", false
	}

	if c.now().Sub(info.createdTime()) > maxAge {
		_ = c.fs.Remove(info.LocalPath)
		delete(c.index, key)
		c.scheduleSaveLocked()
		return "", false
	}

	info.LastAccessedAt = c.now().UnixMilli()
	c.index[key] = info
	c.scheduleSaveLocked()
	return info.LocalPath, true
}

// download transfers the asset and records it in the index, then triggers a
// cleanup pass if the directory crossed the high-water mark.
func (c *Cache) download(ctx context.Context, uri, key string, priority Priority) (string, error) {
	dest := filepath.Join(c.dir, key)

	if err := c.downloader.Download(ctx, uri, dest); err != nil {
		return "", err
	}

	stat, err := c.fs.Stat(dest)
	if err != nil {
		return "", errors.WrapTransient(err, "assetcache", "download", "stat downloaded asset")
	}

	now := c.now().UnixMilli()
	c.mu.Lock()
	c.index[key] = AssetInfo{
		SourceURI:      uri,
		LocalPath:      dest,
		SizeBytes:      stat.Size,
		CreatedAt:      now,
		LastAccessedAt: now,
		Priority:       priority,
	}
	pairs := c.snapshotLocked()
	over := c.totalSizeLocked() > int64(float64(c.maxSize)*highWaterFraction)
	c.mu.Unlock()

	c.saveIndex(ctx, pairs)
	if over {
		c.triggerCleanup(false)
	}
	return dest, nil
}

// Preload warms the cache for a batch of uris with bounded concurrency.
// Individual failures are already absorbed by Get; the batch always
// completes.
func (c *Cache) Preload(ctx context.Context, uris []string, opts ...GetOption) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(DefaultPreloadConcurrency)
	for _, uri := range uris {
		g.Go(func() error {
			_, _ = c.Get(ctx, uri, opts...)
			return nil
		})
	}
	_ = g.Wait()
}

// Remove deletes one asset and its index entry.
func (c *Cache) Remove(ctx context.Context, uri string) {
	key := deriveKey(uri)

	c.mu.Lock()
	info, ok := c.index[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if err := c.fs.Remove(info.LocalPath); err != nil {
		c.logger.Warn("asset removal failed", "path", info.LocalPath, "error", err)
	}
	delete(c.index, key)
	pairs := c.snapshotLocked()
	c.mu.Unlock()

	c.saveIndex(ctx, pairs)
}

// Clear deletes every cached asset and the persisted index.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, info := range c.index {
		if err := c.fs.Remove(info.LocalPath); err != nil {
			c.logger.Warn("asset removal failed", "path", info.LocalPath, "error", err)
		}
		delete(c.index, key)
	}

	if c.store != nil {
		if err := c.store.RemoveItem(ctx, IndexKey); err != nil {
			c.logger.Warn("asset index removal failed", "error", err)
		}
	}
}

// Stats summarizes the cache contents.
type Stats struct {
	TotalSizeBytes int64
	TotalSizeMB    float64
	FileCount      int
	Oldest         time.Time
	Newest         time.Time
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{FileCount: len(c.index)}
	for _, info := range c.index {
		s.TotalSizeBytes += info.SizeBytes
		created := info.createdTime()
		if s.Oldest.IsZero() || created.Before(s.Oldest) {
			s.Oldest = created
		}
		if created.After(s.Newest) {
			s.Newest = created
		}
	}
	s.TotalSizeMB = float64(s.TotalSizeBytes) / (1024 * 1024)
	return s
}

// CleanupDone returns a channel that closes when no cleanup pass is in
// flight. Tests await it to observe eviction deterministically.
func (c *Cache) CleanupDone() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupDone
}

// SaveDone returns a channel that closes when no background index write
// is in flight. Tests await it to observe hit-driven persistence.
func (c *Cache) SaveDone() <-chan struct{} {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	return c.saveDone
}

// triggerCleanup spawns a detached cleanup pass unless one is already
// running. Cleanup failures are logged, never propagated to the write path
// that triggered them.
func (c *Cache) triggerCleanup(force bool) {
	c.mu.Lock()
	if c.cleanupActive {
		c.mu.Unlock()
		return
	}
	c.cleanupActive = true
	c.cleanupDone = make(chan struct{})
	c.mu.Unlock()

	go c.runCleanup(force)
}

func (c *Cache) runCleanup(force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	defer func() {
		c.mu.Lock()
		c.cleanupActive = false
		close(c.cleanupDone)
		c.mu.Unlock()
	}()

	c.mu.Lock()

	// Entries whose backing file vanished are dropped without error.
	for key, info := range c.index {
		if !c.fs.Exists(info.LocalPath) {
			delete(c.index, key)
		}
	}

	if force {
		cutoff := c.now().Add(-c.maxAge)
		for key, info := range c.index {
			if info.createdTime().Before(cutoff) {
				_ = c.fs.Remove(info.LocalPath)
				delete(c.index, key)
			}
		}
	}

	total := c.totalSizeLocked()
	if total > int64(float64(c.maxSize)*highWaterFraction) {
		target := int64(float64(c.maxSize) * lowWaterFraction)
		evicted := c.evictLocked(total, target)
		c.logger.Info("asset cache cleanup evicted entries",
			"evicted", evicted, "size_bytes", c.totalSizeLocked(), "target_bytes", target)
	}

	pairs := c.snapshotLocked()
	c.mu.Unlock()

	c.saveIndex(ctx, pairs)
}

// evictLocked removes entries ordered by priority ascending then least
// recently accessed until total size drops to target.
func (c *Cache) evictLocked(total, target int64) int {
	type candidate struct {
		key  string
		info AssetInfo
	}
	candidates := make([]candidate, 0, len(c.index))
	for key, info := range c.index {
		candidates = append(candidates, candidate{key: key, info: info})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].info.Priority != candidates[j].info.Priority {
			return candidates[i].info.Priority < candidates[j].info.Priority
		}
		return candidates[i].info.LastAccessedAt < candidates[j].info.LastAccessedAt
	})

	evicted := 0
	for _, cand := range candidates {
		if total <= target {
			break
		}
		if err := c.fs.Remove(cand.info.LocalPath); err != nil {
			c.logger.Warn("eviction removal failed", "path", cand.info.LocalPath, "error", err)
		}
		delete(c.index, cand.key)
		total -= cand.info.SizeBytes
		evicted++
	}
	return evicted
}

func (c *Cache) totalSizeLocked() int64 {
	var total int64
	for _, info := range c.index {
		total += info.SizeBytes
	}
	return total
}

func (c *Cache) recordHit() {
	if c.recorder != nil {
		c.recorder.RecordHit("assets")
	}
}

func (c *Cache) recordMiss() {
	if c.recorder != nil {
		c.recorder.RecordMiss("assets")
	}
}
