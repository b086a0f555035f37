package assetcache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFS is an in-memory FS keyed by full path.
type fakeFS struct {
	mu    sync.Mutex
	files map[string]FileInfo
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string]FileInfo)}
}

func (f *fakeFS) put(path string, size int64, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = FileInfo{Name: filepath.Base(path), Size: size, ModTime: modTime}
}

func (f *fakeFS) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

func (f *fakeFS) MkdirAll(string) error { return nil }

func (f *fakeFS) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func (f *fakeFS) Stat(path string) (FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.files[path]
	if !ok {
		return FileInfo{}, fmt.Errorf("stat %s: no such file", path)
	}
	return info, nil
}

func (f *fakeFS) ReadDir(dir string) ([]FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []FileInfo
	for path, info := range f.files {
		if filepath.Dir(path) == dir {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// fakeDownloader writes fixed-size files into a fakeFS and counts transfers.
type fakeDownloader struct {
	fs    *fakeFS
	size  int64
	delay time.Duration
	fail  bool
	calls atomic.Int32
}

func (d *fakeDownloader) Download(_ context.Context, url, dest string) error {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail {
		return fmt.Errorf("download %s: connection reset", url)
	}
	d.fs.put(dest, d.size, time.Now())
	return nil
}

// fakeStore is an in-memory persistent store for the index.
type fakeStore struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string][]byte)}
}

func (s *fakeStore) GetItem(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *fakeStore) SetItem(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *fakeStore) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *fakeStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *fakeStore) RemoveMany(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

// blockingStore holds index writes open on demand so tests can observe
// what happens while a persist is in flight.
type blockingStore struct {
	*fakeStore
	hold atomic.Bool
	gate chan struct{}
}

func (s *blockingStore) SetItem(ctx context.Context, key string, value []byte) error {
	if s.hold.Load() {
		<-s.gate
	}
	return s.fakeStore.SetItem(ctx, key, value)
}

const testDir = "/cache/assets"

func newTestCache(t *testing.T, fs *fakeFS, dl Downloader, opts ...CacheOption) *Cache {
	t.Helper()
	base := []CacheOption{WithFS(fs), WithDownloader(dl)}
	return New(testDir, newFakeStore(), append(base, opts...)...)
}

func awaitCleanup(t *testing.T, c *Cache) {
	t.Helper()
	select {
	case <-c.CleanupDone():
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not complete")
	}
}

func TestGetDownloadsOnceThenServesLocally(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 10}
	c := newTestCache(t, fs, dl)
	ctx := context.Background()

	path1, err := c.Get(ctx, "https://cdn.example.com/photos/a.jpg")
	require.NoError(t, err)
	assert.True(t, fs.Exists(path1))
	assert.Equal(t, ".jpg", filepath.Ext(path1))

	path2, err := c.Get(ctx, "https://cdn.example.com/photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
	assert.Equal(t, int32(1), dl.calls.Load(), "second access must not re-download")
}

func TestGetDeduplicatesConcurrentDownloads(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 10, delay: 50 * time.Millisecond}
	c := newTestCache(t, fs, dl)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	awaitCleanup(t, c)

	const uri = "https://cdn.example.com/photos/busy.jpg"
	var wg sync.WaitGroup
	paths := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Get(ctx, uri)
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dl.calls.Load(), "concurrent callers must share one download")
	for _, p := range paths[1:] {
		assert.Equal(t, paths[0], p)
	}
}

func TestGetFailsOpenToSourceURI(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, fail: true}
	c := newTestCache(t, fs, dl)

	const uri = "https://cdn.example.com/photos/gone.jpg"
	path, err := c.Get(context.Background(), uri)
	require.NoError(t, err, "transfer failures never surface")
	assert.Equal(t, uri, path)
}

func TestGetRejectsEmptyURI(t *testing.T) {
	c := newTestCache(t, newFakeFS(), &fakeDownloader{})
	_, err := c.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestGetSelfHealsAfterExternalDeletion(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 10}
	c := newTestCache(t, fs, dl)
	ctx := context.Background()

	const uri = "https://cdn.example.com/photos/a.jpg"
	path, err := c.Get(ctx, uri)
	require.NoError(t, err)

	require.NoError(t, fs.Remove(path))

	_, err = c.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, int32(2), dl.calls.Load(), "missing file must trigger a fresh download")
}

func TestGetExpiresAfterMaxAge(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 10}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestCache(t, fs, dl, WithClock(clock))
	ctx := context.Background()

	const uri = "https://cdn.example.com/photos/a.jpg"
	_, err := c.Get(ctx, uri)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(8 * 24 * time.Hour)
	mu.Unlock()

	_, err = c.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, int32(2), dl.calls.Load(), "assets older than a week re-download")
}

func TestEvictionOrderPriorityThenAccessTime(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 40}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	c := newTestCache(t, fs, dl, WithMaxSize(100), WithClock(clock))
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	awaitCleanup(t, c)

	advance := func() {
		mu.Lock()
		now = now.Add(time.Minute)
		mu.Unlock()
	}

	lowPath, err := c.Get(ctx, "https://cdn.example.com/low.jpg", WithPriority(PriorityLow))
	require.NoError(t, err)
	advance()
	normalPath, err := c.Get(ctx, "https://cdn.example.com/normal.jpg", WithPriority(PriorityNormal))
	require.NoError(t, err)
	advance()
	highPath, err := c.Get(ctx, "https://cdn.example.com/high.jpg", WithPriority(PriorityHigh))
	require.NoError(t, err)

	// 120 bytes total crosses 80% of the 100-byte cap; eviction removes
	// low then normal and stops at 40 bytes, under the 70% target.
	awaitCleanup(t, c)

	assert.False(t, fs.Exists(lowPath), "lowest priority goes first")
	assert.False(t, fs.Exists(normalPath), "then least-recently-accessed normal")
	assert.True(t, fs.Exists(highPath), "high priority survives")
	assert.Equal(t, 1, c.Stats().FileCount)
}

func TestPreloadWarmsAllAssets(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 5}
	c := newTestCache(t, fs, dl)

	uris := []string{
		"https://cdn.example.com/1.jpg",
		"https://cdn.example.com/2.jpg",
		"https://cdn.example.com/3.jpg",
	}
	c.Preload(context.Background(), uris)

	assert.Equal(t, int32(3), dl.calls.Load())
	assert.Equal(t, 3, c.Stats().FileCount)
}

func TestPreloadSurvivesIndividualFailures(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, fail: true}
	c := newTestCache(t, fs, dl)

	c.Preload(context.Background(), []string{"https://a.example.com/x.jpg", "https://a.example.com/y.jpg"})
	assert.Equal(t, 0, c.Stats().FileCount)
}

func TestRemoveAndClear(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 10}
	c := newTestCache(t, fs, dl)
	ctx := context.Background()

	p1, err := c.Get(ctx, "https://cdn.example.com/1.jpg")
	require.NoError(t, err)
	p2, err := c.Get(ctx, "https://cdn.example.com/2.jpg")
	require.NoError(t, err)

	c.Remove(ctx, "https://cdn.example.com/1.jpg")
	assert.False(t, fs.Exists(p1))
	assert.True(t, fs.Exists(p2))
	assert.Equal(t, 1, c.Stats().FileCount)

	c.Clear(ctx)
	assert.False(t, fs.Exists(p2))
	assert.Equal(t, 0, c.Stats().FileCount)
}

func TestInitializeIdempotent(t *testing.T) {
	fs := newFakeFS()
	c := newTestCache(t, fs, &fakeDownloader{fs: fs, size: 10})
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	require.NoError(t, c.Initialize(ctx))
}

func TestInitializeAdoptsOrphanFiles(t *testing.T) {
	fs := newFakeFS()
	modTime := time.Now().Add(-time.Hour)
	fs.put(filepath.Join(testDir, "deadbeef.jpg"), 25, modTime)
	fs.put(filepath.Join(testDir, "partial.jpg.tmp"), 5, modTime)

	c := newTestCache(t, fs, &fakeDownloader{fs: fs})
	require.NoError(t, c.Initialize(context.Background()))
	awaitCleanup(t, c)

	stats := c.Stats()
	assert.Equal(t, 1, stats.FileCount, "orphans are adopted, temp files removed")
	assert.Equal(t, int64(25), stats.TotalSizeBytes)
	assert.False(t, fs.Exists(filepath.Join(testDir, "partial.jpg.tmp")))
}

func TestIndexSurvivesRestart(t *testing.T) {
	fs := newFakeFS()
	store := newFakeStore()
	dl := &fakeDownloader{fs: fs, size: 10}
	ctx := context.Background()

	first := New(testDir, store, WithFS(fs), WithDownloader(dl))
	path, err := first.Get(ctx, "https://cdn.example.com/a.jpg")
	require.NoError(t, err)

	second := New(testDir, store, WithFS(fs), WithDownloader(dl))
	got, err := second.Get(ctx, "https://cdn.example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, int32(1), dl.calls.Load(), "restart must not re-download indexed assets")
}

func TestHitsKeepServingWhileIndexWriteIsSlow(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 10}
	store := &blockingStore{fakeStore: newFakeStore(), gate: make(chan struct{})}
	c := New(testDir, store, WithFS(fs), WithDownloader(dl))
	ctx := context.Background()

	path, err := c.Get(ctx, "https://cdn.example.com/a.jpg")
	require.NoError(t, err)

	// The next hit schedules a persist that now blocks in the background.
	store.hold.Store(true)
	got, err := c.Get(ctx, "https://cdn.example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	// Further hits must keep serving while that write is held open.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 8; i++ {
			_, _ = c.Get(ctx, "https://cdn.example.com/a.jpg")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cache hits stalled behind a slow index write")
	}

	close(store.gate)
	select {
	case <-c.SaveDone():
	case <-time.After(time.Second):
		t.Fatal("background index write did not settle")
	}

	raw, found, err := store.GetItem(ctx, IndexKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, string(raw), "a.jpg", "coalesced save still records the asset")
}

func TestStats(t *testing.T) {
	fs := newFakeFS()
	dl := &fakeDownloader{fs: fs, size: 1024 * 1024}
	c := newTestCache(t, fs, dl)
	ctx := context.Background()

	_, err := c.Get(ctx, "https://cdn.example.com/1.jpg")
	require.NoError(t, err)
	_, err = c.Get(ctx, "https://cdn.example.com/2.jpg")
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, 2, stats.FileCount)
	assert.InDelta(t, 2.0, stats.TotalSizeMB, 0.01)
	assert.False(t, stats.Oldest.IsZero())
	assert.False(t, stats.Newest.Before(stats.Oldest))
}
