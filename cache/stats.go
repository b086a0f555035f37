package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks cache behavior with atomic counters so hot paths never
// take a lock just to count.
type Statistics struct {
	hits       atomic.Int64
	misses     atomic.Int64
	sets       atomic.Int64
	deletes    atomic.Int64
	evictions  atomic.Int64
	promotions atomic.Int64
	size       atomic.Int64
	startTime  time.Time
}

func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) Hit()       { s.hits.Add(1) }
func (s *Statistics) Miss()      { s.misses.Add(1) }
func (s *Statistics) Set()       { s.sets.Add(1) }
func (s *Statistics) Delete()    { s.deletes.Add(1) }
func (s *Statistics) Eviction()  { s.evictions.Add(1) }
func (s *Statistics) Promotion() { s.promotions.Add(1) }

func (s *Statistics) UpdateSize(size int64) { s.size.Store(size) }

func (s *Statistics) Hits() int64       { return s.hits.Load() }
func (s *Statistics) Misses() int64     { return s.misses.Load() }
func (s *Statistics) Sets() int64       { return s.sets.Load() }
func (s *Statistics) Deletes() int64    { return s.deletes.Load() }
func (s *Statistics) Evictions() int64  { return s.evictions.Load() }
func (s *Statistics) Promotions() int64 { return s.promotions.Load() }
func (s *Statistics) Size() int64       { return s.size.Load() }

// HitRatio returns hits/(hits+misses), or 0 before any lookups.
func (s *Statistics) HitRatio() float64 {
	hits := s.hits.Load()
	total := hits + s.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (s *Statistics) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Summary returns a point-in-time snapshot suitable for logging or a
// health sub-status.
func (s *Statistics) Summary() map[string]any {
	return map[string]any{
		"hits":       s.Hits(),
		"misses":     s.Misses(),
		"sets":       s.Sets(),
		"deletes":    s.Deletes(),
		"evictions":  s.Evictions(),
		"promotions": s.Promotions(),
		"size":       s.Size(),
		"hit_ratio":  s.HitRatio(),
		"uptime":     s.Uptime().String(),
	}
}

// Reset zeroes every counter. Intended for tests.
func (s *Statistics) Reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.sets.Store(0)
	s.deletes.Store(0)
	s.evictions.Store(0)
	s.promotions.Store(0)
	s.size.Store(0)
	s.startTime = time.Now()
}
