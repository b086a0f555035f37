package realtime

import (
	"sync"
	"time"
)

// DefaultBatchDelay is the debounce window for batched dispatch.
const DefaultBatchDelay = 500 * time.Millisecond

// batcher coalesces a burst of change events into one dispatch. The timer
// is a debounce: every enqueue resets it, so a steady trickle inside the
// window drains as a single cycle.
type batcher struct {
	mu      sync.Mutex
	delay   time.Duration
	queue   []ChangeEvent
	timer   *time.Timer
	flush   func([]ChangeEvent)
	stopped bool
}

func newBatcher(delay time.Duration, flush func([]ChangeEvent)) *batcher {
	if delay <= 0 {
		delay = DefaultBatchDelay
	}
	return &batcher{delay: delay, flush: flush}
}

func (b *batcher) enqueue(ev ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	b.queue = append(b.queue, ev)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.drain)
}

func (b *batcher) drain() {
	b.mu.Lock()
	if b.stopped || len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = nil
	b.timer = nil
	b.mu.Unlock()

	b.flush(batch)
}

// pending returns the current queue depth.
func (b *batcher) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// stop cancels the timer and discards anything queued.
func (b *batcher) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue = nil
}
