package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
)

// DefaultEstablishTimeout bounds how long channel establishment may take.
const DefaultEstablishTimeout = 10 * time.Second

// channelPool shares one underlying ChangeChannel among every subscription
// targeting the same topic and filter. Channels are reference counted: the
// first acquire opens the channel, the last release closes it.
type channelPool struct {
	source RemoteSource
	logger *slog.Logger

	// onStatus receives mid-session lifecycle transitions for a pooled
	// channel, identified by its pool key.
	onStatus func(key string, st ChannelStatus)

	mu       sync.Mutex
	channels map[string]*pooledChannel
}

type pooledChannel struct {
	key     string
	topic   string
	filter  string
	refs    int
	ready   chan struct{}
	err     error
	channel ChangeChannel
	done    chan struct{}

	// dead marks a channel that errored or closed mid-session. Acquire
	// treats a dead entry as absent and opens a fresh channel; surviving
	// references still drain through release against this entry.
	dead bool

	handlerMu sync.Mutex
	handlers  map[string]func(ChangeEvent)
}

func newChannelPool(source RemoteSource, logger *slog.Logger, onStatus func(string, ChannelStatus)) *channelPool {
	return &channelPool{
		source:   source,
		logger:   logger,
		onStatus: onStatus,
		channels: make(map[string]*pooledChannel),
	}
}

func poolKey(topic, filter string) string {
	return topic + "|" + filter
}

// acquire attaches handler to the pooled channel for topic+filter, opening
// the channel if this is the first reference or the pooled one died.
// Blocks until establishment succeeds, fails, or timeout elapses. The
// returned handle must be passed back to release.
func (p *channelPool) acquire(ctx context.Context, topic, filter, subID string, handler func(ChangeEvent), timeout time.Duration) (*pooledChannel, error) {
	if timeout <= 0 {
		timeout = DefaultEstablishTimeout
	}
	key := poolKey(topic, filter)

	p.mu.Lock()
	pc, exists := p.channels[key]
	if !exists || pc.dead {
		pc = &pooledChannel{
			key:      key,
			topic:    topic,
			filter:   filter,
			ready:    make(chan struct{}),
			done:     make(chan struct{}),
			handlers: make(map[string]func(ChangeEvent)),
		}
		p.channels[key] = pc
		go p.establish(pc, timeout)
	}
	pc.refs++
	p.mu.Unlock()

	select {
	case <-pc.ready:
	case <-ctx.Done():
		p.release(pc, subID)
		return nil, errors.WrapTransient(ctx.Err(), "realtime", "acquire", "await channel establishment")
	}

	if pc.err != nil {
		p.release(pc, subID)
		return nil, pc.err
	}

	pc.handlerMu.Lock()
	pc.handlers[subID] = handler
	pc.handlerMu.Unlock()
	return pc, nil
}

// establish opens the channel and waits for its Established signal, then
// starts the fanout loop. Runs once per pooled channel.
func (p *channelPool) establish(pc *pooledChannel, timeout time.Duration) {
	defer close(pc.ready)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ch, err := p.source.SubscribeChanges(ctx, pc.topic, pc.filter)
	if err != nil {
		pc.err = errors.WrapTransient(err, "realtime", "establish", "open channel "+pc.key)
		p.remove(pc.key)
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case st := <-ch.Status():
			switch st.State {
			case ChannelEstablished:
				p.mu.Lock()
				if pc.refs <= 0 {
					// Every waiter gave up during establishment.
					delete(p.channels, pc.key)
					p.mu.Unlock()
					_ = ch.Close()
					return
				}
				pc.channel = ch
				p.mu.Unlock()
				go p.fanout(pc)
				return
			case ChannelError, ChannelClosed:
				_ = ch.Close()
				pc.err = errors.WrapTransient(st.Err, "realtime", "establish", "channel "+pc.key+" failed before establishment")
				p.remove(pc.key)
				return
			}
		case <-timer.C:
			_ = ch.Close()
			pc.err = errors.WrapTransient(errors.ErrConnectionTimeout, "realtime", "establish", "channel "+pc.key)
			p.remove(pc.key)
			return
		}
	}
}

// fanout pumps events to every attached handler and lifecycle transitions
// to the pool's status callback. Runs until the channel closes or the last
// reference releases.
func (p *channelPool) fanout(pc *pooledChannel) {
	for {
		select {
		case ev, ok := <-pc.channel.Events():
			if !ok {
				p.markDead(pc)
				p.onStatus(pc.key, ChannelStatus{State: ChannelClosed})
				return
			}
			pc.handlerMu.Lock()
			handlers := make([]func(ChangeEvent), 0, len(pc.handlers))
			for _, h := range pc.handlers {
				handlers = append(handlers, h)
			}
			pc.handlerMu.Unlock()
			for _, h := range handlers {
				h(ev)
			}
		case st := <-pc.channel.Status():
			if st.State == ChannelError || st.State == ChannelClosed {
				p.markDead(pc)
			}
			p.onStatus(pc.key, st)
			if st.State == ChannelClosed {
				return
			}
		case <-pc.done:
			return
		}
	}
}

// markDead flags the entry so the next acquire replaces it. The entry stays
// in the map until its references drain or a replacement takes the slot;
// either way release still finds it through the handle.
func (p *channelPool) markDead(pc *pooledChannel) {
	p.mu.Lock()
	pc.dead = true
	p.mu.Unlock()
}

// release detaches one subscription; the channel closes when the last
// reference goes.
func (p *channelPool) release(pc *pooledChannel, subID string) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	pc.handlerMu.Lock()
	delete(pc.handlers, subID)
	pc.handlerMu.Unlock()

	pc.refs--
	if pc.refs > 0 {
		p.mu.Unlock()
		return
	}
	if p.channels[pc.key] == pc {
		delete(p.channels, pc.key)
	}
	p.mu.Unlock()

	close(pc.done)
	if pc.channel != nil {
		if err := pc.channel.Close(); err != nil {
			p.logger.Warn("channel close failed", "channel", pc.key, "error", err)
		}
	}
}

// remove drops a channel that never established.
func (p *channelPool) remove(key string) {
	p.mu.Lock()
	delete(p.channels, key)
	p.mu.Unlock()
}

// refcount reports the active references for topic+filter. Diagnostic.
func (p *channelPool) refcount(topic, filter string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.channels[poolKey(topic, filter)]; ok {
		return pc.refs
	}
	return 0
}

// size reports how many distinct channels are open.
func (p *channelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}
