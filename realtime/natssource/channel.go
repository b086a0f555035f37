package natssource

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/realtime"
)

// channel adapts one NATS subscription to realtime.ChangeChannel.
type channel struct {
	logger *slog.Logger
	sub    *nats.Subscription
	events chan realtime.ChangeEvent
	status chan realtime.ChannelStatus

	mu       sync.Mutex
	closed   bool
	stopConn chan struct{}
}

func newChannel(logger *slog.Logger) *channel {
	return &channel{
		logger:   logger,
		events:   make(chan realtime.ChangeEvent, eventBuffer),
		status:   make(chan realtime.ChannelStatus, 8),
		stopConn: make(chan struct{}),
	}
}

func (c *channel) Events() <-chan realtime.ChangeEvent { return c.events }

func (c *channel) Status() <-chan realtime.ChannelStatus { return c.status }

// onMessage decodes one published change event. Undecodable payloads are
// logged and skipped; a bad event must not stall the stream.
func (c *channel) onMessage(msg *nats.Msg) {
	var wire wireEvent
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		c.logger.Warn("undecodable change event dropped", "subject", msg.Subject, "error", err)
		return
	}

	ev := realtime.ChangeEvent{
		Kind:   realtime.EventKind(wire.Kind),
		NewRow: wire.NewRow,
		OldRow: wire.OldRow,
	}
	switch ev.Kind {
	case realtime.KindInsert, realtime.KindUpdate, realtime.KindDelete:
	default:
		c.logger.Warn("unknown change event kind dropped", "kind", wire.Kind)
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Warn("change event buffer full, dropping oldest", "subject", msg.Subject)
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// watchConnection surfaces connection-level drops as channel errors so the
// manager's heartbeat takes over recovery.
func (c *channel) watchConnection(conn *nats.Conn) {
	statusCh := conn.StatusChanged(nats.RECONNECTING, nats.DISCONNECTED, nats.CLOSED)
	go func() {
		for {
			select {
			case <-c.stopConn:
				return
			case st, ok := <-statusCh:
				if !ok {
					return
				}
				switch st {
				case nats.CLOSED:
					c.emitStatus(realtime.ChannelStatus{
						State: realtime.ChannelClosed,
						Err:   errors.ErrConnectionLost,
					})
					return
				default:
					c.emitStatus(realtime.ChannelStatus{
						State: realtime.ChannelError,
						Err:   errors.ErrConnectionLost,
					})
				}
			}
		}
	}()
}

func (c *channel) emitStatus(st realtime.ChannelStatus) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.status <- st:
	default:
	}
}

// Close unsubscribes and stops both streams. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopConn)
	c.mu.Unlock()

	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			return errors.WrapTransient(err, "natssource", "Close", "unsubscribe")
		}
	}
	return nil
}
