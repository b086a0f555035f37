package connectivity

import (
	"context"

	"github.com/nats-io/nats.go"
)

// NATSProbe reads connectivity off the shared NATS connection: connected
// means the client state machine is in CONNECTED, reachable means a ping
// round trip completes.
type NATSProbe struct {
	conn *nats.Conn
}

func NewNATSProbe(conn *nats.Conn) *NATSProbe {
	return &NATSProbe{conn: conn}
}

func (p *NATSProbe) Check(ctx context.Context) (Result, error) {
	if p.conn == nil || p.conn.Status() != nats.CONNECTED {
		return Result{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.conn.RTT()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return Result{Connected: true}, ctx.Err()
	case err := <-done:
		return Result{Connected: true, InternetReachable: err == nil}, nil
	}
}
