// Package natssource implements realtime.RemoteSource over NATS: queries go
// request/reply to the backend's query subject, change streams are core
// NATS subscriptions.
package natssource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/IdrisKulubi/m-buzzvar-sub000/errors"
	"github.com/IdrisKulubi/m-buzzvar-sub000/realtime"
)

const (
	// QuerySubjectPrefix is where the backend answers table queries.
	QuerySubjectPrefix = "buzzvar.query"

	// ChangeSubjectPrefix carries change events, one token per topic.
	ChangeSubjectPrefix = "buzzvar.changes"

	// DefaultQueryTimeout bounds one request/reply round trip.
	DefaultQueryTimeout = 10 * time.Second

	// eventBuffer absorbs bursts between the subscription callback and
	// the manager's fanout.
	eventBuffer = 256
)

// queryRequest is the wire form of a table query.
type queryRequest struct {
	Table  string         `json:"table"`
	Filter map[string]any `json:"filter,omitempty"`
}

// queryResponse is the backend's reply.
type queryResponse struct {
	Rows  []realtime.Row `json:"rows"`
	Error string         `json:"error,omitempty"`
}

// wireEvent is one change event as published by the backend.
type wireEvent struct {
	Kind   string       `json:"kind"`
	NewRow realtime.Row `json:"new_row,omitempty"`
	OldRow realtime.Row `json:"old_row,omitempty"`
}

// Source is a NATS-backed realtime.RemoteSource.
type Source struct {
	conn         *nats.Conn
	logger       *slog.Logger
	queryTimeout time.Duration
}

// SourceOption configures a Source.
type SourceOption func(*Source)

func WithLogger(l *slog.Logger) SourceOption { return func(s *Source) { s.logger = l } }

func WithQueryTimeout(d time.Duration) SourceOption {
	return func(s *Source) {
		if d > 0 {
			s.queryTimeout = d
		}
	}
}

// New wraps an established NATS connection.
func New(conn *nats.Conn, opts ...SourceOption) *Source {
	s := &Source{
		conn:         conn,
		logger:       slog.Default(),
		queryTimeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query sends one request to the table's query subject and decodes the
// reply.
func (s *Source) Query(ctx context.Context, table string, filter map[string]any) ([]realtime.Row, error) {
	if table == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natssource", "Query", "table required")
	}

	payload, err := json.Marshal(queryRequest{Table: table, Filter: filter})
	if err != nil {
		return nil, errors.WrapInvalid(err, "natssource", "Query", "encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	subject := QuerySubjectPrefix + "." + table
	msg, err := s.conn.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, errors.WrapTransient(err, "natssource", "Query", "request "+subject)
	}

	var resp queryResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, errors.WrapTransient(err, "natssource", "Query", "decode reply from "+subject)
	}
	if resp.Error != "" {
		return nil, errors.WrapTransient(fmt.Errorf("query rejected: %s", resp.Error),
			"natssource", "Query", "query "+table)
	}
	return resp.Rows, nil
}

// SubscribeChanges opens a core subscription on the topic's change subject.
// A non-empty filter narrows the subject by one token, so filtered and
// unfiltered subscribers of the same topic use distinct streams.
func (s *Source) SubscribeChanges(ctx context.Context, topic, filter string) (realtime.ChangeChannel, error) {
	if topic == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natssource", "SubscribeChanges", "topic required")
	}

	subject := ChangeSubjectPrefix + "." + topic
	if filter != "" {
		subject += "." + filter
	}

	ch := newChannel(s.logger)
	sub, err := s.conn.Subscribe(subject, ch.onMessage)
	if err != nil {
		return nil, errors.WrapTransient(err, "natssource", "SubscribeChanges", "subscribe "+subject)
	}
	ch.sub = sub

	// Flush proves the server saw the subscription before reporting
	// establishment.
	if err := s.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.WrapTransient(err, "natssource", "SubscribeChanges", "flush "+subject)
	}

	ch.watchConnection(s.conn)
	ch.emitStatus(realtime.ChannelStatus{State: realtime.ChannelEstablished})
	return ch, nil
}
