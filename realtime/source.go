// Package realtime keeps client state synchronized with the remote
// database: it manages pooled change-event channels, batches bursts of
// events, hydrates rows before dispatch, and recovers dropped channels
// through a heartbeat.
package realtime

import (
	"context"
)

// Row is one record from the remote source, denormalized.
type Row map[string]any

// ID returns the row's "id" field, or "" when absent.
func (r Row) ID() string {
	id, _ := r["id"].(string)
	return id
}

// VenueID returns the row's "venue_id" field, or "" when absent.
func (r Row) VenueID() string {
	v, _ := r["venue_id"].(string)
	return v
}

// EventKind classifies a change event.
type EventKind string

const (
	KindInsert EventKind = "insert"
	KindUpdate EventKind = "update"
	KindDelete EventKind = "delete"
)

// ChangeEvent is one raw change emitted by a channel. NewRow is set for
// inserts and updates, OldRow for updates and deletes.
type ChangeEvent struct {
	Kind   EventKind
	NewRow Row
	OldRow Row
}

// ChannelState is a lifecycle transition of a ChangeChannel.
type ChannelState int

const (
	ChannelEstablished ChannelState = iota
	ChannelError
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelEstablished:
		return "established"
	case ChannelError:
		return "error"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelStatus pairs a lifecycle state with its cause, when there is one.
type ChannelStatus struct {
	State ChannelState
	Err   error
}

// ChangeChannel is a live subscription to a stream of change events.
// Events and Status stay open until Close; establishment success or failure
// arrives on Status.
type ChangeChannel interface {
	Events() <-chan ChangeEvent
	Status() <-chan ChannelStatus
	Close() error
}

// RemoteSource is the remote database the manager talks to.
type RemoteSource interface {
	// Query fetches rows matching filter from table.
	Query(ctx context.Context, table string, filter map[string]any) ([]Row, error)

	// SubscribeChanges opens a change channel for topic narrowed by
	// filter. The returned channel signals establishment asynchronously
	// on its Status stream.
	SubscribeChanges(ctx context.Context, topic, filter string) (ChangeChannel, error)
}

// Invalidator is the slice of the tiered cache the manager uses to drop
// stale entries before dispatching events.
type Invalidator interface {
	InvalidateVenue(ctx context.Context, venueID string) int
	InvalidateVibeChecks(ctx context.Context) int
}
