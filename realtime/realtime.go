// Package realtime defines the pub/sub channel abstraction the sync engine
// rides on. A Transport hands out named channels; every subscriber of a
// same-named channel receives every payload sent to it, tagged by topic. The
// persistence gateway publishes row-change records through the same path, so
// one channel subscription carries both durable change notifications and
// ephemeral broadcasts.
package realtime

import (
	"context"
	"errors"
)

// Status describes a channel subscription's lifecycle.
type Status string

const (
	StatusJoining Status = "joining"
	StatusJoined  Status = "joined"
	StatusClosed  Status = "closed"
	StatusErrored Status = "errored"
)

// Well-known topic names. Change topics carry JSON-encoded store.Change
// records; the cursor topic carries JSON-encoded collab.CursorUpdate.
const (
	TopicCursor            = "cursor"
	TopicOperationChange   = "changes:operations"
	TopicParticipantChange = "changes:participants"
	TopicSessionChange     = "changes:sessions"
)

// Event is one message delivered to a channel subscriber.
type Event struct {
	Topic   string
	Payload []byte
}

// Handler consumes events. Handlers run on the transport's delivery
// goroutine; blocking here delays subsequent events for this subscriber
// only.
type Handler func(ctx context.Context, ev Event)

// StatusFunc observes subscription state transitions. err is non-nil only
// for StatusErrored.
type StatusFunc func(status Status, err error)

// ErrChannelClosed is returned by Send after the channel was removed.
var ErrChannelClosed = errors.New("realtime channel closed")

// Channel is a scoped pub/sub handle. A channel is single-subscription:
// Subscribe may be called at most once per Channel instance; reconnecting
// means obtaining a fresh Channel from the Transport.
type Channel interface {
	// Name returns the channel's name as given to Transport.Channel.
	Name() string

	// Subscribe registers the handler and status observer and starts
	// delivery. It returns once the subscription is established (the
	// StatusJoined transition fires before or concurrently with the
	// return). Delivery stops when ctx is cancelled or the channel is
	// removed.
	Subscribe(ctx context.Context, handler Handler, status StatusFunc) error

	// Send publishes a payload to every subscriber of this channel name,
	// including the sender. Fire-and-forget: delivery to slow consumers may
	// be dropped on topics that tolerate loss.
	Send(ctx context.Context, topic string, payload []byte) error
}

// Transport creates and tears down channels.
type Transport interface {
	// Channel returns a fresh channel handle for the given name. Handles
	// with equal names share fan-out.
	Channel(name string) Channel

	// RemoveChannel closes the channel, detaching its subscription and
	// failing subsequent Sends with ErrChannelClosed.
	RemoveChannel(ch Channel) error
}
