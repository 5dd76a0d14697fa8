package odin

import (
	"context"
	"time"

	"github.com/4Players/odin-go/pkg/signal"
)

// DialParams describe one gateway connection attempt.
type DialParams struct {
	URL      string
	Token    string
	UserData []byte
	Position *signal.Position
}

// TransportEvent is one item from a Connection's event stream. Exactly
// one of Msg and Frame is set for regular events. Err is set on the
// terminal event; the channel closes right after it.
type TransportEvent struct {
	Msg   *signal.Message
	Frame *signal.MediaFrame
	Err   error
}

// TransportStats are the client-side counters of a single connection.
// Counters reset when a reconnect replaces the connection.
type TransportStats struct {
	RTT             time.Duration
	PacketsSent     uint64
	PacketsReceived uint64
	PacketsLost     uint64
	BytesSent       uint64
	BytesReceived   uint64
}

// Connection is an established, joined gateway session.
type Connection interface {
	// Events streams control messages and media frames. The channel
	// closes once the connection is finished, after a terminal Err
	// event unless Close was called locally.
	Events() <-chan TransportEvent

	// Send transmits a control message.
	Send(msg *signal.Message) error

	// SendMedia transmits one media frame.
	SendMedia(frame *signal.MediaFrame) error

	// Stats returns the current transfer counters.
	Stats() TransportStats

	Close() error
}

// Dialer opens gateway connections. Dial blocks until the join
// handshake completes or ctx ends; a rejected join surfaces as an
// error carrying ErrCodeAuthFailed.
type Dialer interface {
	Dial(ctx context.Context, params DialParams) (Connection, *signal.JoinAccept, error)
}
