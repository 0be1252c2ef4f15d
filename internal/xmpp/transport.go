package xmpp

import (
	"context"
	"errors"

	"mellium.im/xmpp/jid"
)

// ErrAuth is returned by Transport.Connect when the server rejects the
// credentials. It is not retried.
var ErrAuth = errors.New("xmpp: authentication failed")

// State is a stream lifecycle signal.
type State int

const (
	StateConnecting State = iota
	StateOnline
	StateOffline
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Stream: either a lifecycle signal or one inbound
// stanza.
type Event struct {
	State  State
	Err    error
	Stanza *Stanza
}

// Transport opens authenticated streams.
type Transport interface {
	Connect(ctx context.Context, addr jid.JID, password string) (Stream, error)
}

// Stream is one authenticated, bound connection. Events is closed after the
// final StateOffline or StateError event.
type Stream interface {
	Events() <-chan Event
	Send(ctx context.Context, st *Stanza) error
	LocalAddr() jid.JID
	Close() error
}
