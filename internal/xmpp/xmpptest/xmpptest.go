// Package xmpptest provides an in-memory transport for tests.
package xmpptest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/xmpp"
)

// ErrClosed is returned by Send on a closed stream.
var ErrClosed = errors.New("xmpptest: stream closed")

// Responder produces scripted replies for an outbound stanza. Replies are
// delivered in order, after the stanza is recorded. An iq reply without a
// from is stamped with the request's target, as the server would route it.
type Responder func(st *xmpp.Stanza) []*xmpp.Stanza

// Transport hands out in-memory streams.
type Transport struct {
	mu        sync.Mutex
	failures  []error
	holds     []chan struct{}
	streams   []*Stream
	connects  int
	responder Responder
}

// NewTransport creates a transport whose streams answer with r (may be nil).
func NewTransport(r Responder) *Transport {
	return &Transport{responder: r}
}

// FailNext queues errors returned by the next Connect calls, in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// SetResponder replaces the responder for streams created afterwards and for
// the current stream.
func (t *Transport) SetResponder(r Responder) {
	t.mu.Lock()
	t.responder = r
	var cur *Stream
	if len(t.streams) > 0 {
		cur = t.streams[len(t.streams)-1]
	}
	t.mu.Unlock()
	if cur != nil {
		cur.mu.Lock()
		cur.responder = r
		cur.mu.Unlock()
	}
}

// HoldNext makes the next Connect call block until release is called. The
// held call ignores its context, like a server that answers late.
func (t *Transport) HoldNext() (release func()) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.holds = append(t.holds, ch)
	t.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Connect returns a new online stream or the next queued failure.
func (t *Transport) Connect(_ context.Context, addr jid.JID, _ string) (xmpp.Stream, error) {
	t.mu.Lock()
	t.connects++
	var hold chan struct{}
	if len(t.holds) > 0 {
		hold = t.holds[0]
		t.holds = t.holds[1:]
	}
	t.mu.Unlock()
	if hold != nil {
		<-hold
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return nil, err
	}

	s := &Stream{
		addr:      addr,
		events:    make(chan xmpp.Event, 256),
		responder: t.responder,
	}
	s.events <- xmpp.Event{State: xmpp.StateOnline}
	t.streams = append(t.streams, s)
	return s, nil
}

// Connects returns the number of Connect calls so far.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Current returns the most recently created stream.
func (t *Transport) Current() *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

// Stream is an in-memory xmpp.Stream.
type Stream struct {
	addr   jid.JID
	events chan xmpp.Event

	mu        sync.Mutex
	closed    bool
	sent      []*xmpp.Stanza
	responder Responder
}

func (s *Stream) Events() <-chan xmpp.Event {
	return s.events
}

func (s *Stream) LocalAddr() jid.JID {
	return s.addr
}

// Send records st and delivers any scripted replies.
func (s *Stream) Send(_ context.Context, st *xmpp.Stanza) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	cp := *st
	s.sent = append(s.sent, &cp)
	responder := s.responder
	s.mu.Unlock()

	if responder == nil {
		return nil
	}
	for _, reply := range responder(&cp) {
		if reply.Kind() == xmpp.KindIQ && reply.ID == cp.ID && reply.From == "" {
			reply.From = cp.To
		}
		s.Inject(reply)
	}
	return nil
}

// Close ends the stream with a StateOffline event.
func (s *Stream) Close() error {
	s.finish(xmpp.Event{State: xmpp.StateOffline})
	return nil
}

// Drop ends the stream with a StateError event, as a network failure would.
func (s *Stream) Drop(err error) {
	s.finish(xmpp.Event{State: xmpp.StateError, Err: err})
}

func (s *Stream) finish(ev xmpp.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.events <- ev
	close(s.events)
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Inject delivers an inbound stanza.
func (s *Stream) Inject(st *xmpp.Stanza) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- xmpp.Event{Stanza: st}
}

// Sent returns a copy of everything sent so far.
func (s *Stream) Sent() []*xmpp.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*xmpp.Stanza, len(s.sent))
	copy(out, s.sent)
	return out
}

// Find returns the first sent stanza matching match, or nil.
func (s *Stream) Find(match func(*xmpp.Stanza) bool) *xmpp.Stanza {
	for _, st := range s.Sent() {
		if match(st) {
			return st
		}
	}
	return nil
}

// WaitFor polls until a sent stanza matches or fails the test after two
// seconds.
func (s *Stream) WaitFor(t testing.TB, match func(*xmpp.Stanza) bool) *xmpp.Stanza {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.Find(match); st != nil {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no matching stanza sent; got %d stanzas", len(s.Sent()))
	return nil
}

// HasChild matches stanzas carrying a payload element with the given name.
func HasChild(space, local string) func(*xmpp.Stanza) bool {
	return func(st *xmpp.Stanza) bool {
		return st.Child(space, local) != nil
	}
}
