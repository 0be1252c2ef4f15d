// Package correlator matches iq replies to the requests that caused them.
//
// Every outgoing request is registered under its id before it is sent. The
// dispatcher hands each inbound stanza to Resolve first; a stanza that
// resolves a pending request is consumed and never reaches generic dispatch.
// A request is resolved at most once, by its reply, its timeout, its
// context, or FailAll, whichever comes first. A reply must come from the
// entity the request was sent to; the account's own server may also answer
// without a from address.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/metrics"
	"github.com/meszmate/orekh/internal/xmpp"
)

var (
	// ErrTimeout means no reply arrived in time. The outcome is unknown: the
	// server may have processed the request and lost the reply.
	ErrTimeout = errors.New("correlator: request timed out")

	// ErrDisconnected resolves requests that were pending when the stream
	// went away.
	ErrDisconnected = errors.New("correlator: disconnected")
)

// Sender transmits one stanza.
type Sender interface {
	Send(ctx context.Context, st *xmpp.Stanza) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, st *xmpp.Stanza) error

func (f SenderFunc) Send(ctx context.Context, st *xmpp.Stanza) error {
	return f(ctx, st)
}

type outcome struct {
	reply *xmpp.Stanza
	err   error
}

type pending struct {
	// to is the request's target as sent, empty for the account's server.
	to      string
	created time.Time
	timer   *time.Timer
	done    chan outcome
}

// Correlator owns the table of pending requests.
type Correlator struct {
	sender         Sender
	logger         *zap.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	own     jid.JID
	pending map[string]*pending
}

// New creates a correlator sending through s. Requests without an explicit
// timeout use defaultTimeout.
func New(s Sender, logger *zap.Logger, defaultTimeout time.Duration) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &Correlator{
		sender:         s,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pending),
	}
}

// SendAndWait sends req and blocks until its reply, the timeout, or ctx is
// done. An empty id is replaced with a fresh one. Error replies are returned
// as the reply stanza; callers inspect them with Stanza.Err.
func (c *Correlator) SendAndWait(ctx context.Context, req *xmpp.Stanza, timeout time.Duration) (*xmpp.Stanza, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	id := req.ID

	p := &pending{
		to:      req.To,
		created: time.Now(),
		done:    make(chan outcome, 1),
	}

	c.mu.Lock()
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		return nil, fmt.Errorf("correlator: request id %q already pending", id)
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.finish(id, outcome{err: ErrTimeout})
	})
	n := len(c.pending)
	c.mu.Unlock()
	metrics.SetPendingRequests(n)

	if err := c.sender.Send(ctx, req); err != nil {
		c.finish(id, outcome{err: err})
		return nil, fmt.Errorf("send request %s: %w", id, err)
	}

	select {
	case o := <-p.done:
		return o.reply, o.err
	case <-ctx.Done():
		if c.finish(id, outcome{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// Resolved concurrently; the outcome is already buffered.
		o := <-p.done
		return o.reply, o.err
	}
}

// Resolve completes the request matching st and reports whether st was
// consumed. Only iq result and error stanzas resolve requests.
func (c *Correlator) Resolve(st *xmpp.Stanza) bool {
	if st == nil || st.ID == "" || st.Kind() != xmpp.KindIQ {
		return false
	}
	if st.Type != xmpp.IQResult && st.Type != xmpp.IQError {
		return false
	}
	c.mu.Lock()
	p, ok := c.pending[st.ID]
	own := c.own
	c.mu.Unlock()
	if !ok {
		return false
	}
	if !answers(p.to, st, own) {
		c.logger.Warn("ignoring reply from unexpected sender",
			zap.String("id", st.ID),
			zap.String("to", p.to),
			zap.String("from", st.From))
		return false
	}
	return c.finish(st.ID, outcome{reply: st})
}

// Bind sets the account's full address, used to recognize replies from the
// account's own server.
func (c *Correlator) Bind(own jid.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own = own
}

// answers reports whether reply may answer a request sent to to.
func answers(to string, reply *xmpp.Stanza, own jid.JID) bool {
	if reply.From == to {
		return true
	}
	target, err := jid.Parse(to)
	if to != "" && err != nil {
		return false
	}
	from := reply.FromJID()
	if to != "" && reply.From != "" && from.Equal(target) {
		return true
	}

	account := func(j jid.JID) bool {
		return own.Domainpart() != "" && (j.Equal(own.Bare()) || j.Equal(own.Domain()))
	}
	if to != "" && !account(target) {
		return false
	}
	return reply.From == "" || account(from)
}

// FailAll resolves every pending request with err.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.finish(id, outcome{err: err})
	}
	if len(ids) > 0 {
		c.logger.Debug("failed pending requests", zap.Int("count", len(ids)), zap.Error(err))
	}
}

// Pending returns the number of unresolved requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// finish removes id and delivers o. Removal under the lock is what makes
// resolution at-most-once: only the caller that removes the entry delivers.
func (c *Correlator) finish(id string, o outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	metrics.SetPendingRequests(n)
	metrics.RecordRequest(outcomeLabel(o))

	if errors.Is(o.err, ErrTimeout) {
		c.logger.Debug("request timed out",
			zap.String("id", id),
			zap.Duration("after", time.Since(p.created)))
	}
	p.done <- o
	return true
}

func outcomeLabel(o outcome) string {
	switch {
	case errors.Is(o.err, ErrTimeout):
		return "timeout"
	case errors.Is(o.err, ErrDisconnected):
		return "disconnected"
	case o.err != nil:
		return "cancelled"
	case o.reply != nil && o.reply.Type == xmpp.IQError:
		return "error"
	default:
		return "ok"
	}
}
