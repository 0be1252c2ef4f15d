package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/notify"
	"github.com/meszmate/orekh/internal/storage/memory"
	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/xmpptest"
)

var (
	account = jid.MustParse("alice@example.org")
	bob     = jid.MustParse("bob@example.org")
	bobFull = jid.MustParse("bob@example.org/laptop")
)

// server answers the requests every session makes, then defers to extra.
func server(extra xmpptest.Responder) xmpptest.Responder {
	return func(st *xmpp.Stanza) []*xmpp.Stanza {
		if extra != nil {
			if replies := extra(st); replies != nil {
				return replies
			}
		}
		if !st.IsRequest() {
			return nil
		}
		switch {
		case st.Type == xmpp.IQGet && st.Child(xmpp.NSRoster, "query") != nil:
			return []*xmpp.Stanza{st.Result(xmpp.NewElement(xmpp.NSRoster, "query"))}
		case st.Child(xmpp.NSCarbons, "enable") != nil:
			return []*xmpp.Stanza{st.Result()}
		case st.Type == xmpp.IQSet && st.Child(xmpp.NSRoster, "query") != nil:
			return []*xmpp.Stanza{st.Result()}
		}
		return nil
	}
}

// manualClock stands in for the reconnect timer.
type manualClock struct {
	mu     sync.Mutex
	delays []time.Duration
	due    []func()
}

func (c *manualClock) Schedule(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	idx := len(c.due)
	c.due = append(c.due, f)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		pending := c.due[idx] != nil
		c.due[idx] = nil
		return pending
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.due {
		if f != nil {
			n++
		}
	}
	return n
}

func (c *manualClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func (c *manualClock) Fire(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	var f func()
	for i := len(c.due) - 1; i >= 0; i-- {
		if c.due[i] != nil {
			f = c.due[i]
			c.due[i] = nil
			break
		}
	}
	c.mu.Unlock()
	require.NotNil(t, f, "no reconnect attempt pending")
	f()
}

// recorder collects published values.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) Add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, v)
}

func (r *recorder[T]) All() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type notifier struct {
	recorder[notify.Notification]
}

func (n *notifier) Notify(note notify.Notification) { n.Add(note) }

type harness struct {
	t        *testing.T
	e        *Engine
	tr       *xmpptest.Transport
	store    *memory.Store
	clock    *manualClock
	notifier *notifier
}

func newHarness(t *testing.T, cfg Config, r xmpptest.Responder) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		tr:       xmpptest.NewTransport(server(r)),
		store:    memory.New(),
		clock:    &manualClock{},
		notifier: &notifier{},
	}
	h.e = New(cfg, Deps{
		Transport: h.tr,
		Store:     h.store,
		Notifier:  h.notifier,
		Logger:    zap.NewNop(),
		Scheduler: h.clock.Schedule,
	})
	t.Cleanup(func() { _ = h.e.Close() })
	return h
}

// connect brings the engine online and waits for the session setup to
// finish so tests see a quiet stream.
func (h *harness) connect() *xmpptest.Stream {
	h.t.Helper()
	require.NoError(h.t, h.e.Connect(context.Background(), account, "secret"))
	require.Equal(h.t, Online, h.e.State())
	s := h.tr.Current()
	s.WaitFor(h.t, xmpptest.HasChild(xmpp.NSCarbons, "enable"))
	return s
}

// sync injects a ping and waits for its answer, so everything injected
// before it has been dispatched.
func (h *harness) sync(s *xmpptest.Stream) {
	h.t.Helper()
	ping := xmpp.NewIQ(xmpp.IQGet, h.e.LocalAddr().String(), xmpp.NewElement(xmpp.NSPing, "ping"))
	ping.ID = fmt.Sprintf("sync-%d", time.Now().UnixNano())
	ping.From = "example.org"
	s.Inject(ping)
	s.WaitFor(h.t, func(st *xmpp.Stanza) bool {
		return st.ID == ping.ID && st.Type == xmpp.IQResult
	})
}

func TestConnectGoesOnline(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	var states recorder[ConnectionStatus]
	h.e.OnConnection(states.Add)

	s := h.connect()

	local := h.e.LocalAddr()
	assert.True(t, local.Bare().Equal(account))
	assert.Contains(t, local.Resourcepart(), "orekh-")

	got := states.All()
	require.Len(t, got, 2)
	assert.Equal(t, Connecting, got[0].State)
	assert.Equal(t, Online, got[1].State)

	avail := s.WaitFor(t, func(st *xmpp.Stanza) bool { return st.Kind() == xmpp.KindPresence })
	assert.Empty(t, avail.Type)
	s.WaitFor(t, xmpptest.HasChild(xmpp.NSRoster, "query"))
}

func TestConnectRejectsAddressWithoutLocalpart(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	err := h.e.Connect(context.Background(), jid.MustParse("example.org"), "secret")
	require.Error(t, err)
	assert.Equal(t, 0, h.tr.Connects())
	assert.Equal(t, Disconnected, h.e.State())
}

func TestResourceIsFreshPerConnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.connect()
	first := h.e.LocalAddr()

	require.NoError(t, h.e.Disconnect(context.Background()))
	s := h.connect()
	second := h.e.LocalAddr()
	assert.NotEqual(t, first.Resourcepart(), second.Resourcepart())

	// A reconnect after a lost stream binds a new resource too.
	s.Drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)
	h.clock.Fire(t)
	require.Equal(t, Online, h.e.State())
	third := h.e.LocalAddr()
	assert.True(t, third.Bare().Equal(account))
	assert.NotEqual(t, second.Resourcepart(), third.Resourcepart())
	assert.NotEqual(t, first.Resourcepart(), third.Resourcepart())
}

func TestDisconnectClosesStreamAndFailsPending(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()

	// The server never answers pings sent by the client.
	done := make(chan error, 1)
	go func() {
		_, err := h.e.corr.SendAndWait(context.Background(), xmpp.NewIQ(xmpp.IQGet, "example.org", xmpp.NewElement(xmpp.NSPing, "ping")), time.Minute)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.e.corr.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.e.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, h.e.State())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending request was not failed")
	}

	assert.ErrorIs(t, s.Send(context.Background(), xmpp.NewPresence("", "")), xmpptest.ErrClosed)
	assert.Equal(t, 0, h.clock.Pending(), "manual disconnect must not reconnect")
}

func TestAuthFailureDoesNotReconnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.tr.FailNext(fmt.Errorf("server said no: %w", xmpp.ErrAuth))

	err := h.e.Connect(context.Background(), account, "wrong")
	require.ErrorIs(t, err, xmpp.ErrAuth)
	assert.Equal(t, Failed, h.e.State())
	assert.Equal(t, 0, h.clock.Pending())

	// A manual connect leaves the failed state.
	h.connect()
	assert.Equal(t, Online, h.e.State())
}

func TestManualConnectFailureDoesNotReconnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.tr.FailNext(errors.New("connection refused"))

	require.Error(t, h.e.Connect(context.Background(), account, "secret"))
	assert.Equal(t, Disconnected, h.e.State())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestReconnectAfterLossBacksOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect.BaseDelay = time.Second
	cfg.Reconnect.MaxDelay = 30 * time.Second
	h := newHarness(t, cfg, nil)
	var states recorder[ConnectionStatus]
	h.e.OnConnection(states.Add)

	s := h.connect()
	h.tr.FailNext(errors.New("network unreachable"), errors.New("network unreachable"))
	s.Drop(errors.New("connection reset"))

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, h.e.State())

	h.clock.Fire(t)
	h.clock.Fire(t)
	require.Equal(t, Disconnected, h.e.State())
	h.clock.Fire(t)

	assert.Equal(t, Online, h.e.State())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, h.clock.Delays())
	assert.Equal(t, 4, h.tr.Connects())
	assert.Equal(t, 0, h.e.sup.Attempts())

	var attempts []int
	for _, st := range states.All() {
		if st.State == Connecting {
			attempts = append(attempts, st.Attempt)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3}, attempts)

	// The new stream works.
	h.tr.Current().WaitFor(t, xmpptest.HasChild(xmpp.NSCarbons, "enable"))
}

func TestReconnectGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect.MaxAttempts = 2
	h := newHarness(t, cfg, nil)
	var states recorder[ConnectionStatus]
	h.e.OnConnection(states.Add)

	s := h.connect()
	h.tr.FailNext(errors.New("down"), errors.New("down"))
	s.Drop(errors.New("connection reset"))

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)
	h.clock.Fire(t)
	h.clock.Fire(t)

	assert.Equal(t, Failed, h.e.State())
	assert.Equal(t, 0, h.clock.Pending())
	last := states.All()[states.Len()-1]
	assert.ErrorIs(t, last.Err, ErrReconnectExhausted)
}

func TestReconnectAuthFailureStops(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()
	h.tr.FailNext(xmpp.ErrAuth)
	s.Drop(errors.New("connection reset"))

	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)
	h.clock.Fire(t)

	assert.Equal(t, Failed, h.e.State())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()
	s.Drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.e.Disconnect(context.Background()))
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, 1, h.tr.Connects())
}

func TestDisconnectDuringRedialStaysOffline(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()
	release := h.tr.HoldNext()
	defer release()
	s.Drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)

	fired := make(chan struct{})
	go func() {
		defer close(fired)
		h.clock.Fire(t)
	}()
	require.Eventually(t, func() bool { return h.tr.Connects() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.e.State() == Connecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.e.Disconnect(context.Background()))
	assert.Equal(t, Disconnected, h.e.State())

	release()
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("held redial did not return")
	}

	assert.Equal(t, Disconnected, h.e.State())
	assert.Equal(t, 0, h.clock.Pending())
	late := h.tr.Current()
	require.NotSame(t, s, late)
	assert.True(t, late.Closed(), "stream opened after disconnect must be closed")
	_, err := h.e.SendMessage(context.Background(), bob, "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectOvertakesHeldRedial(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()
	release := h.tr.HoldNext()
	defer release()
	s.Drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return h.clock.Pending() == 1 }, time.Second, 5*time.Millisecond)

	fired := make(chan struct{})
	go func() {
		defer close(fired)
		h.clock.Fire(t)
	}()
	require.Eventually(t, func() bool { return h.tr.Connects() == 2 }, time.Second, 5*time.Millisecond)

	connected := make(chan error, 1)
	go func() { connected <- h.e.Connect(context.Background(), account, "secret") }()
	release()

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manual connect did not return")
	}
	<-fired

	assert.Equal(t, Online, h.e.State())
	assert.Equal(t, 3, h.tr.Connects())
	live := h.tr.Current()
	assert.False(t, live.Closed())
	assert.Equal(t, live.LocalAddr(), h.e.LocalAddr())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestOperationsWhileOffline(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	ctx := context.Background()

	_, err := h.e.SendMessage(ctx, bob, "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, h.e.Messages(ctx, bob))

	assert.ErrorIs(t, h.e.SetPresence(ctx, "", ""), ErrNotConnected)
	assert.Empty(t, h.e.SyncHistory(ctx, bob))
	assert.Nil(t, h.e.Upload(ctx, "a.txt", "text/plain", 1, nil))
	_, err = h.e.StartCall(bob, "", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPingIsAnswered(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()

	ping := xmpp.NewIQ(xmpp.IQGet, h.e.LocalAddr().String(), xmpp.NewElement(xmpp.NSPing, "ping"))
	ping.ID = "p1"
	ping.From = "example.org"
	s.Inject(ping)

	reply := s.WaitFor(t, func(st *xmpp.Stanza) bool { return st.ID == "p1" })
	assert.Equal(t, xmpp.IQResult, reply.Type)
	assert.Equal(t, "example.org", reply.To)
}

func TestDiscoInfoAdvertisesFeatures(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()

	q := xmpp.NewIQ(xmpp.IQGet, h.e.LocalAddr().String(), xmpp.NewElement(xmpp.NSDiscoInfo, "query"))
	q.ID = "d1"
	q.From = bobFull.String()
	s.Inject(q)

	reply := s.WaitFor(t, func(st *xmpp.Stanza) bool { return st.ID == "d1" })
	require.Equal(t, xmpp.IQResult, reply.Type)
	info := reply.Child(xmpp.NSDiscoInfo, "query")
	require.NotNil(t, info)

	var vars []string
	for _, c := range info.Children {
		if c.XMLName.Local == "feature" {
			vars = append(vars, c.Attr("var"))
		}
	}
	assert.Contains(t, vars, xmpp.NSReceipts)
	assert.Contains(t, vars, xmpp.NSJingle)
	assert.Equal(t, "client", info.Child("", "identity").Attr("category"))
}

func TestUnknownRequestGetsServiceUnavailable(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()

	q := xmpp.NewIQ(xmpp.IQGet, h.e.LocalAddr().String(), xmpp.NewElement("jabber:iq:version", "query"))
	q.ID = "v1"
	q.From = bobFull.String()
	s.Inject(q)

	reply := s.WaitFor(t, func(st *xmpp.Stanza) bool { return st.ID == "v1" })
	require.Equal(t, xmpp.IQError, reply.Type)
	var se *xmpp.StanzaError
	require.ErrorAs(t, reply.Err(), &se)
	assert.Equal(t, "service-unavailable", se.Condition)
}

func TestLateReplyIsDropped(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	s := h.connect()

	late := xmpp.NewIQ(xmpp.IQResult, h.e.LocalAddr().String())
	late.ID = "long-gone"
	s.Inject(late)
	h.sync(s)

	assert.Nil(t, s.Find(func(st *xmpp.Stanza) bool { return st.ID == "long-gone" }))
}
