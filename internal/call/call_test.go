package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/notify"
	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/jingle"
)

var (
	own = jid.MustParse("alice@example.com/orekh-1")
	bob = jid.MustParse("bob@example.com")
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []*xmpp.Stanza
	signals []*xmpp.Stanza
	// refuse makes signaling iqs fail with an error reply.
	refuse bool
}

func (f *fakeTransport) Send(_ context.Context, st *xmpp.Stanza) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, st)
	return nil
}

func (f *fakeTransport) SendAndWait(_ context.Context, req *xmpp.Stanza, _ time.Duration) (*xmpp.Stanza, error) {
	f.mu.Lock()
	f.signals = append(f.signals, req)
	refuse := f.refuse
	f.mu.Unlock()
	if refuse {
		return req.ErrorReply("cancel", "service-unavailable"), nil
	}
	return req.Result(), nil
}

func (f *fakeTransport) Signals() []jingle.Jingle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]jingle.Jingle, 0, len(f.signals))
	for _, st := range f.signals {
		j, _ := jingle.Parse(st)
		out = append(out, j)
	}
	return out
}

func (f *fakeTransport) signalTo(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals[i].To
}

func (f *fakeTransport) Acks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, st := range f.sent {
		if st.Type == xmpp.IQResult {
			n++
		}
	}
	return n
}

type locator map[string]jid.JID

func (l locator) FullJID(j jid.JID) (jid.JID, bool) {
	full, ok := l[j.Bare().String()]
	return full, ok
}

type recordingAlerter struct {
	mu      sync.Mutex
	ringing bool
	rings   int
}

func (a *recordingAlerter) StartRinging(Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing = true
	a.rings++
}

func (a *recordingAlerter) StopRinging() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing = false
}

func (a *recordingAlerter) Ringing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ringing
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

type harness struct {
	m        *Manager
	tr       *fakeTransport
	alerter  *recordingAlerter
	notifier *recordingNotifier

	mu     sync.Mutex
	states []Session
}

func newHarness(t *testing.T, loc locator) *harness {
	h := &harness{tr: &fakeTransport{}, alerter: &recordingAlerter{}, notifier: &recordingNotifier{}}
	if loc == nil {
		loc = locator{}
	}
	h.m = NewManager(h.tr, loc, Config{
		Timeout:  time.Second,
		Alerter:  h.alerter,
		Notifier: h.notifier,
		Logger:   zaptest.NewLogger(t),
	})
	h.m.Bind(context.Background(), own)
	h.m.Subscribe(func(s Session) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, s)
	})
	return h
}

func (h *harness) Last() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states[len(h.states)-1]
}

func (h *harness) waitSignals(t *testing.T, n int) []jingle.Jingle {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.tr.Signals()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.tr.Signals()
}

func offerFrom(from, sid string) *xmpp.Stanza {
	st := jingle.NewIQ(own.String(), jingle.Jingle{Action: jingle.ActionInitiate, SID: sid, Initiator: from})
	st.ID = "in-" + sid
	st.From = from
	return st
}

func signalFrom(from string, j jingle.Jingle) *xmpp.Stanza {
	st := jingle.NewIQ(own.String(), j)
	st.ID = "in-" + j.Action
	st.From = from
	return st
}

func TestOutgoingCallTargetsFullAddress(t *testing.T) {
	full := jid.MustParse("bob@example.com/phone")
	h := newHarness(t, locator{"bob@example.com": full})

	s, err := h.m.StartCall(bob, jingle.MediaAudio, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCalling, s.State)
	assert.Regexp(t, `^call_`, s.ID)

	sigs := h.waitSignals(t, 1)
	assert.Equal(t, jingle.ActionInitiate, sigs[0].Action)
	assert.Equal(t, s.ID, sigs[0].SID)
	assert.Equal(t, full.String(), h.tr.signalTo(0))

	_, err = h.m.StartCall(jid.MustParse("carol@example.com"), jingle.MediaAudio, nil)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestOutgoingCallFallsBackToBareAddress(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.StartCall(bob, "", nil)
	require.NoError(t, err)
	h.waitSignals(t, 1)
	assert.Equal(t, "bob@example.com", h.tr.signalTo(0))
}

func TestOutgoingCallConnectsAndEnds(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.m.now = func() time.Time { return now }

	s, err := h.m.StartCall(bob, jingle.MediaAudio, nil)
	require.NoError(t, err)

	// An accept for another call changes nothing.
	assert.True(t, h.m.Handle(signalFrom("bob@example.com/phone", jingle.Jingle{Action: jingle.ActionAccept, SID: "call_other"})))
	active, _ := h.m.Active()
	assert.Equal(t, StateCalling, active.State)

	h.m.Handle(signalFrom("bob@example.com/phone", jingle.Jingle{Action: jingle.ActionAccept, SID: s.ID}))
	active, _ = h.m.Active()
	assert.Equal(t, StateConnected, active.State)
	assert.Equal(t, now, active.ConnectedAt)
	assert.Equal(t, "bob@example.com/phone", active.Remote.String())

	now = now.Add(42 * time.Second)
	require.NoError(t, h.m.End(""))

	last := h.Last()
	assert.Equal(t, StateEnded, last.State)
	assert.Equal(t, jingle.ReasonSuccess, last.Reason)
	assert.Equal(t, 42*time.Second, last.Duration)
	_, ok := h.m.Active()
	assert.False(t, ok)

	sigs := h.waitSignals(t, 2)
	assert.Equal(t, jingle.ActionTerminate, sigs[1].Action)
	assert.Equal(t, jingle.ReasonSuccess, sigs[1].Reason)
}

func TestRemoteTerminateEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	s, _ := h.m.StartCall(bob, jingle.MediaAudio, nil)

	h.m.Handle(signalFrom("bob@example.com/phone", jingle.Jingle{Action: jingle.ActionTerminate, SID: "call_foreign", Reason: jingle.ReasonBusy}))
	_, ok := h.m.Active()
	assert.True(t, ok, "foreign terminate must be ignored")

	h.m.Handle(signalFrom("bob@example.com/phone", jingle.Jingle{Action: jingle.ActionTerminate, SID: s.ID, Reason: jingle.ReasonBusy}))
	_, ok = h.m.Active()
	assert.False(t, ok)
	assert.Equal(t, jingle.ReasonBusy, h.Last().Reason)
	assert.Zero(t, h.Last().Duration)
	assert.Equal(t, 2, h.tr.Acks())
}

func TestIncomingCallRingsAndAccepts(t *testing.T) {
	h := newHarness(t, nil)

	require.True(t, h.m.Handle(offerFrom("bob@example.com/phone", "call_in")))
	s, ok := h.m.Active()
	require.True(t, ok)
	assert.Equal(t, StateRinging, s.State)
	assert.Equal(t, RoleCallee, s.Role)
	assert.True(t, h.alerter.Ringing())
	require.Len(t, h.notifier.got, 1)
	assert.Equal(t, notify.KindCall, h.notifier.got[0].Kind)

	_, err := h.m.Accept("call_nope", nil)
	assert.ErrorIs(t, err, ErrNoCall)

	s, err = h.m.Accept("call_in", nil)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, s.State)
	assert.False(t, h.alerter.Ringing())

	sigs := h.waitSignals(t, 1)
	assert.Equal(t, jingle.ActionAccept, sigs[0].Action)
	assert.Equal(t, own.String(), sigs[0].Responder)
	assert.Equal(t, "bob@example.com/phone", h.tr.signalTo(0))
}

func TestRejectSendsDecline(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Handle(offerFrom("bob@example.com/phone", "call_in"))

	require.NoError(t, h.m.Reject("call_in"))
	assert.Equal(t, jingle.ReasonDecline, h.Last().Reason)
	assert.False(t, h.alerter.Ringing())

	sigs := h.waitSignals(t, 1)
	assert.Equal(t, jingle.ReasonDecline, sigs[0].Reason)

	assert.ErrorIs(t, h.m.Reject("call_in"), ErrNoCall)
}

func TestSecondOfferGetsBusy(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Handle(offerFrom("bob@example.com/phone", "call_1"))
	h.m.Handle(offerFrom("carol@example.com/laptop", "call_2"))

	s, ok := h.m.Active()
	require.True(t, ok)
	assert.Equal(t, "call_1", s.ID)
	assert.Equal(t, StateRinging, s.State)

	sigs := h.waitSignals(t, 1)
	assert.Equal(t, jingle.ActionTerminate, sigs[0].Action)
	assert.Equal(t, "call_2", sigs[0].SID)
	assert.Equal(t, jingle.ReasonBusy, sigs[0].Reason)
	assert.Equal(t, "carol@example.com/laptop", h.tr.signalTo(0))
	assert.Equal(t, 1, h.alerter.rings)
}

func TestOwnOfferIsAcknowledgedButIgnored(t *testing.T) {
	h := newHarness(t, nil)
	require.True(t, h.m.Handle(offerFrom("alice@example.com/desktop", "call_echo")))

	_, ok := h.m.Active()
	assert.False(t, ok)
	assert.Equal(t, 1, h.tr.Acks())
	assert.Empty(t, h.notifier.got)
}

func TestErrorReplyEndsMatchingCall(t *testing.T) {
	h := newHarness(t, nil)
	h.tr.refuse = true

	_, err := h.m.StartCall(bob, jingle.MediaAudio, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := h.m.Active()
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, jingle.ReasonFailed, h.Last().Reason)
}

func TestToggleIsLocal(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.ToggleMute()
	assert.ErrorIs(t, err, ErrNoCall)

	h.m.Handle(offerFrom("bob@example.com/phone", "call_in"))
	muted, err := h.m.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, h.Last().Muted)

	speaker, err := h.m.ToggleSpeaker()
	require.NoError(t, err)
	assert.True(t, speaker)
	assert.Empty(t, h.tr.Signals())
}

func TestAbortEndsWithoutSignaling(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Handle(offerFrom("bob@example.com/phone", "call_in"))
	h.m.Abort(jingle.ReasonGone)

	_, ok := h.m.Active()
	assert.False(t, ok)
	assert.Equal(t, jingle.ReasonGone, h.Last().Reason)
	assert.Empty(t, h.tr.Signals())
}

func TestMalformedJingleIsRefused(t *testing.T) {
	h := newHarness(t, nil)
	st := xmpp.NewIQ(xmpp.IQSet, own.String(), xmpp.NewElement(xmpp.NSJingle, "jingle").WithAttr("action", jingle.ActionInitiate))
	st.From = "bob@example.com/phone"
	require.True(t, h.m.Handle(st))

	h.tr.mu.Lock()
	defer h.tr.mu.Unlock()
	require.Len(t, h.tr.sent, 1)
	assert.Equal(t, xmpp.IQError, h.tr.sent[0].Type)

	assert.False(t, h.m.Handle(xmpp.NewIQ(xmpp.IQSet, "", xmpp.NewElement(xmpp.NSPing, "ping"))))
}
