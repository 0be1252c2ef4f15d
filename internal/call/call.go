// Package call drives two-party call signaling. At most one call is active
// per account; the media path is negotiated elsewhere and only its session
// descriptions pass through here.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/events"
	"github.com/meszmate/orekh/internal/metrics"
	"github.com/meszmate/orekh/internal/notify"
	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/jingle"
)

var (
	// ErrBusy is returned by StartCall while another call is active.
	ErrBusy = errors.New("call: a call is already active")
	// ErrNoCall means no active call matches the given id.
	ErrNoCall = errors.New("call: no matching call")
)

// State of a call session.
type State int

const (
	StateIdle State = iota
	StateCalling
	StateRinging
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Role tells which side started the call.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

// Session is a snapshot of a call.
type Session struct {
	ID string
	// Peer is the other party's bare address.
	Peer jid.JID
	// Remote is the address signaling is sent to: the peer's full address
	// when known.
	Remote jid.JID
	Role   Role
	Media  jingle.Media
	State  State
	// ConnectedAt is set on entering StateConnected.
	ConnectedAt time.Time
	Muted       bool
	Speaker     bool
	// Reason and Duration are set once the call ended.
	Reason   string
	Duration time.Duration

	LocalSDP  *webrtc.SessionDescription
	RemoteSDP *webrtc.SessionDescription
}

// Elapsed returns the connected time so far.
func (s Session) Elapsed(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.ConnectedAt)
}

// Transport sends signaling stanzas.
type Transport interface {
	Send(ctx context.Context, st *xmpp.Stanza) error
	SendAndWait(ctx context.Context, req *xmpp.Stanza, timeout time.Duration) (*xmpp.Stanza, error)
}

// Locator resolves a contact to its reachable full address.
type Locator interface {
	FullJID(j jid.JID) (jid.JID, bool)
}

// Alerter plays the ringing pattern of an incoming call.
type Alerter interface {
	StartRinging(s Session)
	StopRinging()
}

type nopAlerter struct{}

func (nopAlerter) StartRinging(Session) {}
func (nopAlerter) StopRinging()         {}

// Config wires the manager's collaborators. Nil fields get no-op defaults.
type Config struct {
	Timeout  time.Duration
	Alerter  Alerter
	Notifier notify.Notifier
	Logger   *zap.Logger
}

// Manager owns the active call.
type Manager struct {
	tr       Transport
	loc      Locator
	alerter  Alerter
	notifier notify.Notifier
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time

	feed events.Feed[Session]

	mu     sync.Mutex
	ctx    context.Context
	own    jid.JID
	active *Session
}

// NewManager creates a call manager.
func NewManager(tr Transport, loc Locator, cfg Config) *Manager {
	if cfg.Alerter == nil {
		cfg.Alerter = nopAlerter{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		tr:       tr,
		loc:      loc,
		alerter:  cfg.Alerter,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		timeout:  cfg.Timeout,
		now:      time.Now,
		ctx:      context.Background(),
	}
}

// Subscribe registers h for call state changes.
func (m *Manager) Subscribe(h events.Handler[Session]) func() {
	return m.feed.Subscribe(h)
}

// Bind attaches the manager to a connected session. Signaling sent later is
// abandoned when ctx is done.
func (m *Manager) Bind(ctx context.Context, own jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	m.own = own
}

// Active returns the active call.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Session{}, false
	}
	return *m.active, true
}

// StartCall offers a call to peer. The offer goes to the peer's reachable
// full address when one is known, else to the bare address. offer may be
// nil; when it carries a video track the call is a video call.
func (m *Manager) StartCall(peer jid.JID, media jingle.Media, offer *webrtc.SessionDescription) (Session, error) {
	if media == "" {
		media = jingle.MediaAudio
	}
	if offer != nil && jingle.MediaFromSDP(offer) == jingle.MediaVideo {
		media = jingle.MediaVideo
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	target := peer.Bare()
	if full, ok := m.loc.FullJID(peer); ok {
		target = full
	}
	s := &Session{
		ID:       "call_" + uuid.NewString(),
		Peer:     peer.Bare(),
		Remote:   target,
		Role:     RoleCaller,
		Media:    media,
		State:    StateCalling,
		LocalSDP: offer,
	}
	m.active = s
	snap := *s
	own := m.own
	m.mu.Unlock()

	m.logger.Info("starting call", zap.String("call_id", snap.ID), zap.String("to", target.String()))
	m.feed.Publish(snap)
	m.signal(target, jingle.Jingle{
		Action:    jingle.ActionInitiate,
		SID:       snap.ID,
		Initiator: own.String(),
		Media:     media,
		SDP:       offer,
	})
	return snap, nil
}

// Accept answers the ringing call id.
func (m *Manager) Accept(id string, answer *webrtc.SessionDescription) (Session, error) {
	m.mu.Lock()
	s := m.active
	if s == nil || s.ID != id || s.State != StateRinging {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNoCall, id)
	}
	s.State = StateConnected
	s.ConnectedAt = m.now()
	s.LocalSDP = answer
	snap := *s
	own := m.own
	m.mu.Unlock()

	m.alerter.StopRinging()
	m.logger.Info("call accepted", zap.String("call_id", id))
	m.feed.Publish(snap)
	m.signal(snap.Remote, jingle.Jingle{
		Action:    jingle.ActionAccept,
		SID:       id,
		Responder: own.String(),
		Media:     snap.Media,
		SDP:       answer,
	})
	return snap, nil
}

// Reject declines the call id.
func (m *Manager) Reject(id string) error {
	return m.hangup(id, jingle.ReasonDecline)
}

// End hangs up the call id. An empty id ends whatever call is active.
func (m *Manager) End(id string) error {
	return m.hangup(id, jingle.ReasonSuccess)
}

func (m *Manager) hangup(id, reason string) error {
	m.mu.Lock()
	s := m.active
	if s == nil || (id != "" && s.ID != id) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoCall, id)
	}
	snap := m.endLocked(reason)
	m.mu.Unlock()

	m.finish(snap)
	m.signal(snap.Remote, jingle.Jingle{Action: jingle.ActionTerminate, SID: snap.ID, Reason: reason})
	return nil
}

// Abort ends the active call without signaling, as when the stream is lost.
func (m *Manager) Abort(reason string) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return
	}
	snap := m.endLocked(reason)
	m.mu.Unlock()
	m.finish(snap)
}

// ToggleMute flips the local mute flag of the active call.
func (m *Manager) ToggleMute() (bool, error) {
	return m.toggle(func(s *Session) bool {
		s.Muted = !s.Muted
		return s.Muted
	})
}

// ToggleSpeaker flips the local speaker flag of the active call.
func (m *Manager) ToggleSpeaker() (bool, error) {
	return m.toggle(func(s *Session) bool {
		s.Speaker = !s.Speaker
		return s.Speaker
	})
}

func (m *Manager) toggle(flip func(*Session) bool) (bool, error) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return false, ErrNoCall
	}
	v := flip(m.active)
	snap := *m.active
	m.mu.Unlock()

	m.feed.Publish(snap)
	return v, nil
}

// Handle processes an inbound jingle iq and reports whether it was one.
// Every well-formed request is acknowledged, including ignored ones.
func (m *Manager) Handle(st *xmpp.Stanza) bool {
	if st.Kind() != xmpp.KindIQ || st.Type != xmpp.IQSet || st.Child(xmpp.NSJingle, "jingle") == nil {
		return false
	}
	ctx := m.session()

	j, ok := jingle.Parse(st)
	if !ok {
		m.reply(ctx, st.ErrorReply("modify", "bad-request"))
		return true
	}
	m.reply(ctx, st.Result())

	from := st.FromJID()
	switch j.Action {
	case jingle.ActionInitiate:
		m.incoming(from, j)
	case jingle.ActionAccept:
		m.accepted(from, j)
	case jingle.ActionTerminate:
		m.terminated(j)
	default:
		m.logger.Debug("ignoring jingle action", zap.String("action", j.Action), zap.String("call_id", j.SID))
	}
	return true
}

func (m *Manager) incoming(from jid.JID, j jingle.Jingle) {
	m.mu.Lock()
	if from.Bare().Equal(m.own.Bare()) {
		m.mu.Unlock()
		m.logger.Debug("ignoring own call offer", zap.String("call_id", j.SID))
		return
	}
	if m.active != nil {
		busy := m.active.ID
		m.mu.Unlock()
		if busy == j.SID {
			return
		}
		m.logger.Info("rejecting call while busy", zap.String("call_id", j.SID), zap.String("active", busy))
		m.signal(from, jingle.Jingle{Action: jingle.ActionTerminate, SID: j.SID, Reason: jingle.ReasonBusy})
		return
	}
	s := &Session{
		ID:        j.SID,
		Peer:      from.Bare(),
		Remote:    from,
		Role:      RoleCallee,
		Media:     j.Media,
		State:     StateRinging,
		RemoteSDP: j.SDP,
	}
	m.active = s
	snap := *s
	m.mu.Unlock()

	m.logger.Info("incoming call", zap.String("call_id", j.SID), zap.String("from", from.String()))
	m.alerter.StartRinging(snap)
	title := "Incoming call"
	if snap.Media == jingle.MediaVideo {
		title = "Incoming video call"
	}
	m.notifier.Notify(notify.Notification{
		Kind:         notify.KindCall,
		Title:        title,
		Body:         snap.Peer.String(),
		Conversation: snap.Peer.String(),
	})
	m.feed.Publish(snap)
}

func (m *Manager) accepted(from jid.JID, j jingle.Jingle) {
	m.mu.Lock()
	s := m.active
	if s == nil || s.ID != j.SID || s.State != StateCalling {
		m.mu.Unlock()
		m.logger.Debug("ignoring accept for unknown call", zap.String("call_id", j.SID))
		return
	}
	s.State = StateConnected
	s.ConnectedAt = m.now()
	s.RemoteSDP = j.SDP
	if from.Resourcepart() != "" {
		s.Remote = from
	}
	snap := *s
	m.mu.Unlock()

	m.logger.Info("call connected", zap.String("call_id", j.SID))
	m.feed.Publish(snap)
}

func (m *Manager) terminated(j jingle.Jingle) {
	m.mu.Lock()
	if m.active == nil || m.active.ID != j.SID {
		m.mu.Unlock()
		m.logger.Debug("ignoring terminate for unknown call", zap.String("call_id", j.SID))
		return
	}
	snap := m.endLocked(j.Reason)
	m.mu.Unlock()
	m.finish(snap)
}

// failed ends call id after the peer or server refused its signaling.
func (m *Manager) failed(id string, err error) {
	m.mu.Lock()
	if m.active == nil || m.active.ID != id {
		m.mu.Unlock()
		return
	}
	snap := m.endLocked(jingle.ReasonFailed)
	m.mu.Unlock()

	m.logger.Warn("call signaling rejected", zap.String("call_id", id), zap.Error(err))
	m.finish(snap)
}

func (m *Manager) endLocked(reason string) Session {
	s := m.active
	m.active = nil
	s.State = StateEnded
	s.Reason = reason
	s.Duration = s.Elapsed(m.now())
	return *s
}

func (m *Manager) finish(snap Session) {
	m.alerter.StopRinging()
	metrics.RecordCallEnded(snap.Reason)
	m.logger.Info("call ended",
		zap.String("call_id", snap.ID),
		zap.String("reason", snap.Reason),
		zap.Duration("duration", snap.Duration))
	m.feed.Publish(snap)
}

// signal sends j without blocking the caller. An error reply ends the
// matching call; a timeout leaves it alone since the peer may have seen it.
func (m *Manager) signal(to jid.JID, j jingle.Jingle) {
	ctx := m.session()
	req := jingle.NewIQ(to.String(), j)
	go func() {
		reply, err := m.tr.SendAndWait(ctx, req, m.timeout)
		if err != nil {
			m.logger.Debug("call signaling unanswered",
				zap.String("call_id", j.SID), zap.String("action", j.Action), zap.Error(err))
			return
		}
		if err := reply.Err(); err != nil {
			m.failed(j.SID, err)
		}
	}()
}

func (m *Manager) reply(ctx context.Context, st *xmpp.Stanza) {
	if err := m.tr.Send(ctx, st); err != nil {
		m.logger.Debug("failed to acknowledge jingle request", zap.Error(err))
	}
}

func (m *Manager) session() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}
