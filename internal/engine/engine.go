// Package engine is the client session: it owns the stream to the server,
// dispatches inbound stanzas one at a time and exposes the messaging, roster,
// call and upload operations together with their change feeds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/call"
	"github.com/meszmate/orekh/internal/correlator"
	"github.com/meszmate/orekh/internal/events"
	"github.com/meszmate/orekh/internal/notify"
	"github.com/meszmate/orekh/internal/reconnect"
	"github.com/meszmate/orekh/internal/storage"
	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/chat"
	"github.com/meszmate/orekh/internal/xmpp/jingle"
	"github.com/meszmate/orekh/internal/xmpp/mam"
	"github.com/meszmate/orekh/internal/xmpp/presence"
	"github.com/meszmate/orekh/internal/xmpp/roster"
	"github.com/meszmate/orekh/internal/xmpp/upload"
)

var (
	// ErrNotConnected is returned by operations that need a live stream.
	ErrNotConnected = errors.New("engine: not connected")
	// ErrReconnectExhausted is published when reconnecting gave up.
	ErrReconnectExhausted = reconnect.ErrExhausted
	// ErrConnectCanceled is returned by a connect overtaken by Disconnect
	// or a newer Connect while it was in flight.
	ErrConnectCanceled = errors.New("engine: connect canceled")
)

// Config tunes the engine. Zero durations and sizes get the defaults of
// DefaultConfig.
type Config struct {
	// ResourcePrefix is combined with a random suffix to form the resource
	// requested at bind time.
	ResourcePrefix string

	RequestTimeout    time.Duration
	RosterTimeout     time.Duration
	HistoryTimeout    time.Duration
	UploadSlotTimeout time.Duration
	DiscoProbeTimeout time.Duration
	HTTPUploadTimeout time.Duration

	Reconnect reconnect.Config

	PageSize     int
	CacheLimit   int
	SyncCooldown time.Duration

	// AutoSubscribeBack approves and reciprocates incoming subscription
	// requests.
	AutoSubscribeBack bool
	// UploadService is the upload address probed first. Empty means
	// upload.<account domain>.
	UploadService string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ResourcePrefix:    "orekh",
		RequestTimeout:    10 * time.Second,
		RosterTimeout:     10 * time.Second,
		HistoryTimeout:    15 * time.Second,
		UploadSlotTimeout: 30 * time.Second,
		DiscoProbeTimeout: 5 * time.Second,
		HTTPUploadTimeout: 5 * time.Minute,
		Reconnect: reconnect.Config{
			BaseDelay:   2 * time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 10,
		},
		PageSize:          50,
		CacheLimit:        chat.DefaultLimit,
		SyncCooldown:      30 * time.Second,
		AutoSubscribeBack: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ResourcePrefix == "" {
		c.ResourcePrefix = d.ResourcePrefix
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RosterTimeout <= 0 {
		c.RosterTimeout = d.RosterTimeout
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = d.HistoryTimeout
	}
	if c.UploadSlotTimeout <= 0 {
		c.UploadSlotTimeout = d.UploadSlotTimeout
	}
	if c.DiscoProbeTimeout <= 0 {
		c.DiscoProbeTimeout = d.DiscoProbeTimeout
	}
	if c.HTTPUploadTimeout <= 0 {
		c.HTTPUploadTimeout = d.HTTPUploadTimeout
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = d.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.CacheLimit <= 0 {
		c.CacheLimit = d.CacheLimit
	}
	if c.SyncCooldown < 0 {
		c.SyncCooldown = 0
	}
	return c
}

// Deps are the engine's external collaborators. Transport and Store are
// required.
type Deps struct {
	Transport  xmpp.Transport
	Store      storage.Store
	Notifier   notify.Notifier
	Alerter    call.Alerter
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Scheduler replaces the reconnect timer, for tests.
	Scheduler reconnect.Scheduler
}

// Engine is one account's client session.
type Engine struct {
	cfg       Config
	transport xmpp.Transport
	store     storage.Store
	notifier  notify.Notifier
	http      *http.Client
	logger    *zap.Logger
	now       func() time.Time

	corr     *correlator.Correlator
	cache    *chat.Cache
	roster   *roster.Manager
	presence *presence.Manager
	syncer   *mam.Syncer
	calls    *call.Manager
	sup      *reconnect.Supervisor
	state    *machine

	connFeed     events.Feed[ConnectionStatus]
	rosterFeed   events.Feed[[]roster.Contact]
	presenceFeed events.Feed[presence.Entry]
	typingFeed   events.Feed[TypingEvent]
	messageFeed  events.Feed[chat.Message]
	unreadFeed   events.Feed[UnreadEvent]
	readFeed     events.Feed[ReadStatusEvent]
	uploadFeed   events.Feed[UploadProgress]
	subFeed      events.Feed[SubscriptionRequest]

	// refresh collapses concurrent roster re-fetches.
	refresh singleflight.Group

	// dialMu serializes connection attempts.
	dialMu sync.Mutex

	mu       sync.Mutex
	account  jid.JID
	password string
	stream   xmpp.Stream
	local    jid.JID
	sessCtx  context.Context
	cancel   context.CancelFunc
	// gen identifies the current stream; a loop whose generation is stale
	// exits without touching engine state.
	gen      uint64
	uploader *upload.Negotiator

	// epoch changes on every Connect and Disconnect. A dial started under
	// an older epoch must not attach.
	epoch      uint64
	wantOnline bool
	dialCancel context.CancelFunc
}

// TypingEvent reports a contact's composing state.
type TypingEvent struct {
	JID    jid.JID
	Typing bool
}

// UnreadEvent reports a conversation's unread count.
type UnreadEvent struct {
	Conversation string
	Count        int
}

// ReadStatusEvent reports a delivery status change of one message.
type ReadStatusEvent struct {
	Conversation string
	ID           string
	Status       chat.Status
}

// UploadProgress reports transfer progress of one upload.
type UploadProgress struct {
	Filename string
	Percent  int
}

// SubscriptionRequest reports a contact asking to see the account's
// presence. Approved is set when it was approved automatically.
type SubscriptionRequest struct {
	From     jid.JID
	Approved bool
}

// New creates an engine. Nothing is sent until Connect.
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: cfg.HTTPUploadTimeout}
	}

	e := &Engine{
		cfg:       cfg,
		transport: deps.Transport,
		store:     deps.Store,
		notifier:  deps.Notifier,
		http:      deps.HTTPClient,
		logger:    logger,
		now:       time.Now,
		roster:    roster.NewManager(),
		presence:  presence.NewManager(),
		sessCtx:   context.Background(),
	}
	e.state = newMachine(&e.connFeed)
	e.corr = correlator.New(correlator.SenderFunc(e.send), logger.Named("correlator"), cfg.RequestTimeout)
	e.cache = chat.NewCache(deps.Store, logger.Named("cache"), cfg.CacheLimit)
	e.syncer = mam.NewSyncer(e.corr, e.cache, logger.Named("mam"), mam.SyncConfig{
		PageSize: cfg.PageSize,
		Cooldown: cfg.SyncCooldown,
		Timeout:  cfg.HistoryTimeout,
	})
	e.calls = call.NewManager(link{e}, e.presence, call.Config{
		Timeout:  cfg.RequestTimeout,
		Alerter:  deps.Alerter,
		Notifier: deps.Notifier,
		Logger:   logger.Named("call"),
	})

	opts := []reconnect.Option{reconnect.OnGiveUp(e.gaveUp)}
	if deps.Scheduler != nil {
		opts = append(opts, reconnect.WithScheduler(deps.Scheduler))
	}
	e.sup = reconnect.New(cfg.Reconnect, e.redial, logger.Named("reconnect"), opts...)

	e.loadRoster(context.Background())
	return e
}

// State returns the connection state.
func (e *Engine) State() ConnState {
	return e.state.Current()
}

// LocalAddr returns the bound full address of the current session.
func (e *Engine) LocalAddr() jid.JID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Connect authenticates account and starts a session. A manual connect
// resets the reconnect backoff and replaces any existing session.
func (e *Engine) Connect(ctx context.Context, account jid.JID, password string) error {
	if account.Localpart() == "" {
		return fmt.Errorf("invalid account address %q", account.String())
	}
	e.sup.Reset()

	e.mu.Lock()
	if !e.account.Equal(account.Bare()) {
		e.uploader = nil
	}
	e.account = account.Bare()
	e.password = password
	e.epoch++
	e.wantOnline = true
	epoch := e.epoch
	e.mu.Unlock()

	return e.dial(ctx, epoch, 0)
}

// Disconnect ends the session and cancels any pending reconnect.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.sup.Stop()
	e.mu.Lock()
	e.epoch++
	e.wantOnline = false
	cancelDial := e.dialCancel
	e.mu.Unlock()
	if cancelDial != nil {
		cancelDial()
	}

	closed := e.teardown(nil)
	if !closed {
		// A dial in flight sees the new epoch and discards its stream.
		switch e.state.Current() {
		case Failed, Connecting:
			_ = e.state.Transition(Disconnected, nil, 0)
		}
	}
	return nil
}

// Close disconnects and releases the store.
func (e *Engine) Close() error {
	_ = e.Disconnect(context.Background())
	return e.store.Close()
}

// current reports whether epoch is still the latest Connect or Disconnect.
func (e *Engine) current(epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch == epoch
}

func (e *Engine) dial(ctx context.Context, epoch uint64, attempt int) error {
	e.dialMu.Lock()
	defer e.dialMu.Unlock()
	if !e.current(epoch) {
		return ErrConnectCanceled
	}
	e.teardown(nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Every stream binds a fresh resource so a stale session on the
	// server never conflicts with the new one.
	resource := e.cfg.ResourcePrefix + "-" + uuid.NewString()[:8]
	e.mu.Lock()
	account, password := e.account, e.password
	e.dialCancel = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.dialCancel = nil
		e.mu.Unlock()
	}()

	addr, err := account.WithResource(resource)
	if err != nil {
		return fmt.Errorf("invalid resource %q: %w", resource, err)
	}
	if err := e.state.Transition(Connecting, nil, attempt); err != nil {
		return err
	}

	logger := e.logger.With(zap.String("account", account.String()), zap.Int("attempt", attempt))
	logger.Info("connecting")

	stream, err := e.transport.Connect(ctx, addr, password)
	if !e.current(epoch) {
		if stream != nil {
			_ = stream.Close()
		}
		logger.Info("connect overtaken, discarding stream")
		_ = e.state.Transition(Disconnected, nil, attempt)
		return ErrConnectCanceled
	}
	if err != nil {
		if errors.Is(err, xmpp.ErrAuth) {
			logger.Error("authentication failed", zap.Error(err))
			e.sup.Stop()
			_ = e.state.Transition(Failed, err, attempt)
			return err
		}
		logger.Warn("connect failed", zap.Error(err))
		_ = e.state.Transition(Disconnected, err, attempt)
		return fmt.Errorf("connect: %w", err)
	}

	e.attach(stream)
	return nil
}

// redial is run by the supervisor when a reconnect attempt is due.
func (e *Engine) redial() {
	e.mu.Lock()
	epoch, want := e.epoch, e.wantOnline
	e.mu.Unlock()
	if !want {
		return
	}

	attempt := e.sup.Attempts()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout*3)
	defer cancel()

	err := e.dial(ctx, epoch, attempt)
	if err != nil && !errors.Is(err, xmpp.ErrAuth) && !errors.Is(err, ErrConnectCanceled) {
		e.sup.Lost()
	}
}

func (e *Engine) gaveUp(err error) {
	e.logger.Error("reconnecting gave up", zap.Error(err))
	if e.state.Current() == Connecting {
		_ = e.state.Transition(Disconnected, err, 0)
	}
	_ = e.state.Transition(Failed, err, 0)
}

func (e *Engine) attach(stream xmpp.Stream) {
	ctx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.gen++
	gen := e.gen
	e.stream = stream
	e.local = stream.LocalAddr()
	e.sessCtx = ctx
	e.cancel = cancel
	local := e.local
	if e.uploader == nil {
		e.uploader = e.newUploader(local)
	}
	uploader := e.uploader
	e.mu.Unlock()

	e.corr.Bind(local)
	e.calls.Bind(ctx, local)
	uploader.Reset()
	e.syncer.Reset()
	e.sup.Online()

	e.logger.Info("online", zap.String("jid", local.String()))
	_ = e.state.Transition(Online, nil, 0)

	go e.loop(ctx, gen, stream)
	go e.startSession(ctx)
}

func (e *Engine) newUploader(local jid.JID) *upload.Negotiator {
	domain := local.Domain()
	service, err := jid.Parse("upload." + domain.String())
	if e.cfg.UploadService != "" {
		service, err = jid.Parse(e.cfg.UploadService)
	}
	if err != nil {
		e.logger.Warn("invalid upload service", zap.String("service", e.cfg.UploadService), zap.Error(err))
		service = jid.JID{}
	}
	return upload.NewNegotiator(e.corr, nil, e.http, e.logger.Named("upload"), upload.Config{
		Service:      service,
		Domain:       domain,
		ProbeTimeout: e.cfg.DiscoProbeTimeout,
		SlotTimeout:  e.cfg.UploadSlotTimeout,
		HTTPTimeout:  e.cfg.HTTPUploadTimeout,
	})
}

// startSession announces presence, loads the roster and enables carbons.
func (e *Engine) startSession(ctx context.Context) {
	if err := e.send(ctx, presence.NewAvailable(presence.ShowOnline, "")); err != nil {
		e.logger.Warn("failed to send initial presence", zap.Error(err))
	}
	e.FetchRoster(ctx)

	reply, err := e.corr.SendAndWait(ctx, chat.EnableCarbons(), e.cfg.RequestTimeout)
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		e.logger.Debug("carbons unavailable", zap.Error(err))
	}
}

// loop is the single dispatcher of one stream.
func (e *Engine) loop(ctx context.Context, gen uint64, stream xmpp.Stream) {
	for ev := range stream.Events() {
		if ev.Stanza != nil {
			e.dispatch(ctx, ev.Stanza)
			continue
		}
		switch ev.State {
		case xmpp.StateOffline, xmpp.StateError:
			e.lost(gen, ev.Err)
			return
		}
	}
	e.lost(gen, nil)
}

// lost handles the stream of generation gen going away on its own.
func (e *Engine) lost(gen uint64, cause error) {
	if cause == nil {
		cause = errors.New("stream closed by server")
	}
	if e.drop(gen, cause) {
		e.logger.Warn("connection lost", zap.Error(cause))
		e.sup.Lost()
	}
}

// teardown drops the current session. It reports whether there was one.
func (e *Engine) teardown(cause error) bool {
	return e.drop(0, cause)
}

// drop ends the session of generation gen, or whichever is current when gen
// is zero. Pending requests fail, an active call is aborted and presence is
// forgotten.
func (e *Engine) drop(gen uint64, cause error) bool {
	e.mu.Lock()
	if e.stream == nil || (gen != 0 && gen != e.gen) {
		e.mu.Unlock()
		return false
	}
	stream, cancel := e.stream, e.cancel
	e.stream = nil
	e.cancel = nil
	e.gen++
	e.mu.Unlock()

	cancel()
	e.corr.FailAll(correlator.ErrDisconnected)
	e.calls.Abort(jingle.ReasonGone)
	e.presence.Clear()
	_ = stream.Close()
	_ = e.state.Transition(Disconnected, cause, 0)
	return true
}

// send writes one stanza to the current stream.
func (e *Engine) send(ctx context.Context, st *xmpp.Stanza) error {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}
	return stream.Send(ctx, st)
}

// session returns the current session's context and own address, or
// ErrNotConnected.
func (e *Engine) session() (context.Context, jid.JID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return nil, jid.JID{}, ErrNotConnected
	}
	return e.sessCtx, e.local, nil
}

// bound derives a context that is also cancelled when the session ends.
func bound(ctx, sess context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sess, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// link adapts the engine to the call manager's transport.
type link struct{ e *Engine }

func (l link) Send(ctx context.Context, st *xmpp.Stanza) error {
	return l.e.send(ctx, st)
}

func (l link) SendAndWait(ctx context.Context, req *xmpp.Stanza, timeout time.Duration) (*xmpp.Stanza, error) {
	return l.e.corr.SendAndWait(ctx, req, timeout)
}

// Subscriptions. Each returns a function that removes the handler.
// Handlers run on the dispatcher and must not block.

func (e *Engine) OnConnection(h func(ConnectionStatus)) func() { return e.connFeed.Subscribe(h) }
func (e *Engine) OnRoster(h func([]roster.Contact)) func()    { return e.rosterFeed.Subscribe(h) }
func (e *Engine) OnPresence(h func(presence.Entry)) func()    { return e.presenceFeed.Subscribe(h) }
func (e *Engine) OnTyping(h func(TypingEvent)) func()         { return e.typingFeed.Subscribe(h) }
func (e *Engine) OnMessage(h func(chat.Message)) func()       { return e.messageFeed.Subscribe(h) }
func (e *Engine) OnUnread(h func(UnreadEvent)) func()         { return e.unreadFeed.Subscribe(h) }
func (e *Engine) OnReadStatus(h func(ReadStatusEvent)) func() { return e.readFeed.Subscribe(h) }
func (e *Engine) OnCall(h func(call.Session)) func()          { return e.calls.Subscribe(h) }
func (e *Engine) OnUpload(h func(UploadProgress)) func()      { return e.uploadFeed.Subscribe(h) }

func (e *Engine) OnSubscriptionRequest(h func(SubscriptionRequest)) func() {
	return e.subFeed.Subscribe(h)
}
