package ui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/call"
	"github.com/meszmate/orekh/internal/engine"
	"github.com/meszmate/orekh/internal/xmpp/chat"
	"github.com/meszmate/orekh/internal/xmpp/jingle"
	"github.com/meszmate/orekh/internal/xmpp/presence"
	"github.com/meszmate/orekh/internal/xmpp/roster"
	"github.com/meszmate/orekh/internal/xmpp/upload"
)

// Client is the part of the engine the interface drives.
type Client interface {
	State() engine.ConnState
	LocalAddr() jid.JID

	Roster() []roster.Contact
	Presence(j jid.JID) presence.Entry
	IsTyping(j jid.JID) bool
	SetPresence(ctx context.Context, show presence.Show, status string) error
	AddContact(ctx context.Context, j jid.JID, name string, groups []string) error
	RemoveContact(ctx context.Context, j jid.JID) error
	ApproveSubscription(ctx context.Context, j jid.JID) error
	DenySubscription(ctx context.Context, j jid.JID) error

	Messages(ctx context.Context, conv jid.JID) []chat.Message
	Unread(ctx context.Context, conv jid.JID) int
	SendMessage(ctx context.Context, to jid.JID, body string) (chat.Message, error)
	SendTyping(ctx context.Context, to jid.JID, typing bool) error
	MarkRead(ctx context.Context, conv jid.JID) error
	SyncHistory(ctx context.Context, conv jid.JID) []chat.Message

	StartCall(peer jid.JID, media jingle.Media, offer *webrtc.SessionDescription) (call.Session, error)
	AcceptCall(id string, answer *webrtc.SessionDescription) (call.Session, error)
	RejectCall(id string) error
	EndCall(id string) error
	ToggleMute() (bool, error)
	ToggleSpeaker() (bool, error)

	UploadFile(ctx context.Context, path string) *upload.Result
}

// Feeds is the engine's subscription surface.
type Feeds interface {
	OnConnection(h func(engine.ConnectionStatus)) func()
	OnRoster(h func([]roster.Contact)) func()
	OnPresence(h func(presence.Entry)) func()
	OnTyping(h func(engine.TypingEvent)) func()
	OnMessage(h func(chat.Message)) func()
	OnUnread(h func(engine.UnreadEvent)) func()
	OnCall(h func(call.Session)) func()
	OnUpload(h func(engine.UploadProgress)) func()
	OnSubscriptionRequest(h func(engine.SubscriptionRequest)) func()
}

// Messages delivered to the model from the engine.
type (
	ConnectionMsg   engine.ConnectionStatus
	RosterMsg       []roster.Contact
	PresenceMsg     presence.Entry
	TypingMsg       engine.TypingEvent
	ChatMsg         chat.Message
	UnreadMsg       engine.UnreadEvent
	CallMsg         call.Session
	UploadMsg       engine.UploadProgress
	SubscriptionMsg engine.SubscriptionRequest
)

// Bridge forwards every engine event to send, which is usually
// (*tea.Program).Send. The returned function unsubscribes.
func Bridge(f Feeds, send func(tea.Msg)) func() {
	stops := []func(){
		f.OnConnection(func(s engine.ConnectionStatus) { send(ConnectionMsg(s)) }),
		f.OnRoster(func(c []roster.Contact) { send(RosterMsg(c)) }),
		f.OnPresence(func(e presence.Entry) { send(PresenceMsg(e)) }),
		f.OnTyping(func(e engine.TypingEvent) { send(TypingMsg(e)) }),
		f.OnMessage(func(m chat.Message) { send(ChatMsg(m)) }),
		f.OnUnread(func(e engine.UnreadEvent) { send(UnreadMsg(e)) }),
		f.OnCall(func(s call.Session) { send(CallMsg(s)) }),
		f.OnUpload(func(p engine.UploadProgress) { send(UploadMsg(p)) }),
		f.OnSubscriptionRequest(func(r engine.SubscriptionRequest) { send(SubscriptionMsg(r)) }),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

var (
	_ Client = (*engine.Engine)(nil)
	_ Feeds  = (*engine.Engine)(nil)
)
