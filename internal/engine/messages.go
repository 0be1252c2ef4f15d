package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/metrics"
	"github.com/meszmate/orekh/internal/notify"
	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/chat"
)

// SendMessage files a new outbound message under to's conversation,
// publishes it and then transmits it. The message is cached as sent before
// transmission; a send error is returned but the message stays cached.
func (e *Engine) SendMessage(ctx context.Context, to jid.JID, body string) (chat.Message, error) {
	if _, _, err := e.session(); err != nil {
		return chat.Message{}, err
	}
	conv := to.Bare().String()
	if conv == "" {
		return chat.Message{}, fmt.Errorf("invalid recipient %q", to.String())
	}

	m := chat.Message{
		ID:        uuid.NewString(),
		Direction: chat.Outbound,
		Body:      body,
		Timestamp: e.now(),
		Status:    chat.StatusSent,
	}
	_, changed := e.cache.Merge(ctx, conv, m)
	for _, c := range changed {
		e.messageFeed.Publish(c)
	}
	if len(changed) > 0 {
		m = changed[len(changed)-1]
	}

	metrics.RecordMessage("outbound")
	if err := e.send(ctx, chat.NewMessage(conv, m.ID, body)); err != nil {
		e.logger.Warn("failed to send message", zap.String("conversation", conv), zap.String("id", m.ID), zap.Error(err))
		return m, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// Messages returns the cached history of a conversation, oldest first.
func (e *Engine) Messages(ctx context.Context, conv jid.JID) []chat.Message {
	return e.cache.Messages(ctx, conv.Bare().String())
}

// Unread returns the number of unread inbound messages of a conversation.
func (e *Engine) Unread(ctx context.Context, conv jid.JID) int {
	return e.cache.Unread(ctx, conv.Bare().String())
}

// SyncHistory fetches archived messages newer than the cache and returns
// the merged history. When offline, or when the archive does not answer in
// time, the cached history is returned unchanged.
func (e *Engine) SyncHistory(ctx context.Context, conv jid.JID) []chat.Message {
	key := conv.Bare().String()
	sess, own, err := e.session()
	if err != nil {
		return e.cache.Messages(ctx, key)
	}
	ctx, cancel := bound(ctx, sess)
	defer cancel()

	res := e.syncer.Sync(ctx, key, own.Bare())
	for _, m := range res.Added {
		e.messageFeed.Publish(m)
	}
	if len(res.Added) > 0 {
		e.publishUnread(ctx, key)
	}
	return res.Messages
}

// MarkRead moves the conversation's read cursor to its newest inbound
// message and tells the peer it was displayed.
func (e *Engine) MarkRead(ctx context.Context, conv jid.JID) error {
	key := conv.Bare().String()
	m, ok := e.cache.MarkRead(ctx, key)
	e.publishUnread(ctx, key)
	if !ok {
		return nil
	}
	// Offline reads stay local; the peer is not told.
	if _, _, err := e.session(); err != nil {
		return nil
	}
	if err := e.send(ctx, chat.NewDisplayed(key, m.ID)); err != nil {
		return fmt.Errorf("send displayed marker: %w", err)
	}
	return nil
}

// SendTyping notifies to that the account is or stopped composing.
func (e *Engine) SendTyping(ctx context.Context, to jid.JID, typing bool) error {
	state := chat.StatePaused
	if typing {
		state = chat.StateComposing
	}
	return e.send(ctx, chat.NewChatState(to.Bare().String(), state))
}

func (e *Engine) handleMessage(ctx context.Context, st *xmpp.Stanza) {
	if st.Type == "error" {
		e.logger.Debug("message error", zap.String("from", st.From), zap.String("id", st.ID), zap.Error(st.Err()))
		return
	}
	own := e.LocalAddr().Bare()
	from := st.FromJID()

	if inner, _, ok := chat.Carbon(st); ok {
		if st.From != "" && !from.Equal(own) {
			e.logger.Warn("dropping forged carbon", zap.String("from", st.From))
			return
		}
		e.handleChat(ctx, inner, own, true)
		return
	}
	e.handleChat(ctx, st, own, false)
}

// handleChat processes a chat message, either received directly or
// unwrapped from a carbon copy.
func (e *Engine) handleChat(ctx context.Context, st *xmpp.Stanza, own jid.JID, carbon bool) {
	from := st.FromJID()
	echo := from.Bare().Equal(own)

	conv := from.Bare().String()
	if echo {
		conv = st.ToJID().Bare().String()
	}
	if conv == "" {
		return
	}

	if id := chat.ReceiptID(st); id != "" && !echo {
		e.setStatus(ctx, conv, id, chat.StatusDelivered)
	}
	if id := chat.DisplayedID(st); id != "" {
		if echo {
			// Another device of the account read the conversation.
			if e.cache.SetLastRead(ctx, conv, id) {
				e.publishUnread(ctx, conv)
			}
		} else {
			for _, m := range e.cache.MarkPeerRead(ctx, conv, id) {
				e.messageFeed.Publish(m)
				e.readFeed.Publish(ReadStatusEvent{Conversation: conv, ID: m.ID, Status: m.Status})
			}
		}
	}
	if state, ok := chat.ChatStateOf(st); ok && !echo {
		if e.presence.SetTyping(from, state == chat.StateComposing) {
			e.typingFeed.Publish(TypingEvent{JID: from.Bare(), Typing: state == chat.StateComposing})
		}
	}

	body := st.Body()
	if body == "" {
		return
	}

	m := chat.Message{
		ID:        st.ID,
		Direction: chat.Inbound,
		Body:      body,
		Timestamp: e.now(),
		Status:    chat.StatusDelivered,
	}
	if echo {
		m.Direction = chat.Outbound
		m.Status = chat.StatusSent
	}
	if m.ID == "" {
		m.ID = chat.StanzaID(st, own.String())
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if stamp, ok := chat.DelayStamp(st.Children); ok {
		m.Timestamp = stamp
	}

	cached, known := e.cache.Get(ctx, conv, m.ID)
	if known {
		m.Timestamp = cached.Timestamp
	}
	_, changed := e.cache.Merge(ctx, conv, m)
	for _, c := range changed {
		e.messageFeed.Publish(c)
	}

	if m.Direction == chat.Inbound {
		if !carbon && chat.WantsReceipt(st) {
			e.reply(ctx, chat.NewReceipt(st.From, st.ID))
		}
		if !known {
			metrics.RecordMessage("inbound")
			e.publishUnread(ctx, conv)
			e.notifier.Notify(notify.Notification{
				Kind:         notify.KindMessage,
				Title:        e.displayName(from),
				Body:         body,
				Conversation: conv,
			})
		}
	}
}

func (e *Engine) setStatus(ctx context.Context, conv, id string, status chat.Status) {
	if m, ok := e.cache.Get(ctx, conv, id); !ok || m.Direction != chat.Outbound {
		return
	}
	m, changed := e.cache.SetStatus(ctx, conv, id, status)
	if !changed {
		return
	}
	e.messageFeed.Publish(m)
	e.readFeed.Publish(ReadStatusEvent{Conversation: conv, ID: id, Status: m.Status})
}

func (e *Engine) publishUnread(ctx context.Context, conv string) {
	e.unreadFeed.Publish(UnreadEvent{Conversation: conv, Count: e.cache.Unread(ctx, conv)})
}

func (e *Engine) displayName(j jid.JID) string {
	if c, ok := e.roster.Get(j); ok {
		return c.DisplayName()
	}
	return j.Bare().String()
}
