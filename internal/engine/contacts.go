package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/presence"
	"github.com/meszmate/orekh/internal/xmpp/roster"
)

// rosterKey is the store key of the roster snapshot.
const rosterKey = "roster"

// FetchRoster requests the roster and merges it into the local copy. When
// the server does not answer in time, or the engine is offline, an empty
// list is returned and the local copy is left alone.
func (e *Engine) FetchRoster(ctx context.Context) []roster.Contact {
	reply, err := e.corr.SendAndWait(ctx, roster.NewQuery(), e.cfg.RosterTimeout)
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		e.logger.Warn("roster fetch failed", zap.Error(err))
		return []roster.Contact{}
	}

	if e.roster.Apply(roster.ParseItems(reply)...) {
		e.saveRoster(ctx, e.roster.All())
	}
	contacts := e.roster.All()
	e.rosterFeed.Publish(contacts)
	return contacts
}

// refreshRoster re-fetches the roster off the dispatch goroutine. Requests
// made while one is in flight share it.
func (e *Engine) refreshRoster(ctx context.Context) {
	go e.refresh.Do(rosterKey, func() (any, error) {
		return e.FetchRoster(ctx), nil
	})
}

// Roster returns the local roster.
func (e *Engine) Roster() []roster.Contact {
	return e.roster.All()
}

// Presence returns what is known about a contact's reachability.
func (e *Engine) Presence(j jid.JID) presence.Entry {
	return e.presence.Get(j)
}

// IsTyping reports whether a contact is composing.
func (e *Engine) IsTyping(j jid.JID) bool {
	return e.presence.IsTyping(j)
}

// SetPresence broadcasts the account's availability.
func (e *Engine) SetPresence(ctx context.Context, show presence.Show, status string) error {
	return e.send(ctx, presence.NewAvailable(show, status))
}

// AddContact adds or renames a roster entry and asks to see its presence.
func (e *Engine) AddContact(ctx context.Context, j jid.JID, name string, groups []string) error {
	c := roster.Contact{JID: j.Bare(), Name: name, Groups: groups}
	if err := e.rosterSet(ctx, roster.NewSet(c)); err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return e.Subscribe(ctx, j)
}

// RemoveContact removes a roster entry, which also cancels subscriptions.
func (e *Engine) RemoveContact(ctx context.Context, j jid.JID) error {
	if err := e.rosterSet(ctx, roster.NewRemove(j)); err != nil {
		return fmt.Errorf("remove contact: %w", err)
	}
	return nil
}

// Subscribe asks to see j's presence.
func (e *Engine) Subscribe(ctx context.Context, j jid.JID) error {
	return e.send(ctx, presence.NewSubscription(presence.TypeSubscribe, j))
}

// ApproveSubscription lets j see the account's presence.
func (e *Engine) ApproveSubscription(ctx context.Context, j jid.JID) error {
	return e.send(ctx, presence.NewSubscription(presence.TypeSubscribed, j))
}

// DenySubscription refuses or revokes j's subscription.
func (e *Engine) DenySubscription(ctx context.Context, j jid.JID) error {
	return e.send(ctx, presence.NewSubscription(presence.TypeUnsubscribed, j))
}

func (e *Engine) rosterSet(ctx context.Context, req *xmpp.Stanza) error {
	reply, err := e.corr.SendAndWait(ctx, req, e.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	return reply.Err()
}

func (e *Engine) rosterChanged(ctx context.Context) {
	contacts := e.roster.All()
	e.saveRoster(ctx, contacts)
	e.rosterFeed.Publish(contacts)
}

// loadRoster restores the last roster snapshot so it is available before
// the first fetch.
func (e *Engine) loadRoster(ctx context.Context) {
	raw, err := e.store.Get(ctx, rosterKey)
	if err != nil {
		e.logger.Warn("failed to load roster snapshot", zap.Error(err))
		return
	}
	if raw == nil {
		return
	}
	contacts, err := roster.UnmarshalSnapshot(raw)
	if err != nil {
		e.logger.Warn("corrupt roster snapshot", zap.Error(err))
		return
	}
	e.roster.Apply(contacts...)
}

func (e *Engine) saveRoster(ctx context.Context, contacts []roster.Contact) {
	raw, err := roster.MarshalSnapshot(contacts)
	if err == nil {
		err = e.store.Set(ctx, rosterKey, raw)
	}
	if err != nil {
		e.logger.Warn("failed to persist roster snapshot", zap.Error(err))
	}
}
