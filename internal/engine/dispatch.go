package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/disco"
	"github.com/meszmate/orekh/internal/xmpp/presence"
	"github.com/meszmate/orekh/internal/xmpp/roster"
)

// features are advertised in answer to disco#info queries.
var features = []disco.Feature{
	disco.FeatureDisco,
	disco.FeatureChatStates,
	disco.FeatureReceipts,
	disco.FeatureChatMarkers,
	disco.FeatureJingle,
	xmpp.NSJingleRTP,
	disco.FeaturePing,
}

// dispatch routes one inbound stanza. Replies to pending requests are
// consumed first and archive results next, so neither reaches the live
// handlers.
func (e *Engine) dispatch(ctx context.Context, st *xmpp.Stanza) {
	if e.corr.Resolve(st) {
		return
	}
	switch st.Kind() {
	case xmpp.KindMessage:
		if e.syncer.HandleResult(st) {
			return
		}
		e.handleMessage(ctx, st)
	case xmpp.KindPresence:
		e.handlePresence(ctx, st)
	case xmpp.KindIQ:
		e.handleIQ(ctx, st)
	}
}

func (e *Engine) handleIQ(ctx context.Context, st *xmpp.Stanza) {
	if !st.IsRequest() {
		e.logger.Debug("dropping unmatched iq reply", zap.String("id", st.ID), zap.String("type", st.Type))
		return
	}

	switch {
	case roster.IsPush(st):
		e.handleRosterPush(ctx, st)
	case e.calls.Handle(st):
	case st.Type == xmpp.IQGet && st.Child(xmpp.NSPing, "ping") != nil:
		e.reply(ctx, st.Result())
	case st.Type == xmpp.IQGet && st.Child(xmpp.NSDiscoInfo, "query") != nil:
		e.reply(ctx, st.Result(discoInfo()))
	default:
		e.reply(ctx, st.ErrorReply("cancel", "service-unavailable"))
	}
}

func discoInfo() xmpp.Element {
	q := xmpp.NewElement(xmpp.NSDiscoInfo, "query").WithChild(
		xmpp.NewElement("", "identity").
			WithAttr("category", "client").
			WithAttr("type", "pc").
			WithAttr("name", "orekh"),
	)
	for _, f := range features {
		q = q.WithChild(xmpp.NewElement("", "feature").WithAttr("var", string(f)))
	}
	return q
}

// handleRosterPush applies a server roster push and schedules a full
// re-fetch. Pushes from anyone but the account's own server are refused.
func (e *Engine) handleRosterPush(ctx context.Context, st *xmpp.Stanza) {
	own := e.LocalAddr()
	if st.From != "" && !st.FromJID().Equal(own.Bare()) && st.From != own.Domain().String() {
		e.logger.Warn("rejecting roster push from foreign address", zap.String("from", st.From))
		e.reply(ctx, st.ErrorReply("cancel", "not-allowed"))
		return
	}
	e.reply(ctx, st.Result())

	if e.roster.Apply(roster.ParseItems(st)...) {
		e.rosterChanged(ctx)
	}
	e.refreshRoster(ctx)
}

func (e *Engine) handlePresence(ctx context.Context, st *xmpp.Stanza) {
	from := st.FromJID()
	if from.String() == "" {
		return
	}
	own := e.LocalAddr()

	switch st.Type {
	case presence.TypeSubscribe:
		e.handleSubscribe(ctx, st)
	case presence.TypeSubscribed, presence.TypeUnsubscribe, presence.TypeUnsubscribed:
		// The server follows these with a roster push.
		e.logger.Debug("subscription change", zap.String("from", from.Bare().String()), zap.String("type", st.Type))
	case presence.TypeAvailable, presence.TypeUnavailable:
		if from.Bare().Equal(own.Bare()) {
			return
		}
		if entry, changed := e.presence.Update(st); changed {
			if !entry.Online && e.presence.SetTyping(from, false) {
				e.typingFeed.Publish(TypingEvent{JID: from.Bare(), Typing: false})
			}
			e.presenceFeed.Publish(entry)
		}
	case presence.TypeError:
		e.logger.Debug("presence error", zap.String("from", from.String()), zap.Error(st.Err()))
	}
}

// handleSubscribe answers a subscription request according to the
// auto-subscribe-back policy.
func (e *Engine) handleSubscribe(ctx context.Context, st *xmpp.Stanza) {
	from := st.FromJID().Bare()
	logger := e.logger.With(zap.String("from", from.String()))

	if !e.cfg.AutoSubscribeBack {
		logger.Info("subscription request awaiting approval")
		e.subFeed.Publish(SubscriptionRequest{From: from})
		return
	}

	logger.Info("approving subscription request")
	if err := e.send(ctx, presence.NewSubscription(presence.TypeSubscribed, from)); err != nil {
		logger.Warn("failed to approve subscription", zap.Error(err))
		return
	}
	c, ok := e.roster.Get(from)
	if !ok || (c.Subscription != roster.SubscriptionTo && c.Subscription != roster.SubscriptionBoth && c.Ask == "") {
		if err := e.send(ctx, presence.NewSubscription(presence.TypeSubscribe, from)); err != nil {
			logger.Warn("failed to subscribe back", zap.Error(err))
		}
	}
	e.subFeed.Publish(SubscriptionRequest{From: from, Approved: true})
}

func (e *Engine) reply(ctx context.Context, st *xmpp.Stanza) {
	if err := e.send(ctx, st); err != nil {
		e.logger.Debug("failed to send reply", zap.String("id", st.ID), zap.Error(err))
	}
}
