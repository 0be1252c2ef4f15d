package mam

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/metrics"
	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/chat"
)

// Epsilon is added to the conversation's sync point to form the lower bound
// of an incremental query, so the boundary item is not fetched again.
// Messages sharing that timestamp at a finer resolution can be missed.
const Epsilon = time.Millisecond

const maxPages = 5

// Requester sends an iq and waits for its reply.
type Requester interface {
	SendAndWait(ctx context.Context, req *xmpp.Stanza, timeout time.Duration) (*xmpp.Stanza, error)
}

// SyncConfig tunes the syncer.
type SyncConfig struct {
	PageSize int
	Cooldown time.Duration
	Timeout  time.Duration
}

// SyncResult is the outcome of one Sync call.
type SyncResult struct {
	// Messages is the merged, time-sorted cache of the conversation.
	Messages []chat.Message
	// Added holds messages the sync inserted or updated.
	Added []chat.Message
	// Skipped is set when a sync was already running or the previous one
	// finished within the cooldown.
	Skipped bool
	// Stale is set when the sync failed and Messages is the pre-sync cache.
	Stale bool
}

// Syncer runs incremental history synchronization per conversation.
type Syncer struct {
	req    Requester
	cache  *chat.Cache
	logger *zap.Logger
	cfg    SyncConfig
	now    func() time.Time

	mu         sync.Mutex
	inflight   map[string]bool
	lastSync   map[string]time.Time
	collectors map[string]*collector
}

type collector struct {
	results []Result
}

// NewSyncer creates a syncer that merges into cache.
func NewSyncer(req Requester, cache *chat.Cache, logger *zap.Logger, cfg SyncConfig) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Syncer{
		req:        req,
		cache:      cache,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
		inflight:   make(map[string]bool),
		lastSync:   make(map[string]time.Time),
		collectors: make(map[string]*collector),
	}
}

// Sync fetches history for conv newer than the cache and merges it. own is
// the account's bare address, used to tell echoes from inbound messages.
// Failures are not errors: the pre-sync cache is returned instead.
func (s *Syncer) Sync(ctx context.Context, conv string, own jid.JID) SyncResult {
	s.mu.Lock()
	last, synced := s.lastSync[conv]
	if s.inflight[conv] || (synced && s.now().Sub(last) < s.cfg.Cooldown) {
		s.mu.Unlock()
		metrics.RecordHistorySync("skipped")
		return SyncResult{Messages: s.cache.Messages(ctx, conv), Skipped: true}
	}
	s.inflight[conv] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, conv)
		s.mu.Unlock()
	}()

	logger := s.logger.With(zap.String("conversation", conv))
	before := s.cache.Messages(ctx, conv)

	q := Query{With: conv, Max: s.cfg.PageSize}
	if since := s.cache.SyncPoint(ctx, conv); !since.IsZero() {
		q.Start = since.Add(Epsilon)
	} else {
		q.Latest = true
	}

	var results []Result
	for page := 0; page < maxPages; page++ {
		batch, fin, err := s.fetch(ctx, q)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			logger.Warn("history sync failed, using cache", zap.Error(err))
			metrics.RecordHistorySync("failed")
			return SyncResult{Messages: before, Stale: true}
		}
		results = append(results, batch...)
		// The first sync only wants the newest page.
		if fin.Complete || q.Latest || fin.Last == "" {
			break
		}
		q.After = fin.Last
	}

	msgs := make([]chat.Message, 0, len(results))
	// Items without a body still advance the watermark so the next query
	// starts past them.
	var newest time.Time
	for _, r := range results {
		if !belongs(r, conv, own) {
			continue
		}
		if r.Stamp.After(newest) {
			newest = r.Stamp
		}
		if m, ok := s.toMessage(r, own); ok {
			msgs = append(msgs, m)
		}
	}

	all, added := s.cache.Merge(ctx, conv, msgs...)
	if !newest.IsZero() {
		s.cache.SetWatermark(ctx, conv, newest)
	}

	s.mu.Lock()
	if now := s.now(); now.After(s.lastSync[conv]) {
		s.lastSync[conv] = now
	}
	s.mu.Unlock()

	logger.Debug("history synced", zap.Int("fetched", len(results)), zap.Int("added", len(added)))
	metrics.RecordHistorySync("ok")
	return SyncResult{Messages: all, Added: added}
}

func (s *Syncer) fetch(ctx context.Context, q Query) ([]Result, Fin, error) {
	q.QueryID = uuid.NewString()
	col := &collector{}

	s.mu.Lock()
	s.collectors[q.QueryID] = col
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.collectors, q.QueryID)
		s.mu.Unlock()
	}()

	reply, err := s.req.SendAndWait(ctx, NewQuery(q), s.cfg.Timeout)
	if err != nil {
		return nil, Fin{}, err
	}
	if err := reply.Err(); err != nil {
		return nil, Fin{}, err
	}

	s.mu.Lock()
	results := col.results
	s.mu.Unlock()
	return results, ParseFin(reply), nil
}

// HandleResult consumes an archived result message. Results for unknown or
// finished queries are dropped rather than treated as live messages.
func (s *Syncer) HandleResult(st *xmpp.Stanza) bool {
	r, ok := ParseResult(st)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collectors[r.QueryID]; ok {
		col.results = append(col.results, r)
	} else {
		s.logger.Debug("dropping archive result for unknown query", zap.String("queryid", r.QueryID))
	}
	return true
}

// Reset forgets cooldowns, as after a reconnect.
func (s *Syncer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = make(map[string]time.Time)
}

// belongs reports whether an archived item is part of the conversation
// with conv: sent by conv, or sent by the account to conv.
func belongs(r Result, conv string, own jid.JID) bool {
	st := r.Message
	if st == nil {
		return false
	}
	if st.FromJID().Bare().Equal(own.Bare()) {
		return st.ToJID().Bare().String() == conv
	}
	return st.FromJID().Bare().String() == conv
}

func (s *Syncer) toMessage(r Result, own jid.JID) (chat.Message, bool) {
	st := r.Message
	if st.Body() == "" {
		return chat.Message{}, false
	}

	m := chat.Message{
		ID:        st.ID,
		Body:      st.Body(),
		Timestamp: r.Stamp,
		Direction: chat.Inbound,
		Status:    chat.StatusDelivered,
	}
	if st.FromJID().Bare().Equal(own.Bare()) {
		m.Direction = chat.Outbound
		m.Status = chat.StatusSent
	}
	if m.ID == "" {
		m.ID = r.ArchiveID
	}
	if m.ID == "" {
		return chat.Message{}, false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	return m, true
}
