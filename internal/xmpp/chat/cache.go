package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/meszmate/orekh/internal/storage"
)

// DefaultLimit bounds the cached history of one conversation.
const DefaultLimit = 500

const cursorsKey = "read_markers"

// MessagesKey is the store key of a conversation's cached history.
func MessagesKey(conversation string) string {
	return "msgs_" + conversation
}

// Cursor tracks how far a conversation has been read and synchronized.
type Cursor struct {
	// LastReadID is the newest inbound message the account has seen.
	LastReadID string
	LastReadAt time.Time
	// PeerReadID is the newest outbound message the peer marked displayed.
	PeerReadID string
	// Watermark is the timestamp of the newest message known from the
	// server archive.
	Watermark time.Time
}

type messageRecord struct {
	ID        string `cbor:"1,keyasint"`
	Direction int    `cbor:"2,keyasint"`
	Body      string `cbor:"3,keyasint"`
	Timestamp int64  `cbor:"4,keyasint"`
	Status    int    `cbor:"5,keyasint"`
}

type cursorRecord struct {
	LastReadID string `cbor:"1,keyasint,omitempty"`
	LastReadAt int64  `cbor:"2,keyasint,omitempty"`
	PeerReadID string `cbor:"3,keyasint,omitempty"`
	Watermark  int64  `cbor:"4,keyasint,omitempty"`
}

// Cache is the offline-first message store: per-conversation bounded
// histories and read cursors, written through to a storage.Store. Store
// failures are logged and the cache carries on from memory.
type Cache struct {
	store  storage.Store
	logger *zap.Logger
	limit  int

	mu            sync.Mutex
	convs         map[string][]Message
	cursors       map[string]Cursor
	cursorsLoaded bool
}

// NewCache creates a cache over store. A limit <= 0 uses DefaultLimit.
func NewCache(store storage.Store, logger *zap.Logger, limit int) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Cache{
		store:   store,
		logger:  logger,
		limit:   limit,
		convs:   make(map[string][]Message),
		cursors: make(map[string]Cursor),
	}
}

// Messages returns a copy of the conversation's history, oldest first.
func (c *Cache) Messages(ctx context.Context, conv string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.load(ctx, conv))
}

// SyncPoint returns how far the conversation is known: the newer of the
// newest cached message and the archive watermark. It is zero for a
// conversation never seen.
func (c *Cache) SyncPoint(ctx context.Context, conv string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var at time.Time
	if msgs := c.load(ctx, conv); len(msgs) > 0 {
		at = msgs[len(msgs)-1].Timestamp
	}
	if w := c.cursor(ctx, conv).Watermark; w.After(at) {
		at = w
	}
	return at
}

// Get returns one cached message.
func (c *Cache) Get(ctx context.Context, conv, id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.load(ctx, conv) {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Merge folds batch into the conversation and persists the result. It
// returns the merged history and the messages that were added or changed.
func (c *Cache) Merge(ctx context.Context, conv string, batch ...Message) (all, changed []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.load(ctx, conv)
	for i := range batch {
		batch[i].Conversation = conv
	}
	merged := Merge(before, batch, c.limit)

	old := make(map[string]Message, len(before))
	for _, m := range before {
		old[m.ID] = m
	}
	for _, m := range merged {
		if prev, ok := old[m.ID]; !ok || !same(prev, m) {
			changed = append(changed, m)
		}
	}

	c.convs[conv] = merged
	if len(changed) > 0 {
		c.saveMessages(ctx, conv)
	}
	return clone(merged), changed
}

// SetStatus advances one message's status. It reports false when the
// message is unknown or already at or past status.
func (c *Cache) SetStatus(ctx context.Context, conv, id string, status Status) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.load(ctx, conv)
	for i := range msgs {
		if msgs[i].ID != id {
			continue
		}
		next := msgs[i].Status.Advance(status)
		if next == msgs[i].Status {
			return msgs[i], false
		}
		msgs[i].Status = next
		c.saveMessages(ctx, conv)
		return msgs[i], true
	}
	return Message{}, false
}

// MarkPeerRead marks outbound messages up to and including id as read and
// returns the ones that changed. An unknown id changes nothing.
func (c *Cache) MarkPeerRead(ctx context.Context, conv, id string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.load(ctx, conv)
	idx := indexOf(msgs, id)
	if idx < 0 {
		return nil
	}

	var changed []Message
	for i := 0; i <= idx; i++ {
		if msgs[i].Direction == Outbound && msgs[i].Status < StatusRead {
			msgs[i].Status = StatusRead
			changed = append(changed, msgs[i])
		}
	}
	if len(changed) > 0 {
		c.saveMessages(ctx, conv)
	}

	c.loadCursors(ctx)
	cur := c.cursors[conv]
	cur.PeerReadID = id
	c.cursors[conv] = cur
	c.saveCursors(ctx)
	return changed
}

// MarkRead moves the read cursor to the newest inbound message and returns
// it. It reports false when the conversation has no inbound message.
func (c *Cache) MarkRead(ctx context.Context, conv string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.load(ctx, conv)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Direction == Inbound {
			c.setLastRead(ctx, conv, msgs[i])
			return msgs[i], true
		}
	}
	return Message{}, false
}

// SetLastRead moves the read cursor to id, as when another device of the
// account displayed it. The cursor never moves backwards.
func (c *Cache) SetLastRead(ctx context.Context, conv, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.load(ctx, conv)
	idx := indexOf(msgs, id)
	if idx < 0 {
		return false
	}
	c.loadCursors(ctx)
	if cur := c.cursors[conv]; msgs[idx].Timestamp.Before(cur.LastReadAt) {
		return false
	}
	c.setLastRead(ctx, conv, msgs[idx])
	return true
}

func (c *Cache) setLastRead(ctx context.Context, conv string, m Message) {
	c.loadCursors(ctx)
	cur := c.cursors[conv]
	cur.LastReadID = m.ID
	cur.LastReadAt = m.Timestamp
	c.cursors[conv] = cur
	c.saveCursors(ctx)
}

// SetWatermark records the newest archived timestamp seen for conv, even
// when the archived item carried no message. It never moves backwards.
func (c *Cache) SetWatermark(ctx context.Context, conv string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loadCursors(ctx)
	cur := c.cursors[conv]
	if !t.After(cur.Watermark) {
		return
	}
	cur.Watermark = t
	c.cursors[conv] = cur
	c.saveCursors(ctx)
}

func (c *Cache) cursor(ctx context.Context, conv string) Cursor {
	c.loadCursors(ctx)
	return c.cursors[conv]
}

// Unread counts inbound messages newer than the read cursor.
func (c *Cache) Unread(ctx context.Context, conv string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.load(ctx, conv)
	cur := c.cursor(ctx, conv)

	start := 0
	if idx := indexOf(msgs, cur.LastReadID); idx >= 0 {
		start = idx + 1
	} else if !cur.LastReadAt.IsZero() {
		start = sort.Search(len(msgs), func(i int) bool {
			return msgs[i].Timestamp.After(cur.LastReadAt)
		})
	}

	n := 0
	for _, m := range msgs[start:] {
		if m.Direction == Inbound {
			n++
		}
	}
	return n
}

func (c *Cache) load(ctx context.Context, conv string) []Message {
	if msgs, ok := c.convs[conv]; ok {
		return msgs
	}

	var msgs []Message
	raw, err := c.store.Get(ctx, MessagesKey(conv))
	if err != nil {
		c.logger.Warn("failed to load message cache", zap.String("conversation", conv), zap.Error(err))
	} else if raw != nil {
		var recs []messageRecord
		if err := cbor.Unmarshal(raw, &recs); err != nil {
			c.logger.Warn("corrupt message cache", zap.String("conversation", conv), zap.Error(err))
		}
		msgs = make([]Message, 0, len(recs))
		for _, r := range recs {
			msgs = append(msgs, Message{
				ID:           r.ID,
				Conversation: conv,
				Direction:    Direction(r.Direction),
				Body:         r.Body,
				Timestamp:    time.UnixMilli(r.Timestamp).UTC(),
				Status:       Status(r.Status),
			})
		}
		Sort(msgs)
	}
	c.convs[conv] = msgs
	return msgs
}

func (c *Cache) saveMessages(ctx context.Context, conv string) {
	msgs := c.convs[conv]
	recs := make([]messageRecord, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, messageRecord{
			ID:        m.ID,
			Direction: int(m.Direction),
			Body:      m.Body,
			Timestamp: m.Timestamp.UnixMilli(),
			Status:    int(m.Status),
		})
	}
	raw, err := cbor.Marshal(recs)
	if err == nil {
		err = c.store.Set(ctx, MessagesKey(conv), raw)
	}
	if err != nil {
		c.logger.Warn("failed to persist message cache", zap.String("conversation", conv), zap.Error(err))
	}
}

func (c *Cache) loadCursors(ctx context.Context) {
	if c.cursorsLoaded {
		return
	}
	c.cursorsLoaded = true

	raw, err := c.store.Get(ctx, cursorsKey)
	if err != nil {
		c.logger.Warn("failed to load read markers", zap.Error(err))
		return
	}
	if raw == nil {
		return
	}
	var recs map[string]cursorRecord
	if err := cbor.Unmarshal(raw, &recs); err != nil {
		c.logger.Warn("corrupt read markers", zap.Error(err))
		return
	}
	for conv, r := range recs {
		cur := Cursor{LastReadID: r.LastReadID, PeerReadID: r.PeerReadID}
		if r.LastReadAt != 0 {
			cur.LastReadAt = time.UnixMilli(r.LastReadAt).UTC()
		}
		if r.Watermark != 0 {
			cur.Watermark = time.UnixMilli(r.Watermark).UTC()
		}
		c.cursors[conv] = cur
	}
}

func (c *Cache) saveCursors(ctx context.Context) {
	recs := make(map[string]cursorRecord, len(c.cursors))
	for conv, cur := range c.cursors {
		r := cursorRecord{LastReadID: cur.LastReadID, PeerReadID: cur.PeerReadID}
		if !cur.LastReadAt.IsZero() {
			r.LastReadAt = cur.LastReadAt.UnixMilli()
		}
		if !cur.Watermark.IsZero() {
			r.Watermark = cur.Watermark.UnixMilli()
		}
		recs[conv] = r
	}
	raw, err := cbor.Marshal(recs)
	if err == nil {
		err = c.store.Set(ctx, cursorsKey, raw)
	}
	if err != nil {
		c.logger.Warn("failed to persist read markers", zap.Error(err))
	}
}

func indexOf(msgs []Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func same(a, b Message) bool {
	return a.ID == b.ID && a.Direction == b.Direction && a.Body == b.Body &&
		a.Status == b.Status && a.Timestamp.Equal(b.Timestamp)
}

func clone(msgs []Message) []Message {
	if msgs == nil {
		return []Message{}
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
