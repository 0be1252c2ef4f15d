package chat

import (
	"sort"
	"time"
)

// Direction tells whether a message was sent by the account or to it.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Status is the delivery progress of a message. It only moves forward.
type Status int

const (
	StatusSent Status = iota + 1
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next > s {
		return next
	}
	return s
}

// ChatState represents the chat state (typing, etc.)
type ChatState string

const (
	StateActive    ChatState = "active"
	StateComposing ChatState = "composing"
	StatePaused    ChatState = "paused"
	StateInactive  ChatState = "inactive"
	StateGone      ChatState = "gone"
)

// Message is one chat message filed under a conversation, the bare address
// of the other party. ID is unique within the conversation.
type Message struct {
	ID           string
	Conversation string
	Direction    Direction
	Body         string
	Timestamp    time.Time
	Status       Status
}

// Merge combines cached messages with a new batch. Messages are keyed by ID;
// a duplicate takes the batch's fields but never a lower status. The result
// is sorted by timestamp (ties by ID) and keeps at most the last limit
// entries. Merging a set with itself returns the same set.
func Merge(cached, batch []Message, limit int) []Message {
	byID := make(map[string]Message, len(cached)+len(batch))
	for _, m := range cached {
		byID[m.ID] = normalize(m)
	}
	for _, m := range batch {
		m = normalize(m)
		if old, ok := byID[m.ID]; ok {
			m.Status = old.Status.Advance(m.Status)
			if m.Body == "" {
				m.Body = old.Body
			}
		}
		byID[m.ID] = m
	}

	out := make([]Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	Sort(out)

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Sort orders messages by timestamp, then ID.
func Sort(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// normalize drops sub-millisecond precision and the monotonic reading so
// cached and persisted copies compare equal.
func normalize(m Message) Message {
	if !m.Timestamp.IsZero() {
		m.Timestamp = time.UnixMilli(m.Timestamp.UnixMilli()).UTC()
	}
	if m.Status == 0 {
		m.Status = StatusSent
	}
	return m
}
