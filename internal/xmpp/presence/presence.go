package presence

import (
	"sort"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/xmpp"
)

// Show represents the presence show state
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// Presence types
const (
	TypeAvailable    = ""
	TypeUnavailable  = "unavailable"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypeProbe        = "probe"
	TypeError        = "error"
)

// Entry is what is known about one contact's reachability.
type Entry struct {
	JID    jid.JID // bare
	Online bool
	// Full is the most recently available resource, or the zero JID.
	Full   jid.JID
	Show   Show
	Status string
}

type resource struct {
	full   jid.JID
	show   Show
	status string
	seq    uint64
}

// Manager manages presence information per resource and the typing state
// of each contact.
type Manager struct {
	mu        sync.RWMutex
	resources map[string]map[string]resource // bare JID -> resource -> presence
	typing    map[string]bool
	seq       uint64
}

// NewManager creates a new presence manager
func NewManager() *Manager {
	return &Manager{
		resources: make(map[string]map[string]resource),
		typing:    make(map[string]bool),
	}
}

// Update applies an available or unavailable presence and returns the
// contact's resulting entry. changed is false when st carried no
// availability information or altered nothing visible.
func (m *Manager) Update(st *xmpp.Stanza) (entry Entry, changed bool) {
	if st.Type != TypeAvailable && st.Type != TypeUnavailable {
		return Entry{}, false
	}
	from := st.FromJID()
	bare := from.Bare().String()
	if bare == "" {
		return Entry{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.entry(bare)
	res := from.Resourcepart()

	if st.Type == TypeUnavailable {
		if res == "" {
			delete(m.resources, bare)
		} else if rs := m.resources[bare]; rs != nil {
			delete(rs, res)
			if len(rs) == 0 {
				delete(m.resources, bare)
			}
		}
	} else {
		m.seq++
		if m.resources[bare] == nil {
			m.resources[bare] = make(map[string]resource)
		}
		m.resources[bare][res] = resource{
			full:   from,
			show:   Show(childText(st, "show")),
			status: childText(st, "status"),
			seq:    m.seq,
		}
	}

	after := m.entry(bare)
	return after, !sameEntry(before, after)
}

// Get returns the entry for a contact.
func (m *Manager) Get(j jid.JID) Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entry(j.Bare().String())
}

// FullJID returns the reachable full address of a contact, if any.
func (m *Manager) FullJID(j jid.JID) (jid.JID, bool) {
	e := m.Get(j)
	return e.Full, e.Online
}

// IsOnline returns whether a JID has any online resources
func (m *Manager) IsOnline(j jid.JID) bool {
	return m.Get(j).Online
}

// Online returns the entries of every online contact, sorted by address.
func (m *Manager) Online() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.resources))
	for bare := range m.resources {
		out = append(out, m.entry(bare))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JID.String() < out[j].JID.String() })
	return out
}

// SetTyping records whether a contact is composing. It reports whether the
// value changed.
func (m *Manager) SetTyping(j jid.JID, typing bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bare := j.Bare().String()
	if m.typing[bare] == typing {
		return false
	}
	if typing {
		m.typing[bare] = true
	} else {
		delete(m.typing, bare)
	}
	return true
}

// IsTyping reports the last known typing state of a contact.
func (m *Manager) IsTyping(j jid.JID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.typing[j.Bare().String()]
}

// Clear clears all presence information
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = make(map[string]map[string]resource)
	m.typing = make(map[string]bool)
}

func (m *Manager) entry(bare string) Entry {
	e := Entry{}
	e.JID, _ = jid.Parse(bare)
	var newest *resource
	for _, r := range m.resources[bare] {
		if newest == nil || r.seq > newest.seq {
			r := r
			newest = &r
		}
	}
	if newest != nil {
		e.Online = true
		e.Full = newest.full
		e.Show = newest.show
		e.Status = newest.status
	}
	return e
}

func childText(st *xmpp.Stanza, local string) string {
	if c := st.Child("", local); c != nil {
		return c.Text
	}
	return ""
}

func sameEntry(a, b Entry) bool {
	return a.Online == b.Online && a.Full.String() == b.Full.String() &&
		a.Show == b.Show && a.Status == b.Status
}

// NewAvailable builds initial or updated own presence.
func NewAvailable(show Show, status string) *xmpp.Stanza {
	st := xmpp.NewPresence(TypeAvailable, "")
	if show != ShowOnline {
		st.Add(xmpp.NewElement("", "show").WithText(string(show)))
	}
	if status != "" {
		st.Add(xmpp.NewElement("", "status").WithText(status))
	}
	return st
}

// NewSubscription builds a subscription management presence (subscribe,
// subscribed, unsubscribe, unsubscribed) addressed to a bare JID.
func NewSubscription(typ string, to jid.JID) *xmpp.Stanza {
	return xmpp.NewPresence(typ, to.Bare().String())
}

// ShowToString converts a Show value to a human-readable string
func ShowToString(show Show) string {
	switch show {
	case ShowOnline:
		return "online"
	case ShowAway:
		return "away"
	case ShowChat:
		return "chat"
	case ShowDND:
		return "dnd"
	case ShowXA:
		return "xa"
	default:
		return string(show)
	}
}

// StringToShow converts a string to a Show value
func StringToShow(s string) Show {
	switch s {
	case "online", "":
		return ShowOnline
	case "away":
		return ShowAway
	case "chat":
		return ShowChat
	case "dnd":
		return ShowDND
	case "xa":
		return ShowXA
	default:
		return Show(s)
	}
}
