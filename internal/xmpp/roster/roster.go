package roster

import (
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/xmpp"
)

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Contact is one roster entry, keyed by bare address.
type Contact struct {
	JID          jid.JID
	Name         string
	Subscription Subscription
	Ask          string
	Groups       []string
}

// DisplayName returns the name, falling back to the address.
func (c Contact) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.JID.String()
}

// Manager manages the roster. Contacts are only deleted by an explicit
// removal; a fetch that omits a contact leaves it in place.
type Manager struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

// NewManager creates a new roster manager
func NewManager() *Manager {
	return &Manager{
		contacts: make(map[string]Contact),
	}
}

// Apply upserts contacts, deleting those whose subscription is remove. It
// reports whether anything changed.
func (m *Manager) Apply(contacts ...Contact) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, c := range contacts {
		key := c.JID.Bare().String()
		if key == "" {
			continue
		}
		if c.Subscription == SubscriptionRemove {
			if _, ok := m.contacts[key]; ok {
				delete(m.contacts, key)
				changed = true
			}
			continue
		}
		c.JID = c.JID.Bare()
		if old, ok := m.contacts[key]; !ok || !equal(old, c) {
			m.contacts[key] = c
			changed = true
		}
	}
	return changed
}

// Get returns a roster item by JID
func (m *Manager) Get(j jid.JID) (Contact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[j.Bare().String()]
	return c, ok
}

// Contains reports whether j is on the roster.
func (m *Manager) Contains(j jid.JID) bool {
	_, ok := m.Get(j)
	return ok
}

// All returns a snapshot of the roster sorted by display name.
func (m *Manager) All() []Contact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Contact, 0, len(m.contacts))
	for _, c := range m.contacts {
		c.Groups = append([]string(nil), c.Groups...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DisplayName(), out[j].DisplayName()
		if a != b {
			return a < b
		}
		return out[i].JID.String() < out[j].JID.String()
	})
	return out
}

// Clear removes all roster items
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts = make(map[string]Contact)
}

// Count returns the number of roster items
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contacts)
}

func equal(a, b Contact) bool {
	if !a.JID.Equal(b.JID) || a.Name != b.Name || a.Subscription != b.Subscription || a.Ask != b.Ask {
		return false
	}
	if len(a.Groups) != len(b.Groups) {
		return false
	}
	for i := range a.Groups {
		if a.Groups[i] != b.Groups[i] {
			return false
		}
	}
	return true
}

// NewQuery builds the roster fetch request.
func NewQuery() *xmpp.Stanza {
	return xmpp.NewIQ(xmpp.IQGet, "", xmpp.NewElement(xmpp.NSRoster, "query"))
}

// NewSet builds a roster set adding or renaming a contact.
func NewSet(c Contact) *xmpp.Stanza {
	item := xmpp.NewElement("", "item").WithAttr("jid", c.JID.Bare().String())
	if c.Name != "" {
		item = item.WithAttr("name", c.Name)
	}
	for _, g := range c.Groups {
		item = item.WithChild(xmpp.NewElement("", "group").WithText(g))
	}
	return xmpp.NewIQ(xmpp.IQSet, "", xmpp.NewElement(xmpp.NSRoster, "query").WithChild(item))
}

// NewRemove builds a roster set removing a contact.
func NewRemove(j jid.JID) *xmpp.Stanza {
	item := xmpp.NewElement("", "item").
		WithAttr("jid", j.Bare().String()).
		WithAttr("subscription", string(SubscriptionRemove))
	return xmpp.NewIQ(xmpp.IQSet, "", xmpp.NewElement(xmpp.NSRoster, "query").WithChild(item))
}

// IsPush reports whether st is a server-initiated roster push.
func IsPush(st *xmpp.Stanza) bool {
	return st.Kind() == xmpp.KindIQ && st.Type == xmpp.IQSet && st.Child(xmpp.NSRoster, "query") != nil
}

// ParseItems reads the contacts of a roster result or push. Items with an
// unparseable address are skipped.
func ParseItems(st *xmpp.Stanza) []Contact {
	q := st.Child(xmpp.NSRoster, "query")
	if q == nil {
		return nil
	}
	var out []Contact
	for i := range q.Children {
		item := &q.Children[i]
		if !item.Is("", "item") {
			continue
		}
		j, err := jid.Parse(item.Attr("jid"))
		if err != nil {
			continue
		}
		sub := Subscription(item.Attr("subscription"))
		if sub == "" {
			sub = SubscriptionNone
		}
		c := Contact{
			JID:          j.Bare(),
			Name:         item.Attr("name"),
			Subscription: sub,
			Ask:          item.Attr("ask"),
		}
		for _, g := range item.Children {
			if g.Is("", "group") && g.Text != "" {
				c.Groups = append(c.Groups, g.Text)
			}
		}
		out = append(out, c)
	}
	return out
}

type contactRecord struct {
	JID          string   `cbor:"1,keyasint"`
	Name         string   `cbor:"2,keyasint,omitempty"`
	Subscription string   `cbor:"3,keyasint"`
	Ask          string   `cbor:"4,keyasint,omitempty"`
	Groups       []string `cbor:"5,keyasint,omitempty"`
}

// MarshalSnapshot encodes contacts for the local store.
func MarshalSnapshot(contacts []Contact) ([]byte, error) {
	recs := make([]contactRecord, 0, len(contacts))
	for _, c := range contacts {
		recs = append(recs, contactRecord{
			JID:          c.JID.String(),
			Name:         c.Name,
			Subscription: string(c.Subscription),
			Ask:          c.Ask,
			Groups:       c.Groups,
		})
	}
	return cbor.Marshal(recs)
}

// UnmarshalSnapshot decodes contacts written by MarshalSnapshot.
func UnmarshalSnapshot(raw []byte) ([]Contact, error) {
	var recs []contactRecord
	if err := cbor.Unmarshal(raw, &recs); err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(recs))
	for _, r := range recs {
		j, err := jid.Parse(r.JID)
		if err != nil {
			continue
		}
		out = append(out, Contact{
			JID:          j,
			Name:         r.Name,
			Subscription: Subscription(r.Subscription),
			Ask:          r.Ask,
			Groups:       r.Groups,
		})
	}
	return out, nil
}
