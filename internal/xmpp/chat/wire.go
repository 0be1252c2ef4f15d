package chat

import (
	"time"

	"github.com/meszmate/orekh/internal/xmpp"
)

// NewMessage builds an outgoing chat message that requests a delivery
// receipt and is markable.
func NewMessage(to, id, body string) *xmpp.Stanza {
	st := xmpp.NewMessage("chat", to)
	st.ID = id
	return st.Add(
		xmpp.NewElement("", "body").WithText(body),
		xmpp.NewElement(xmpp.NSReceipts, "request"),
		xmpp.NewElement(xmpp.NSChatMarkers, "markable"),
		xmpp.NewElement(xmpp.NSChatStates, string(StateActive)),
	)
}

// NewReceipt acknowledges delivery of message id.
func NewReceipt(to, id string) *xmpp.Stanza {
	return xmpp.NewMessage("chat", to).Add(
		xmpp.NewElement(xmpp.NSReceipts, "received").WithAttr("id", id),
	)
}

// NewDisplayed marks message id, and everything before it, as displayed.
func NewDisplayed(to, id string) *xmpp.Stanza {
	return xmpp.NewMessage("chat", to).Add(
		xmpp.NewElement(xmpp.NSChatMarkers, "displayed").WithAttr("id", id),
	)
}

// NewChatState builds a standalone chat state notification.
func NewChatState(to string, state ChatState) *xmpp.Stanza {
	return xmpp.NewMessage("chat", to).Add(
		xmpp.NewElement(xmpp.NSChatStates, string(state)),
	)
}

// EnableCarbons builds the iq payload that turns on message carbons.
func EnableCarbons() *xmpp.Stanza {
	return xmpp.NewIQ(xmpp.IQSet, "", xmpp.NewElement(xmpp.NSCarbons, "enable"))
}

// ChatStateOf returns the chat state carried by st.
func ChatStateOf(st *xmpp.Stanza) (ChatState, bool) {
	for _, c := range st.Children {
		if c.XMLName.Space != xmpp.NSChatStates {
			continue
		}
		switch s := ChatState(c.XMLName.Local); s {
		case StateActive, StateComposing, StatePaused, StateInactive, StateGone:
			return s, true
		}
	}
	return "", false
}

// ReceiptID returns the id acknowledged by a delivery receipt.
func ReceiptID(st *xmpp.Stanza) string {
	return st.Child(xmpp.NSReceipts, "received").Attr("id")
}

// DisplayedID returns the id carried by a displayed marker.
func DisplayedID(st *xmpp.Stanza) string {
	return st.Child(xmpp.NSChatMarkers, "displayed").Attr("id")
}

// WantsReceipt reports whether the sender asked for a delivery receipt.
func WantsReceipt(st *xmpp.Stanza) bool {
	return st.ID != "" && st.Child(xmpp.NSReceipts, "request") != nil
}

// Carbon unwraps a carbon copy. sent is true for copies of messages another
// device of the account sent. The caller must check the wrapper came from
// the account's own bare address.
func Carbon(st *xmpp.Stanza) (inner *xmpp.Stanza, sent, ok bool) {
	wrapper := st.Child(xmpp.NSCarbons, "sent")
	sent = wrapper != nil
	if !sent {
		wrapper = st.Child(xmpp.NSCarbons, "received")
	}
	if wrapper == nil {
		return nil, false, false
	}
	fwd := wrapper.Child(xmpp.NSForward, "forwarded")
	inner = fwd.Child("", xmpp.KindMessage).AsStanza()
	if inner == nil {
		return nil, false, false
	}
	return inner, sent, true
}

// StanzaID returns the archive id the server assigned, preferring the one
// set by by.
func StanzaID(st *xmpp.Stanza, by string) string {
	var first string
	for _, c := range st.Children {
		if !c.Is(xmpp.NSStanzaID, "stanza-id") {
			continue
		}
		if c.Attr("by") == by {
			return c.Attr("id")
		}
		if first == "" {
			first = c.Attr("id")
		}
	}
	return first
}

// DelayStamp returns the delayed-delivery timestamp among children.
func DelayStamp(children []xmpp.Element) (time.Time, bool) {
	for i := range children {
		if !children[i].Is(xmpp.NSDelay, "delay") {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, children[i].Attr("stamp"))
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
