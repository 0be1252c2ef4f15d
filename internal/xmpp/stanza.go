package xmpp

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmpp/jid"
)

// Stanza kinds
const (
	KindMessage  = "message"
	KindPresence = "presence"
	KindIQ       = "iq"
)

// IQ types
const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"
)

// Element is a generic XML element. Stanza payloads are kept as element
// trees so every extension can be read and built without a dedicated type.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []Element  `xml:",any"`
}

// NewElement creates an empty element.
func NewElement(space, local string) Element {
	return Element{XMLName: xml.Name{Space: space, Local: local}}
}

// WithAttr returns a copy of e with the attribute appended.
func (e Element) WithAttr(name, value string) Element {
	attrs := make([]xml.Attr, len(e.Attrs), len(e.Attrs)+1)
	copy(attrs, e.Attrs)
	e.Attrs = append(attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	return e
}

// WithText returns a copy of e with its character data set.
func (e Element) WithText(text string) Element {
	e.Text = text
	return e
}

// WithChild returns a copy of e with the children appended.
func (e Element) WithChild(children ...Element) Element {
	c := make([]Element, len(e.Children), len(e.Children)+len(children))
	copy(c, e.Children)
	e.Children = append(c, children...)
	return e
}

// Attr returns the value of the unqualified attribute with the given name.
func (e *Element) Attr(name string) string {
	if e == nil {
		return ""
	}
	for _, a := range e.Attrs {
		if a.Name.Local == name && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// Child returns the first child matching space and local. An empty space
// matches any namespace.
func (e *Element) Child(space, local string) *Element {
	if e == nil {
		return nil
	}
	return findChild(e.Children, space, local)
}

// ChildText returns the character data of the first matching child.
func (e *Element) ChildText(space, local string) string {
	if c := e.Child(space, local); c != nil {
		return c.Text
	}
	return ""
}

// Is reports whether the element has the given name.
func (e *Element) Is(space, local string) bool {
	return e != nil && e.XMLName.Local == local && (space == "" || e.XMLName.Space == space)
}

// UnmarshalXML decodes the element tree, dropping namespace declarations so
// the tree can be marshaled again without duplicate xmlns attributes.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	e.XMLName = start.Name
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		e.Attrs = append(e.Attrs, a)
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var child Element
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			e.Text += string(t)
		case xml.EndElement:
			return nil
		}
	}
}

// Stanza is one message, presence or iq exchanged over the stream.
type Stanza struct {
	XMLName  xml.Name
	ID       string    `xml:"id,attr,omitempty"`
	From     string    `xml:"from,attr,omitempty"`
	To       string    `xml:"to,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	Children []Element `xml:",any"`
}

// NewMessage creates a message stanza.
func NewMessage(typ, to string) *Stanza {
	return &Stanza{XMLName: xml.Name{Local: KindMessage}, Type: typ, To: to}
}

// NewPresence creates a presence stanza.
func NewPresence(typ, to string) *Stanza {
	return &Stanza{XMLName: xml.Name{Local: KindPresence}, Type: typ, To: to}
}

// NewIQ creates an iq stanza with an optional payload.
func NewIQ(typ, to string, payload ...Element) *Stanza {
	return &Stanza{XMLName: xml.Name{Local: KindIQ}, Type: typ, To: to, Children: payload}
}

// AsStanza converts an embedded stanza element, such as a forwarded message,
// back into a Stanza.
func (e *Element) AsStanza() *Stanza {
	if e == nil {
		return nil
	}
	st := &Stanza{
		XMLName:  xml.Name{Local: e.XMLName.Local},
		ID:       e.Attr("id"),
		From:     e.Attr("from"),
		To:       e.Attr("to"),
		Type:     e.Attr("type"),
		Children: e.Children,
	}
	return st
}

// Kind returns message, presence or iq.
func (s *Stanza) Kind() string {
	return s.XMLName.Local
}

// Add appends payload elements and returns s.
func (s *Stanza) Add(children ...Element) *Stanza {
	s.Children = append(s.Children, children...)
	return s
}

// Child returns the first payload element matching space and local.
func (s *Stanza) Child(space, local string) *Element {
	if s == nil {
		return nil
	}
	return findChild(s.Children, space, local)
}

// Body returns the message body, if any.
func (s *Stanza) Body() string {
	if b := s.Child("", "body"); b != nil {
		return b.Text
	}
	return ""
}

// FromJID parses the from attribute. Unparseable addresses yield the zero JID.
func (s *Stanza) FromJID() jid.JID {
	j, _ := jid.Parse(s.From)
	return j
}

// ToJID parses the to attribute. Unparseable addresses yield the zero JID.
func (s *Stanza) ToJID() jid.JID {
	j, _ := jid.Parse(s.To)
	return j
}

// IsRequest reports whether s is an iq get or set that expects a reply.
func (s *Stanza) IsRequest() bool {
	return s.Kind() == KindIQ && (s.Type == IQGet || s.Type == IQSet)
}

// Result builds the result reply to an iq request.
func (s *Stanza) Result(payload ...Element) *Stanza {
	r := NewIQ(IQResult, s.From, payload...)
	r.ID = s.ID
	return r
}

// ErrorReply builds an error reply to an iq request.
func (s *Stanza) ErrorReply(errType, condition string) *Stanza {
	r := NewIQ(IQError, s.From, NewElement("", "error").
		WithAttr("type", errType).
		WithChild(NewElement(NSStanzas, condition)))
	r.ID = s.ID
	return r
}

// Err returns the stanza error carried by an error-typed stanza, or nil.
func (s *Stanza) Err() error {
	if s == nil || s.Type != IQError {
		return nil
	}
	se := &StanzaError{}
	if e := s.Child("", "error"); e != nil {
		se.Type = e.Attr("type")
		for _, c := range e.Children {
			if c.XMLName.Space == NSStanzas && c.XMLName.Local != "text" {
				se.Condition = c.XMLName.Local
			}
		}
		se.Text = e.ChildText(NSStanzas, "text")
	}
	return se
}

// StanzaError is an error condition returned by the peer or server.
type StanzaError struct {
	Type      string
	Condition string
	Text      string
}

func (e *StanzaError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("stanza error %s (%s): %s", e.Condition, e.Type, e.Text)
	}
	return fmt.Sprintf("stanza error %s (%s)", e.Condition, e.Type)
}

func findChild(children []Element, space, local string) *Element {
	for i := range children {
		if children[i].Is(space, local) {
			return &children[i]
		}
	}
	return nil
}
