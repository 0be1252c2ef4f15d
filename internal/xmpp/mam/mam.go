// Package mam speaks message archive management: archive queries, the
// result messages they produce, and incremental per-conversation history
// synchronization into the chat cache.
package mam

import (
	"strconv"
	"time"

	"github.com/meszmate/orekh/internal/xmpp"
	"github.com/meszmate/orekh/internal/xmpp/chat"
)

// Query selects a page of archived messages exchanged with one contact.
type Query struct {
	QueryID string
	With    string
	// Start, when set, only matches messages at or after it.
	Start time.Time
	Max   int
	// Latest requests the newest page instead of the oldest.
	Latest bool
	// After continues a previous page.
	After string
}

// Result is one archived message delivered for a query.
type Result struct {
	QueryID   string
	ArchiveID string
	Message   *xmpp.Stanza
	Stamp     time.Time
}

// Fin summarizes a finished query.
type Fin struct {
	Complete bool
	First    string
	Last     string
}

// NewQuery builds the archive query iq.
func NewQuery(q Query) *xmpp.Stanza {
	form := xmpp.NewElement(xmpp.NSDataForm, "x").WithAttr("type", "submit").WithChild(
		field("FORM_TYPE", "hidden", xmpp.NSMAM),
		field("with", "", q.With),
	)
	if !q.Start.IsZero() {
		form = form.WithChild(field("start", "", q.Start.UTC().Format("2006-01-02T15:04:05.000Z")))
	}

	set := xmpp.NewElement(xmpp.NSRSM, "set")
	if q.Max > 0 {
		set = set.WithChild(xmpp.NewElement("", "max").WithText(strconv.Itoa(q.Max)))
	}
	switch {
	case q.After != "":
		set = set.WithChild(xmpp.NewElement("", "after").WithText(q.After))
	case q.Latest:
		set = set.WithChild(xmpp.NewElement("", "before"))
	}

	query := xmpp.NewElement(xmpp.NSMAM, "query").
		WithAttr("queryid", q.QueryID).
		WithChild(form, set)
	return xmpp.NewIQ(xmpp.IQSet, "", query)
}

func field(name, typ, value string) xmpp.Element {
	f := xmpp.NewElement("", "field").WithAttr("var", name)
	if typ != "" {
		f = f.WithAttr("type", typ)
	}
	return f.WithChild(xmpp.NewElement("", "value").WithText(value))
}

// ParseResult extracts an archived message from a result-carrying message.
func ParseResult(st *xmpp.Stanza) (Result, bool) {
	if st.Kind() != xmpp.KindMessage {
		return Result{}, false
	}
	res := st.Child(xmpp.NSMAM, "result")
	if res == nil {
		return Result{}, false
	}
	fwd := res.Child(xmpp.NSForward, "forwarded")
	inner := fwd.Child("", xmpp.KindMessage).AsStanza()
	r := Result{
		QueryID:   res.Attr("queryid"),
		ArchiveID: res.Attr("id"),
		Message:   inner,
	}
	if fwd != nil {
		if ts, ok := chat.DelayStamp(fwd.Children); ok {
			r.Stamp = ts
		}
	}
	return r, true
}

// ParseFin reads the fin element of a query's iq result.
func ParseFin(st *xmpp.Stanza) Fin {
	fin := st.Child(xmpp.NSMAM, "fin")
	if fin == nil {
		return Fin{Complete: true}
	}
	set := fin.Child(xmpp.NSRSM, "set")
	return Fin{
		Complete: fin.Attr("complete") == "true",
		First:    set.ChildText("", "first"),
		Last:     set.ChildText("", "last"),
	}
}
