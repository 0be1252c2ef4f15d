package disco

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/xmpp"
)

// Identity represents a disco identity
type Identity struct {
	Category string
	Type     string
	Name     string
}

// Feature represents a disco feature
type Feature string

// Common features
const (
	FeatureDisco       Feature = xmpp.NSDiscoInfo
	FeatureDiscoItems  Feature = xmpp.NSDiscoItems
	FeatureChatStates  Feature = xmpp.NSChatStates
	FeatureReceipts    Feature = xmpp.NSReceipts
	FeatureCarbons     Feature = xmpp.NSCarbons
	FeatureMAM         Feature = xmpp.NSMAM
	FeatureHTTPUpload  Feature = xmpp.NSUpload
	FeatureChatMarkers Feature = xmpp.NSChatMarkers
	FeatureJingle      Feature = xmpp.NSJingle
	FeaturePing        Feature = xmpp.NSPing
)

// Info represents disco info response
type Info struct {
	Identities []Identity
	Features   []Feature
	// Forms maps an extension form's FORM_TYPE to its field values.
	Forms map[string]map[string]string
}

// HasFeature reports whether the entity advertises f.
func (i *Info) HasFeature(f Feature) bool {
	if i == nil {
		return false
	}
	for _, have := range i.Features {
		if have == f {
			return true
		}
	}
	return false
}

// FormValue returns a field of an extension form.
func (i *Info) FormValue(formType, field string) string {
	if i == nil {
		return ""
	}
	return i.Forms[formType][field]
}

// Item represents a disco item
type Item struct {
	JID  jid.JID
	Name string
	Node string
}

// Requester sends an iq and waits for its reply.
type Requester interface {
	SendAndWait(ctx context.Context, req *xmpp.Stanza, timeout time.Duration) (*xmpp.Stanza, error)
}

// Cache caches disco information for the life of a session.
type Cache struct {
	mu    sync.RWMutex
	info  map[string]*Info
	items map[string][]Item
}

// NewCache creates a new disco cache
func NewCache() *Cache {
	return &Cache{
		info:  make(map[string]*Info),
		items: make(map[string][]Item),
	}
}

// SetInfo sets disco info for a JID
func (c *Cache) SetInfo(j jid.JID, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info[j.String()] = info
}

// GetInfo gets disco info for a JID
func (c *Cache) GetInfo(j jid.JID) *Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info[j.String()]
}

// SetItems sets disco items for a JID
func (c *Cache) SetItems(j jid.JID, items []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[j.String()] = items
}

// GetItems gets disco items for a JID
func (c *Cache) GetItems(j jid.JID) ([]Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	items, ok := c.items[j.String()]
	return items, ok
}

// Clear clears the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = make(map[string]*Info)
	c.items = make(map[string][]Item)
}

// Client queries entities, remembering answers in a Cache.
type Client struct {
	req   Requester
	cache *Cache
}

// NewClient creates a disco client. A nil cache disables caching.
func NewClient(req Requester, cache *Cache) *Client {
	if cache == nil {
		cache = NewCache()
	}
	return &Client{req: req, cache: cache}
}

// Cache returns the client's cache.
func (c *Client) Cache() *Cache {
	return c.cache
}

// Info queries the features of to.
func (c *Client) Info(ctx context.Context, to jid.JID, timeout time.Duration) (*Info, error) {
	if info := c.cache.GetInfo(to); info != nil {
		return info, nil
	}
	reply, err := c.req.SendAndWait(ctx, NewInfoQuery(to), timeout)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, fmt.Errorf("disco#info %s: %w", to, err)
	}
	info := ParseInfo(reply)
	c.cache.SetInfo(to, info)
	return info, nil
}

// Items lists the entities advertised by to.
func (c *Client) Items(ctx context.Context, to jid.JID, timeout time.Duration) ([]Item, error) {
	if items, ok := c.cache.GetItems(to); ok {
		return items, nil
	}
	reply, err := c.req.SendAndWait(ctx, NewItemsQuery(to), timeout)
	if err != nil {
		return nil, err
	}
	if err := reply.Err(); err != nil {
		return nil, fmt.Errorf("disco#items %s: %w", to, err)
	}
	items := ParseItems(reply)
	c.cache.SetItems(to, items)
	return items, nil
}

// NewInfoQuery builds a disco#info request.
func NewInfoQuery(to jid.JID) *xmpp.Stanza {
	return xmpp.NewIQ(xmpp.IQGet, to.String(), xmpp.NewElement(xmpp.NSDiscoInfo, "query"))
}

// NewItemsQuery builds a disco#items request.
func NewItemsQuery(to jid.JID) *xmpp.Stanza {
	return xmpp.NewIQ(xmpp.IQGet, to.String(), xmpp.NewElement(xmpp.NSDiscoItems, "query"))
}

// ParseInfo reads a disco#info result.
func ParseInfo(st *xmpp.Stanza) *Info {
	info := &Info{Forms: make(map[string]map[string]string)}
	q := st.Child(xmpp.NSDiscoInfo, "query")
	if q == nil {
		return info
	}
	for i := range q.Children {
		c := &q.Children[i]
		switch {
		case c.Is("", "identity"):
			info.Identities = append(info.Identities, Identity{
				Category: c.Attr("category"),
				Type:     c.Attr("type"),
				Name:     c.Attr("name"),
			})
		case c.Is("", "feature"):
			info.Features = append(info.Features, Feature(c.Attr("var")))
		case c.Is(xmpp.NSDataForm, "x"):
			fields := make(map[string]string)
			for j := range c.Children {
				f := &c.Children[j]
				if f.Is("", "field") {
					fields[f.Attr("var")] = f.ChildText("", "value")
				}
			}
			if ft := fields["FORM_TYPE"]; ft != "" {
				info.Forms[ft] = fields
			}
		}
	}
	return info
}

// ParseItems reads a disco#items result.
func ParseItems(st *xmpp.Stanza) []Item {
	q := st.Child(xmpp.NSDiscoItems, "query")
	if q == nil {
		return nil
	}
	var items []Item
	for i := range q.Children {
		c := &q.Children[i]
		if !c.Is("", "item") {
			continue
		}
		j, err := jid.Parse(c.Attr("jid"))
		if err != nil {
			continue
		}
		items = append(items, Item{JID: j, Name: c.Attr("name"), Node: c.Attr("node")})
	}
	return items
}
