package xmpp

// Namespaces of the extensions the engine speaks.
const (
	NSClient      = "jabber:client"
	NSStanzas     = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSRoster      = "jabber:iq:roster"
	NSDiscoInfo   = "http://jabber.org/protocol/disco#info"
	NSDiscoItems  = "http://jabber.org/protocol/disco#items"
	NSChatStates  = "http://jabber.org/protocol/chatstates"
	NSReceipts    = "urn:xmpp:receipts"
	NSChatMarkers = "urn:xmpp:chat-markers:0"
	NSCarbons     = "urn:xmpp:carbons:2"
	NSForward     = "urn:xmpp:forward:0"
	NSDelay       = "urn:xmpp:delay"
	NSMAM         = "urn:xmpp:mam:2"
	NSRSM         = "http://jabber.org/protocol/rsm"
	NSDataForm    = "jabber:x:data"
	NSStanzaID    = "urn:xmpp:sid:0"
	NSUpload      = "urn:xmpp:http:upload:0"
	NSPing        = "urn:xmpp:ping"
	NSJingle      = "urn:xmpp:jingle:1"
	NSJingleRTP   = "urn:xmpp:jingle:apps:rtp:1"
	NSJingleSDP   = "urn:orekh:jingle:sdp:0"
)
