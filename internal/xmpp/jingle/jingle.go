// Package jingle encodes and decodes the call signaling iqs: session
// initiate, accept and terminate.
package jingle

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/meszmate/orekh/internal/xmpp"
)

// Actions
const (
	ActionInitiate  = "session-initiate"
	ActionAccept    = "session-accept"
	ActionTerminate = "session-terminate"
)

// Terminate reasons
const (
	ReasonSuccess = "success"
	ReasonDecline = "decline"
	ReasonBusy    = "busy"
	ReasonGone    = "gone"
	ReasonFailed  = "failed-application"
)

// Media is the kind of call.
type Media string

const (
	MediaAudio Media = "audio"
	MediaVideo Media = "video"
)

// Jingle is one signaling action.
type Jingle struct {
	Action    string
	SID       string
	Initiator string
	Responder string
	Media     Media
	// SDP is the session description supplied by the media layer, if any.
	SDP    *webrtc.SessionDescription
	Reason string
}

// NewIQ wraps j in an iq set addressed to to.
func NewIQ(to string, j Jingle) *xmpp.Stanza {
	el := xmpp.NewElement(xmpp.NSJingle, "jingle").
		WithAttr("action", j.Action).
		WithAttr("sid", j.SID)
	if j.Initiator != "" {
		el = el.WithAttr("initiator", j.Initiator)
	}
	if j.Responder != "" {
		el = el.WithAttr("responder", j.Responder)
	}

	switch j.Action {
	case ActionInitiate, ActionAccept:
		media := j.Media
		if media == "" {
			media = MediaAudio
		}
		content := xmpp.NewElement("", "content").
			WithAttr("creator", "initiator").
			WithAttr("name", string(media)).
			WithChild(xmpp.NewElement(xmpp.NSJingleRTP, "description").WithAttr("media", string(media)))
		el = el.WithChild(content)
		if j.SDP != nil {
			el = el.WithChild(xmpp.NewElement(xmpp.NSJingleSDP, "sdp").
				WithAttr("type", j.SDP.Type.String()).
				WithText(j.SDP.SDP))
		}
	case ActionTerminate:
		reason := j.Reason
		if reason == "" {
			reason = ReasonSuccess
		}
		el = el.WithChild(xmpp.NewElement("", "reason").WithChild(xmpp.NewElement("", reason)))
	}

	return xmpp.NewIQ(xmpp.IQSet, to, el)
}

// Parse decodes the jingle payload of st.
func Parse(st *xmpp.Stanza) (Jingle, bool) {
	el := st.Child(xmpp.NSJingle, "jingle")
	if el == nil {
		return Jingle{}, false
	}
	j := Jingle{
		Action:    el.Attr("action"),
		SID:       el.Attr("sid"),
		Initiator: el.Attr("initiator"),
		Responder: el.Attr("responder"),
	}
	if j.SID == "" || j.Action == "" {
		return Jingle{}, false
	}

	for i := range el.Children {
		c := &el.Children[i]
		switch {
		case c.Is("", "content"):
			if d := c.Child(xmpp.NSJingleRTP, "description"); d != nil {
				j.Media = Media(d.Attr("media"))
			}
		case c.Is(xmpp.NSJingleSDP, "sdp"):
			j.SDP = &webrtc.SessionDescription{
				Type: webrtc.NewSDPType(c.Attr("type")),
				SDP:  strings.TrimSpace(c.Text) + "\r\n",
			}
		case c.Is("", "reason"):
			for _, r := range c.Children {
				if r.XMLName.Local != "text" {
					j.Reason = r.XMLName.Local
					break
				}
			}
		}
	}

	if j.SDP != nil && MediaFromSDP(j.SDP) == MediaVideo {
		j.Media = MediaVideo
	}
	if j.Media == "" {
		j.Media = MediaAudio
	}
	return j, true
}

// MediaFromSDP reports video when the description has a video m-line.
// Unparseable descriptions count as audio.
func MediaFromSDP(desc *webrtc.SessionDescription) Media {
	if desc == nil {
		return MediaAudio
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return MediaAudio
	}
	for _, m := range parsed.MediaDescriptions {
		if m.MediaName.Media == "video" {
			return MediaVideo
		}
	}
	return MediaAudio
}
