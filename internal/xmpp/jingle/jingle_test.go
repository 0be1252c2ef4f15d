package jingle

import (
	"encoding/xml"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/orekh/internal/xmpp"
)

const videoOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

// roundTrip marshals st and reads it back, as it would cross the wire.
func roundTrip(t *testing.T, st *xmpp.Stanza) *xmpp.Stanza {
	t.Helper()
	raw, err := xml.Marshal(st)
	require.NoError(t, err)
	var out xmpp.Stanza
	require.NoError(t, xml.Unmarshal(raw, &out))
	return &out
}

func TestInitiateRoundTrip(t *testing.T) {
	st := NewIQ("bob@example.com/phone", Jingle{
		Action:    ActionInitiate,
		SID:       "call_1",
		Initiator: "alice@example.com/orekh",
		Media:     MediaAudio,
	})
	assert.Equal(t, xmpp.IQSet, st.Type)

	j, ok := Parse(roundTrip(t, st))
	require.True(t, ok)
	assert.Equal(t, ActionInitiate, j.Action)
	assert.Equal(t, "call_1", j.SID)
	assert.Equal(t, "alice@example.com/orekh", j.Initiator)
	assert.Equal(t, MediaAudio, j.Media)
	assert.Nil(t, j.SDP)
}

func TestSDPCarriesVideo(t *testing.T) {
	st := NewIQ("bob@example.com", Jingle{
		Action: ActionInitiate,
		SID:    "call_2",
		SDP:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: videoOffer},
	})

	j, ok := Parse(roundTrip(t, st))
	require.True(t, ok)
	require.NotNil(t, j.SDP)
	assert.Equal(t, webrtc.SDPTypeOffer, j.SDP.Type)
	assert.Equal(t, MediaVideo, j.Media)
}

func TestTerminateReason(t *testing.T) {
	st := NewIQ("bob@example.com", Jingle{Action: ActionTerminate, SID: "call_3", Reason: ReasonBusy})
	j, ok := Parse(roundTrip(t, st))
	require.True(t, ok)
	assert.Equal(t, ReasonBusy, j.Reason)

	st = NewIQ("bob@example.com", Jingle{Action: ActionTerminate, SID: "call_3"})
	j, _ = Parse(roundTrip(t, st))
	assert.Equal(t, ReasonSuccess, j.Reason)
}

func TestParseRejectsIncomplete(t *testing.T) {
	_, ok := Parse(xmpp.NewIQ(xmpp.IQSet, "", xmpp.NewElement(xmpp.NSJingle, "jingle").WithAttr("action", ActionInitiate)))
	assert.False(t, ok)
	_, ok = Parse(xmpp.NewIQ(xmpp.IQSet, ""))
	assert.False(t, ok)
}

func TestMediaFromSDP(t *testing.T) {
	assert.Equal(t, MediaAudio, MediaFromSDP(nil))
	assert.Equal(t, MediaAudio, MediaFromSDP(&webrtc.SessionDescription{SDP: "garbage"}))
	assert.Equal(t, MediaVideo, MediaFromSDP(&webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: videoOffer}))
}
