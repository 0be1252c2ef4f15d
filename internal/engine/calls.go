package engine

import (
	"github.com/pion/webrtc/v4"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/call"
	"github.com/meszmate/orekh/internal/xmpp/jingle"
)

// StartCall offers a call to peer. offer is the media layer's session
// description and may be nil.
func (e *Engine) StartCall(peer jid.JID, media jingle.Media, offer *webrtc.SessionDescription) (call.Session, error) {
	if _, _, err := e.session(); err != nil {
		return call.Session{}, err
	}
	return e.calls.StartCall(peer, media, offer)
}

// AcceptCall answers the ringing call id.
func (e *Engine) AcceptCall(id string, answer *webrtc.SessionDescription) (call.Session, error) {
	if _, _, err := e.session(); err != nil {
		return call.Session{}, err
	}
	return e.calls.Accept(id, answer)
}

// RejectCall declines the call id.
func (e *Engine) RejectCall(id string) error {
	return e.calls.Reject(id)
}

// EndCall hangs up the call id, or the active call when id is empty.
func (e *Engine) EndCall(id string) error {
	return e.calls.End(id)
}

// ActiveCall returns the active call, if any.
func (e *Engine) ActiveCall() (call.Session, bool) {
	return e.calls.Active()
}

// ToggleMute flips the local mute flag of the active call.
func (e *Engine) ToggleMute() (bool, error) {
	return e.calls.ToggleMute()
}

// ToggleSpeaker flips the local speaker flag of the active call.
func (e *Engine) ToggleSpeaker() (bool, error) {
	return e.calls.ToggleSpeaker()
}
