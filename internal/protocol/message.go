// Package protocol defines the signaling envelope exchanged between peers
// through the relay.
package protocol

import (
	"github.com/pion/webrtc/v4"
)

// Kind identifies the type of a signaling message.
type Kind string

// Message kinds, one per signaling event.
const (
	KindOffer  Kind = "OFFER"
	KindAnswer Kind = "ANSWER"
	KindICE    Kind = "ICE"
	KindReject Kind = "REJECT"
	KindLeave  Kind = "LEAVE"
)

// Kinds lists every kind in a fixed order.
var Kinds = []Kind{KindOffer, KindAnswer, KindICE, KindReject, KindLeave}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindICE, KindReject, KindLeave:
		return true
	}
	return false
}

// Mode is the media mode announced with an offer or answer.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

// Message is the wire envelope. Payload is a tagged union keyed by Kind;
// Encode refuses a payload whose kind differs from the envelope.
type Message struct {
	Kind    Kind
	From    string
	To      string
	CallID  string
	Payload Payload
}

// Payload is implemented by every type-specific payload.
type Payload interface {
	payloadKinds() []Kind
}

// SessionPayload carries an SDP for OFFER and ANSWER messages.
type SessionPayload struct {
	SDP  webrtc.SessionDescription `json:"sdp"`
	Mode Mode                      `json:"mode,omitempty"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ByePayload carries the optional reason of a REJECT or LEAVE.
type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

func (*SessionPayload) payloadKinds() []Kind   { return []Kind{KindOffer, KindAnswer} }
func (*CandidatePayload) payloadKinds() []Kind { return []Kind{KindICE} }
func (*ByePayload) payloadKinds() []Kind       { return []Kind{KindReject, KindLeave} }

// Session returns the SDP payload of an OFFER or ANSWER.
func (m Message) Session() (*SessionPayload, bool) {
	p, ok := m.Payload.(*SessionPayload)
	return p, ok && p != nil
}

// Candidate returns the candidate payload of an ICE message.
func (m Message) Candidate() (*CandidatePayload, bool) {
	p, ok := m.Payload.(*CandidatePayload)
	return p, ok && p != nil
}

// Reason returns the reason of a REJECT or LEAVE, or "" if none was given.
func (m Message) Reason() string {
	if p, ok := m.Payload.(*ByePayload); ok && p != nil {
		return p.Reason
	}
	return ""
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewOffer builds an OFFER envelope.
func NewOffer(from, to, callID string, sdp webrtc.SessionDescription, mode Mode) Message {
	return Message{Kind: KindOffer, From: from, To: to, CallID: callID,
		Payload: &SessionPayload{SDP: sdp, Mode: mode}}
}

// NewAnswer builds an ANSWER envelope.
func NewAnswer(from, to, callID string, sdp webrtc.SessionDescription, mode Mode) Message {
	return Message{Kind: KindAnswer, From: from, To: to, CallID: callID,
		Payload: &SessionPayload{SDP: sdp, Mode: mode}}
}

// NewICE builds an ICE envelope.
func NewICE(from, to, callID string, candidate webrtc.ICECandidateInit) Message {
	return Message{Kind: KindICE, From: from, To: to, CallID: callID,
		Payload: &CandidatePayload{Candidate: candidate}}
}

// NewReject builds a REJECT envelope.
func NewReject(from, to, callID, reason string) Message {
	return Message{Kind: KindReject, From: from, To: to, CallID: callID,
		Payload: &ByePayload{Reason: reason}}
}

// NewLeave builds a LEAVE envelope.
func NewLeave(from, to, callID, reason string) Message {
	return Message{Kind: KindLeave, From: from, To: to, CallID: callID,
		Payload: &ByePayload{Reason: reason}}
}
