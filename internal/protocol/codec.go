package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

var (
	ErrUnknownKind     = errors.New("unknown message type")
	ErrPayloadMismatch = errors.New("payload does not match message type")
	ErrMissingPayload  = errors.New("missing payload")
	ErrMissingCallID   = errors.New("missing callId")
	ErrMissingTo       = errors.New("missing recipient")
)

// wireMessage is the JSON layout of Message on the wire.
type wireMessage struct {
	Type    Kind            `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to,omitempty"`
	CallID  string          `json:"callId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the envelope invariants required before transmission.
func Validate(msg Message) error {
	if !msg.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	if msg.To == "" {
		return ErrMissingTo
	}
	if msg.CallID == "" {
		return ErrMissingCallID
	}
	return checkPayload(msg.Kind, msg.Payload)
}

func checkPayload(kind Kind, p Payload) error {
	if p == nil {
		switch kind {
		case KindReject, KindLeave:
			return nil
		}
		return fmt.Errorf("%w for %s", ErrMissingPayload, kind)
	}
	if !slices.Contains(p.payloadKinds(), kind) {
		return fmt.Errorf("%w: %T for %s", ErrPayloadMismatch, p, kind)
	}
	return nil
}

// Encode serializes msg into its JSON wire form. The recipient is not
// checked here; see Validate.
func Encode(msg Message) ([]byte, error) {
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	if err := checkPayload(msg.Kind, msg.Payload); err != nil {
		return nil, err
	}

	w := wireMessage{Type: msg.Kind, From: msg.From, To: msg.To, CallID: msg.CallID}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msg.Kind, err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// Decode parses a JSON wire message. The payload is decoded into the
// concrete type selected by the message type, so an ICE message can never
// be read as an OFFER.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !w.Type.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}

	msg := Message{Kind: w.Type, From: w.From, To: w.To, CallID: w.CallID}
	hasPayload := len(w.Payload) > 0 && string(w.Payload) != "null"

	switch w.Type {
	case KindOffer, KindAnswer:
		if !hasPayload {
			return Message{}, fmt.Errorf("%w for %s", ErrMissingPayload, w.Type)
		}
		var p SessionPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
		if p.SDP.SDP == "" {
			return Message{}, fmt.Errorf("%w: empty sdp in %s", ErrMissingPayload, w.Type)
		}
		msg.Payload = &p

	case KindICE:
		if !hasPayload {
			return Message{}, fmt.Errorf("%w for %s", ErrMissingPayload, w.Type)
		}
		var p CandidatePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
		if p.Candidate.Candidate == "" {
			return Message{}, fmt.Errorf("%w: empty candidate", ErrMissingPayload)
		}
		msg.Payload = &p

	case KindReject, KindLeave:
		p := &ByePayload{}
		if hasPayload {
			if err := json.Unmarshal(w.Payload, p); err != nil {
				return Message{}, fmt.Errorf("decode %s payload: %w", w.Type, err)
			}
		}
		msg.Payload = p
	}

	return msg, nil
}
