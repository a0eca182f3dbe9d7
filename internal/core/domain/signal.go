package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ParticipantID identifies a participant across the roster and transports.
type ParticipantID string

// SignalKind is the negotiation step a signaling message carries.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Valid reports whether k is one of the three known kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// IsDescription reports whether k carries a session description (offer or answer).
func (k SignalKind) IsDescription() bool {
	return k == SignalOffer || k == SignalAnswer
}

// SignalMessage is one inbound signaling message. Timestamp is assigned by the
// transport and only used for ordering.
type SignalMessage struct {
	ID        string          `json:"id"`
	SenderID  ParticipantID   `json:"sender_id"`
	Timestamp int64           `json:"timestamp"`
	Kind      SignalKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// SortSignals orders messages oldest first, keeping arrival order for ties.
func SortSignals(msgs []SignalMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}

// SessionDescription uses the same JSON shape as a browser RTCSessionDescription.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate uses the same JSON shape as a browser RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// DecodeDescription parses an offer or answer payload. The SDP must be
// non-empty.
func DecodeDescription(payload json.RawMessage) (SessionDescription, error) {
	var desc SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if desc.SDP == "" {
		return SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrMalformedPayload)
	}
	return desc, nil
}

// DecodeCandidate parses a candidate payload.
func DecodeCandidate(payload json.RawMessage) (ICECandidate, error) {
	var cand ICECandidate
	if err := json.Unmarshal(payload, &cand); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return cand, nil
}
