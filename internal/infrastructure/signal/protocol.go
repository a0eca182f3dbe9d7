package signal

import (
	"encoding/json"

	"rillcall/internal/core/domain"
)

// Frame types exchanged between a participant and the relay.
const (
	// FrameSend asks the relay to store a signal in Target's mailbox.
	FrameSend = "send"
	// FrameAccepted confirms a FrameSend with the same ID.
	FrameAccepted = "accepted"
	// FrameSignal delivers a stored signal to its target.
	FrameSignal = "signal"
	// FrameAck removes delivered signals, listed in IDs, from the mailbox.
	FrameAck = "ack"
	// FrameError reports a rejected frame. ID is set when the frame had one.
	FrameError = "error"
)

// Frame is the single JSON message shape on the relay websocket.
type Frame struct {
	Type      string               `json:"type"`
	ID        string               `json:"id,omitempty"`
	Target    domain.ParticipantID `json:"target,omitempty"`
	Sender    domain.ParticipantID `json:"sender,omitempty"`
	Timestamp int64                `json:"timestamp,omitempty"`
	Kind      domain.SignalKind    `json:"kind,omitempty"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
	IDs       []string             `json:"ids,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
}

func signalFrame(msg domain.SignalMessage) Frame {
	return Frame{
		Type:      FrameSignal,
		ID:        msg.ID,
		Sender:    msg.SenderID,
		Timestamp: msg.Timestamp,
		Kind:      msg.Kind,
		Payload:   msg.Payload,
	}
}

func (f Frame) signalMessage() domain.SignalMessage {
	return domain.SignalMessage{
		ID:        f.ID,
		SenderID:  f.Sender,
		Timestamp: f.Timestamp,
		Kind:      f.Kind,
		Payload:   f.Payload,
	}
}

func messageIDs(msgs []domain.SignalMessage) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}
