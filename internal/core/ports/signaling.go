package ports

import (
	"context"
	"encoding/json"

	"rillcall/internal/core/domain"
)

// PeerLink is the media negotiation object for one opponent. Methods may block;
// callers run them off the coordinator loop. Callbacks may fire on any goroutine.
type PeerLink interface {
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddRemoteCandidate(cand domain.ICECandidate) error

	OnLocalCandidate(fn func(domain.ICECandidate))
	OnRemoteMedia(fn func(MediaHandle))
	OnStateChange(fn func(domain.LinkState))

	Close() error
}

// PeerLinkFactory builds a fresh PeerLink for each new session.
type PeerLinkFactory interface {
	NewLink(opponent domain.ParticipantID) (PeerLink, error)
}

// MediaHandle is an opaque reference to the remote media of one link.
type MediaHandle interface {
	ID() string
}

// SignalChannel delivers signaling messages addressed to the local participant.
//
// Fetch blocks until at least one message is pending or ctx is done and may
// return an empty batch when a transport wait times out. Messages returned by
// Fetch stay pending until passed to Ack.
type SignalChannel interface {
	Send(ctx context.Context, target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage) error
	Fetch(ctx context.Context) ([]domain.SignalMessage, error)
	Ack(ctx context.Context, msgs []domain.SignalMessage) error
	Close() error
}

// Presenter receives the notifications meant for the UI layer.
type Presenter interface {
	OpponentAwaitingConnection(opponent domain.ParticipantID)
	RemoteMediaReady(opponent domain.ParticipantID, media MediaHandle)
}
