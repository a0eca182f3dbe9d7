package ports

import "rillcall/internal/core/domain"

// Signal routing outcomes reported to SignalingMetrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeBuffered  = "buffered"
	OutcomeDropped   = "dropped"
	OutcomeGlare     = "glare"
)

// SignalingMetrics receives session and routing events from the coordinator.
type SignalingMetrics interface {
	SessionOpened(role domain.Role)
	SessionClosed(reason string)
	SignalRouted(kind domain.SignalKind, outcome string)
	SignalSent(kind domain.SignalKind, err error)
	RestartScheduled()
	RosterSize(n int)
}

// RelayMetrics receives connection and frame events from the relay.
type RelayMetrics interface {
	RelayConnected()
	RelayDisconnected()
	FrameRelayed(frameType string)
	FrameRejected(code string)
}
