package domain

// Role is fixed when a session is created.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleAnswerer Role = "answerer"
)

// SessionState is the negotiation state of one PeerSession.
type SessionState int

const (
	StateCreated SessionState = iota
	StateNegotiating
	StateSDPApplied
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StateSDPApplied:
		return "sdp_applied"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// LinkState is the connection state reported by a PeerLink.
type LinkState string

const (
	LinkNew          LinkState = "new"
	LinkChecking     LinkState = "checking"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Terminal reports whether the link can no longer carry media without a new
// negotiation.
func (s LinkState) Terminal() bool {
	return s == LinkFailed || s == LinkDisconnected || s == LinkClosed
}
