package services

import (
	"encoding/json"
	"fmt"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// sessionHost is the side of SessionRouter a PeerSession talks back to.
type sessionHost interface {
	send(target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage)
	remoteMediaReady(s *PeerSession, media ports.MediaHandle)
	sessionFailed(s *PeerSession)
}

type acceptKey struct {
	role  domain.Role
	state domain.SessionState
	kind  domain.SignalKind
}

// acceptTable lists every (role, state, kind) a session may apply.
var acceptTable = map[acceptKey]bool{
	{domain.RoleCaller, domain.StateNegotiating, domain.SignalAnswer}:     true,
	{domain.RoleCaller, domain.StateSDPApplied, domain.SignalCandidate}:   true,
	{domain.RoleCaller, domain.StateConnected, domain.SignalCandidate}:    true,
	{domain.RoleAnswerer, domain.StateNegotiating, domain.SignalOffer}:    true,
	{domain.RoleAnswerer, domain.StateSDPApplied, domain.SignalCandidate}: true,
	{domain.RoleAnswerer, domain.StateConnected, domain.SignalCandidate}:  true,
}

var transitions = map[domain.SessionState][]domain.SessionState{
	domain.StateCreated:     {domain.StateNegotiating, domain.StateClosed},
	domain.StateNegotiating: {domain.StateSDPApplied, domain.StateClosed},
	domain.StateSDPApplied:  {domain.StateConnected, domain.StateClosed},
	domain.StateConnected:   {domain.StateConnected, domain.StateClosed},
}

func canTransition(from, to domain.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PeerSession negotiates one link with one opponent. It is owned by the
// coordinator loop; PeerLink callbacks are re-posted onto the loop and become
// no-ops once the session is closed.
type PeerSession struct {
	opponent   domain.ParticipantID
	role       domain.Role
	state      domain.SessionState
	sdpApplied bool

	localSent    bool
	pendingLocal []domain.ICECandidate
	media        ports.MediaHandle

	link   ports.PeerLink
	ops    *opChain
	sched  Scheduler
	host   sessionHost
	logger *zap.SugaredLogger
}

// newPeerSession starts negotiating immediately. An empty seed makes a caller
// that produces an offer; otherwise seed[0] must be an offer and the session
// answers it after applying every seeded signal in order.
func newPeerSession(
	opponent domain.ParticipantID,
	link ports.PeerLink,
	seed []domain.SignalMessage,
	sched Scheduler,
	host sessionHost,
	logger *zap.SugaredLogger,
) *PeerSession {
	role := domain.RoleCaller
	if len(seed) > 0 {
		if seed[0].Kind != domain.SignalOffer {
			panic(fmt.Sprintf("answerer session for %s must be seeded with an offer, got %s", opponent, seed[0].Kind))
		}
		role = domain.RoleAnswerer
	}

	s := &PeerSession{
		opponent: opponent,
		role:     role,
		state:    domain.StateCreated,
		link:     link,
		ops:      newOpChain(sched),
		sched:    sched,
		host:     host,
		logger:   logger.With("opponent_id", opponent, "role", role),
	}
	s.bindLink()
	s.transition(domain.StateNegotiating)

	for _, msg := range seed {
		if !s.CanAccept(msg.Kind) {
			s.logger.Warnw("dropping buffered signal the session cannot accept", "kind", msg.Kind, "state", s.state)
			continue
		}
		s.Apply(msg)
	}
	if role == domain.RoleAnswerer && !s.sdpApplied {
		// Nothing to answer; fail like a broken link so the opponent is
		// retried as a caller.
		s.logger.Errorw("seed offer was not applied, abandoning session")
		s.Close()
		s.sched.Post(func() { s.host.sessionFailed(s) })
		return s
	}
	s.requestLocalDescription()
	return s
}

// Accessors for the router and for tests; call them on the scheduler.
func (s *PeerSession) Opponent() domain.ParticipantID { return s.opponent }
func (s *PeerSession) Role() domain.Role { return s.role }
func (s *PeerSession) State() domain.SessionState { return s.state }
func (s *PeerSession) SDPApplied() bool { return s.sdpApplied }
func (s *PeerSession) Closed() bool { return s.state == domain.StateClosed }

// RemoteMedia returns the remote media handle, nil until media arrives and
// after the session closes.
func (s *PeerSession) RemoteMedia() ports.MediaHandle { return s.media }

// CanAccept reports whether a signal of kind may be applied now. It has no
// side effects.
func (s *PeerSession) CanAccept(kind domain.SignalKind) bool {
	return acceptTable[acceptKey{s.role, s.state, kind}]
}

// Apply hands an inbound signal to the link. Callers must check CanAccept
// first.
func (s *PeerSession) Apply(msg domain.SignalMessage) {
	if !s.CanAccept(msg.Kind) {
		panic(fmt.Sprintf("session %s (%s, %s) cannot apply %s", s.opponent, s.role, s.state, msg.Kind))
	}

	if msg.Kind.IsDescription() {
		desc, err := domain.DecodeDescription(msg.Payload)
		if err != nil {
			s.logger.Errorw("rejecting remote description", "kind", msg.Kind, "error", err)
			return
		}
		s.sdpApplied = true
		s.transition(domain.StateSDPApplied)

		s.ops.enqueue(func() func() {
			err := s.link.SetRemoteDescription(desc)
			return func() {
				if err != nil && !s.Closed() {
					s.logger.Errorw("failed to apply remote description", "error", err)
				}
			}
		})
		return
	}

	cand, err := domain.DecodeCandidate(msg.Payload)
	if err != nil {
		s.logger.Errorw("rejecting remote candidate", "error", err)
		return
	}
	s.ops.enqueue(func() func() {
		err := s.link.AddRemoteCandidate(cand)
		return func() {
			if err != nil && !s.Closed() {
				s.logger.Errorw("failed to add remote candidate", "error", err)
			}
		}
	})
}

// Close tears the link down once. It reports whether this call closed the
// session.
func (s *PeerSession) Close() bool {
	if s.Closed() {
		return false
	}
	s.transition(domain.StateClosed)
	s.media = nil
	s.pendingLocal = nil

	// Closing does not wait for an in-flight operation; the link fails it.
	s.ops.reset()
	s.sched.Spawn(func() {
		if err := s.link.Close(); err != nil {
			s.sched.Post(func() {
				s.logger.Warnw("error closing peer link", "error", err)
			})
		}
	})
	return true
}

func (s *PeerSession) transition(to domain.SessionState) bool {
	if !canTransition(s.state, to) {
		return false
	}
	s.logger.Debugw("session state changed", "from", s.state, "to", to)
	s.state = to
	return true
}

func (s *PeerSession) bindLink() {
	s.link.OnLocalCandidate(func(c domain.ICECandidate) {
		s.sched.Post(func() { s.handleLocalCandidate(c) })
	})
	s.link.OnRemoteMedia(func(m ports.MediaHandle) {
		s.sched.Post(func() { s.handleRemoteMedia(m) })
	})
	s.link.OnStateChange(func(st domain.LinkState) {
		s.sched.Post(func() { s.handleLinkState(st) })
	})
}

func (s *PeerSession) localKind() domain.SignalKind {
	if s.role == domain.RoleCaller {
		return domain.SignalOffer
	}
	return domain.SignalAnswer
}

func (s *PeerSession) requestLocalDescription() {
	s.ops.enqueue(func() func() {
		var (
			desc      domain.SessionDescription
			createErr error
		)
		if s.role == domain.RoleCaller {
			desc, createErr = s.link.CreateOffer()
		} else {
			desc, createErr = s.link.CreateAnswer()
		}

		var setErr error
		if createErr == nil {
			setErr = s.link.SetLocalDescription(desc)
		}

		return func() {
			if s.Closed() {
				return
			}
			if createErr != nil {
				s.logger.Errorw("failed to create local description", "error", createErr)
				return
			}
			if setErr != nil {
				s.logger.Errorw("failed to apply local description", "error", setErr)
			}
			s.sendLocalDescription(desc)
		}
	})
}

func (s *PeerSession) sendLocalDescription(desc domain.SessionDescription) {
	if s.localSent {
		s.logger.Debugw("local description already sent")
		return
	}
	payload, err := json.Marshal(desc)
	if err != nil {
		s.logger.Errorw("failed to encode local description", "error", err)
		return
	}
	s.localSent = true
	s.host.send(s.opponent, s.localKind(), payload)

	// Candidates gathered before the description went out follow it.
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		s.sendCandidate(c)
	}
}

func (s *PeerSession) handleLocalCandidate(c domain.ICECandidate) {
	if s.Closed() {
		s.logger.Debugw("local candidate after close")
		return
	}
	if !s.localSent {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	s.sendCandidate(c)
}

func (s *PeerSession) sendCandidate(c domain.ICECandidate) {
	payload, err := json.Marshal(c)
	if err != nil {
		s.logger.Errorw("failed to encode local candidate", "error", err)
		return
	}
	s.host.send(s.opponent, domain.SignalCandidate, payload)
}

func (s *PeerSession) handleRemoteMedia(m ports.MediaHandle) {
	if s.Closed() {
		s.logger.Debugw("remote media after close")
		return
	}
	if !s.transition(domain.StateConnected) {
		s.logger.Warnw("ignoring remote media before remote description", "state", s.state)
		return
	}
	s.media = m
	s.host.remoteMediaReady(s, m)
}

func (s *PeerSession) handleLinkState(st domain.LinkState) {
	if s.Closed() {
		return
	}
	s.logger.Infow("peer link state changed", "link_state", st)
	if !st.Terminal() {
		return
	}
	s.Close()
	s.host.sessionFailed(s)
}
