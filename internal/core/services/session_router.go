package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/tracing"

	"go.uber.org/zap"
)

// SessionRouter owns the opponent to session map and the signal buffer. Every
// method must run on the coordinator loop.
type SessionRouter struct {
	sessions map[domain.ParticipantID]*PeerSession
	buffer   *SignalBuffer
	roster   domain.Roster

	links     ports.PeerLinkFactory
	channel   ports.SignalChannel
	presenter ports.Presenter
	metrics   ports.SignalingMetrics

	sched        Scheduler
	outbox       *opChain
	restartDelay time.Duration
	sendTimeout  time.Duration

	logger *zap.SugaredLogger
}

const (
	DefaultRestartDelay = time.Second
	DefaultSendTimeout  = 10 * time.Second
)

// RouterConfig tunes restart and send behaviour. Zero values select the
// defaults above.
type RouterConfig struct {
	RestartDelay time.Duration
	SendTimeout  time.Duration
}

// NewSessionRouter creates a router for self. It owns no goroutines; every
// call must run on sched.
func NewSessionRouter(
	cfg RouterConfig,
	sched Scheduler,
	links ports.PeerLinkFactory,
	channel ports.SignalChannel,
	presenter ports.Presenter,
	metrics ports.SignalingMetrics,
	logger *zap.SugaredLogger,
) *SessionRouter {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if presenter == nil {
		presenter = nopPresenter{}
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &SessionRouter{
		sessions:     make(map[domain.ParticipantID]*PeerSession),
		buffer:       NewSignalBuffer(logger),
		links:        links,
		channel:      channel,
		presenter:    presenter,
		metrics:      metrics,
		sched:        sched,
		outbox:       newOpChain(sched),
		restartDelay: cfg.RestartDelay,
		sendTimeout:  cfg.SendTimeout,
		logger:       logger,
	}
}

// Route delivers one inbound signal to its session, resolves glare, or buffers
// it until a session exists.
func (r *SessionRouter) Route(msg domain.SignalMessage) {
	from := msg.SenderID
	if !msg.Kind.Valid() {
		r.logger.Warnw("dropping signal of unknown kind", "opponent_id", from, "kind", msg.Kind)
		r.metrics.SignalRouted(msg.Kind, ports.OutcomeDropped)
		return
	}
	if err := validatePayload(msg); err != nil {
		r.logger.Warnw("dropping malformed signal", "opponent_id", from, "kind", msg.Kind, "error", err)
		r.metrics.SignalRouted(msg.Kind, ports.OutcomeDropped)
		return
	}

	if s, ok := r.sessions[from]; ok {
		if s.CanAccept(msg.Kind) {
			s.Apply(msg)
			r.metrics.SignalRouted(msg.Kind, ports.OutcomeDelivered)
			return
		}
		if msg.Kind == domain.SignalOffer {
			r.logger.Warnw("offer supersedes current session, renegotiating as answerer",
				"opponent_id", from,
				"state", s.State(),
				"role", s.Role(),
			)
			r.metrics.SignalRouted(msg.Kind, ports.OutcomeGlare)
			if err := r.createSession(from, []domain.SignalMessage{msg}); err != nil {
				r.logger.Warnw("failed to replace session", "opponent_id", from, "error", err)
			}
			return
		}
		r.logger.Warnw("dropping signal the session cannot accept",
			"opponent_id", from,
			"kind", msg.Kind,
			"state", s.State(),
			"role", s.Role(),
		)
		r.metrics.SignalRouted(msg.Kind, ports.OutcomeDropped)
		return
	}

	if msg.Kind == domain.SignalAnswer {
		r.logger.Warnw("dropping answer without session", "opponent_id", from)
		r.metrics.SignalRouted(msg.Kind, ports.OutcomeDropped)
		return
	}
	if r.buffer.Record(from, msg) {
		r.metrics.SignalRouted(msg.Kind, ports.OutcomeBuffered)
	} else {
		r.metrics.SignalRouted(msg.Kind, ports.OutcomeDropped)
	}
}

// validatePayload rejects signals whose payload cannot be handed to a link, so
// a bad offer never replaces a session or a buffered offer.
func validatePayload(msg domain.SignalMessage) error {
	if msg.Kind.IsDescription() {
		desc, err := domain.DecodeDescription(msg.Payload)
		if err != nil {
			return err
		}
		if desc.Type != string(msg.Kind) {
			return fmt.Errorf("%w: %s signal carries a %q description", domain.ErrMalformedPayload, msg.Kind, desc.Type)
		}
		return nil
	}
	_, err := domain.DecodeCandidate(msg.Payload)
	return err
}

// CreateSession starts a session for a roster member, seeded with whatever was
// buffered for it.
func (r *SessionRouter) CreateSession(opponent domain.ParticipantID) error {
	if err := r.requireMember(opponent); err != nil {
		return err
	}
	return r.createSession(opponent, r.buffer.Take(opponent))
}

// CloseSession closes the opponent's session and forgets it.
func (r *SessionRouter) CloseSession(opponent domain.ParticipantID) {
	s, ok := r.sessions[opponent]
	if !ok {
		return
	}
	if s.Close() {
		r.metrics.SessionClosed("removed")
	}
	delete(r.sessions, opponent)
}

// Session returns the current session for opponent, closed or not.
func (r *SessionRouter) Session(opponent domain.ParticipantID) (*PeerSession, bool) {
	s, ok := r.sessions[opponent]
	return s, ok
}

// Buffered returns how many signals are waiting for opponent.
func (r *SessionRouter) Buffered(opponent domain.ParticipantID) int {
	return r.buffer.Len(opponent)
}

func (r *SessionRouter) setRoster(roster domain.Roster) {
	r.roster = roster
}

// closeAll is used on shutdown.
func (r *SessionRouter) closeAll() {
	for id := range r.sessions {
		r.CloseSession(id)
	}
}

func (r *SessionRouter) createSession(opponent domain.ParticipantID, seed []domain.SignalMessage) error {
	if err := r.requireMember(opponent); err != nil {
		return err
	}
	// Anything still buffered is older than the seed.
	r.buffer.Take(opponent)

	r.presenter.OpponentAwaitingConnection(opponent)
	if old, ok := r.sessions[opponent]; ok {
		if old.Close() {
			r.metrics.SessionClosed("replaced")
		}
		delete(r.sessions, opponent)
	}

	link, err := r.links.NewLink(opponent)
	if err != nil {
		r.logger.Errorw("failed to create peer link", "opponent_id", opponent, "error", err)
		r.scheduleRestart(opponent, nil)
		return fmt.Errorf("failed to create peer link: %w", err)
	}

	s := newPeerSession(opponent, link, seed, r.sched, r, r.logger)
	r.sessions[opponent] = s
	r.metrics.SessionOpened(s.Role())

	r.logger.Infow("created peer session",
		"opponent_id", opponent,
		"role", s.Role(),
		"seeded_signals", len(seed),
	)
	return nil
}

func (r *SessionRouter) requireMember(opponent domain.ParticipantID) error {
	if !r.roster.Contains(opponent) {
		r.logger.Warnw("refusing session for non-opponent", "opponent_id", opponent, "roster", r.roster)
		return fmt.Errorf("%w: %s", domain.ErrParticipantNotInRoster, opponent)
	}
	return nil
}

// scheduleRestart recreates a caller session after the restart delay if, at
// that time, the opponent is still in the roster and prev is still its
// current session (nil meaning no session).
func (r *SessionRouter) scheduleRestart(opponent domain.ParticipantID, prev *PeerSession) {
	r.metrics.RestartScheduled()
	r.sched.AfterFunc(r.restartDelay, func() {
		if !r.roster.Contains(opponent) {
			r.logger.Infow("skipping restart for departed opponent", "opponent_id", opponent)
			return
		}
		cur := r.sessions[opponent]
		if cur != prev {
			r.logger.Infow("skipping restart, session already replaced", "opponent_id", opponent)
			return
		}
		if err := r.createSession(opponent, nil); err != nil {
			r.logger.Warnw("restart failed", "opponent_id", opponent, "error", err)
		}
	})
}

func (r *SessionRouter) send(target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage) {
	if target == "" {
		panic(domain.ErrMissingTarget)
	}
	r.outbox.enqueue(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.sendTimeout)
		defer cancel()
		ctx, span := tracing.TraceSignal(ctx, string(kind), string(target))
		err := r.channel.Send(ctx, target, kind, payload)
		tracing.RecordError(ctx, err)
		span.End()
		return func() {
			r.metrics.SignalSent(kind, err)
			if err != nil {
				r.logger.Errorw("failed to send signal",
					"opponent_id", target,
					"kind", kind,
					"error", err,
				)
				return
			}
			r.logger.Debugw("sent signal", "opponent_id", target, "kind", kind)
		}
	})
}

func (r *SessionRouter) remoteMediaReady(s *PeerSession, media ports.MediaHandle) {
	if r.sessions[s.Opponent()] != s {
		return
	}
	r.logger.Infow("remote media ready", "opponent_id", s.Opponent(), "media_id", media.ID())
	r.presenter.RemoteMediaReady(s.Opponent(), media)
}

func (r *SessionRouter) sessionFailed(s *PeerSession) {
	if r.sessions[s.Opponent()] != s {
		return
	}
	r.metrics.SessionClosed("link_failed")
	r.logger.Warnw("peer session failed, scheduling restart as caller",
		"opponent_id", s.Opponent(),
		"delay", r.restartDelay,
	)
	r.presenter.OpponentAwaitingConnection(s.Opponent())
	r.scheduleRestart(s.Opponent(), s)
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened(domain.Role) {}
func (nopMetrics) SessionClosed(string) {}
func (nopMetrics) SignalRouted(domain.SignalKind, string) {}
func (nopMetrics) SignalSent(domain.SignalKind, error) {}
func (nopMetrics) RestartScheduled() {}
func (nopMetrics) RosterSize(int) {}

type nopPresenter struct{}

func (nopPresenter) OpponentAwaitingConnection(domain.ParticipantID) {}
func (nopPresenter) RemoteMediaReady(domain.ParticipantID, ports.MediaHandle) {}
