package services

import (
	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"

	"go.uber.org/zap"
)

// RosterReconciler turns roster replacements into session creates, reuses and
// closes. It runs on the coordinator loop.
type RosterReconciler struct {
	router    *SessionRouter
	presenter ports.Presenter
	metrics   ports.SignalingMetrics
	current   domain.Roster
	logger    *zap.SugaredLogger
}

// NewRosterReconciler creates a reconciler driving router.
func NewRosterReconciler(router *SessionRouter, logger *zap.SugaredLogger) *RosterReconciler {
	return &RosterReconciler{
		router:    router,
		presenter: router.presenter,
		metrics:   router.metrics,
		logger:    logger,
	}
}

// Update replaces the roster. All removals happen before any creation.
func (rr *RosterReconciler) Update(ids []domain.ParticipantID) {
	next := domain.NewRoster(ids)
	removed, added, kept := domain.Diff(rr.current, next)

	rr.logger.Infow("roster updated",
		"roster", next,
		"removed", removed,
		"added", added,
		"kept", kept,
	)

	rr.current = next
	rr.router.setRoster(next)
	rr.metrics.RosterSize(len(next))

	for _, id := range removed {
		rr.router.CloseSession(id)
	}

	for _, id := range kept {
		s, ok := rr.router.Session(id)
		if !ok {
			// The previous attempt never got a link; try again.
			if err := rr.router.CreateSession(id); err != nil {
				rr.logger.Warnw("failed to create session for kept opponent", "opponent_id", id, "error", err)
			}
			continue
		}
		if media := s.RemoteMedia(); media != nil {
			rr.presenter.RemoteMediaReady(id, media)
		} else {
			rr.presenter.OpponentAwaitingConnection(id)
		}
	}

	for _, id := range added {
		if err := rr.router.CreateSession(id); err != nil {
			rr.logger.Warnw("failed to create session for new opponent", "opponent_id", id, "error", err)
		}
	}
}

// Roster returns the current roster.
func (rr *RosterReconciler) Roster() domain.Roster {
	return rr.current
}
