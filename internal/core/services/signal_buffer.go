package services

import (
	"rillcall/internal/core/domain"

	"go.uber.org/zap"
)

// SignalBuffer holds signals from opponents that have no session yet: at most
// one pending offer followed by the candidates that arrived after it.
type SignalBuffer struct {
	pending map[domain.ParticipantID][]domain.SignalMessage
	logger  *zap.SugaredLogger
}

// NewSignalBuffer creates an empty buffer.
func NewSignalBuffer(logger *zap.SugaredLogger) *SignalBuffer {
	return &SignalBuffer{
		pending: make(map[domain.ParticipantID][]domain.SignalMessage),
		logger:  logger,
	}
}

// Record buffers msg for opponent and reports whether it was kept. An offer
// replaces everything buffered before it; a candidate is kept only behind a
// pending offer; answers are never kept.
func (b *SignalBuffer) Record(opponent domain.ParticipantID, msg domain.SignalMessage) bool {
	switch msg.Kind {
	case domain.SignalOffer:
		if stale, ok := b.pending[opponent]; ok {
			b.logger.Warnw("discarding stale buffered signals",
				"opponent_id", opponent,
				"discarded", len(stale),
			)
		}
		b.pending[opponent] = []domain.SignalMessage{msg}
		return true

	case domain.SignalCandidate:
		existing, ok := b.pending[opponent]
		if !ok {
			b.logger.Debugw("dropping candidate without pending offer", "opponent_id", opponent)
			return false
		}
		b.pending[opponent] = append(existing, msg)
		return true

	default:
		b.logger.Warnw("dropping unbufferable signal",
			"opponent_id", opponent,
			"kind", msg.Kind,
		)
		return false
	}
}

// Take removes and returns everything buffered for opponent.
func (b *SignalBuffer) Take(opponent domain.ParticipantID) []domain.SignalMessage {
	msgs := b.pending[opponent]
	delete(b.pending, opponent)
	return msgs
}

// Len returns how many signals are buffered for opponent.
func (b *SignalBuffer) Len(opponent domain.ParticipantID) int {
	return len(b.pending[opponent])
}
