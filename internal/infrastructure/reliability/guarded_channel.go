package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// GuardedChannel wraps a SignalChannel with one circuit breaker per target.
// While a target's breaker is open, sends to it fail fast instead of waiting
// out the send timeout, e.g. while the relay reports that target's mailbox
// full. Fetch and Ack pass straight through.
type GuardedChannel struct {
	ports.SignalChannel

	config circuitbreaker.Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[domain.ParticipantID]*circuitbreaker.CircuitBreaker
}

var _ ports.SignalChannel = (*GuardedChannel)(nil)

// NewGuardedChannel wraps channel with one breaker per send target.
func NewGuardedChannel(channel ports.SignalChannel, config circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedChannel {
	if config.IsFailure == nil {
		config.IsFailure = isSendFailure
	}
	return &GuardedChannel{
		SignalChannel: channel,
		config:        config,
		logger:        logger,
		breakers:      make(map[domain.ParticipantID]*circuitbreaker.CircuitBreaker),
	}
}

// isSendFailure ignores errors caused by our own shutdown.
func isSendFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrChannelClosed)
}

func (g *GuardedChannel) breaker(target domain.ParticipantID) *circuitbreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[target]
	if ok {
		return cb
	}
	cb = circuitbreaker.New(g.config)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		g.logger.Warnw("signal circuit breaker state changed",
			"opponent_id", target,
			"from", from.String(),
			"to", to.String(),
		)
	})
	g.breakers[target] = cb
	return cb
}

// Send fails fast with circuitbreaker.ErrOpen while the target's
// breaker is open.
func (g *GuardedChannel) Send(ctx context.Context, target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage) error {
	err := g.breaker(target).Execute(func() error {
		return g.SignalChannel.Send(ctx, target, kind, payload)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("signal to %s rejected: %w", target, err)
	}
	return err
}

// Retain drops the breakers of every target not in participants, so
// opponents that left the roster do not keep state around.
func (g *GuardedChannel) Retain(participants []domain.ParticipantID) {
	keep := make(map[domain.ParticipantID]struct{}, len(participants))
	for _, id := range participants {
		keep[id] = struct{}{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for target, cb := range g.breakers {
		if _, ok := keep[target]; ok {
			continue
		}
		stats := cb.Stats()
		g.logger.Debugw("dropping signal circuit breaker",
			"opponent_id", target,
			"state", stats.State.String(),
			"failures", stats.Failures,
		)
		delete(g.breakers, target)
	}
}
