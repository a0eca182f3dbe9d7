package services

import (
	"context"
	"errors"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/retry"
	"rillcall/pkg/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CoordinatorConfig configures one local participant.
type CoordinatorConfig struct {
	Self         domain.ParticipantID
	RestartDelay time.Duration
	SendTimeout  time.Duration
	FetchRetry   retry.Config
}

const fetchErrorPause = time.Second

// SessionInfo is a read-only view of one session.
type SessionInfo struct {
	Opponent    domain.ParticipantID `json:"opponent"`
	Role        domain.Role          `json:"role"`
	State       string               `json:"state"`
	SDPApplied  bool                 `json:"sdp_applied"`
	HasMedia    bool                 `json:"has_media"`
	BufferedFor int                  `json:"buffered"`
}

// Coordinator owns the event loop, the router and the reconciler for one local
// participant and pumps inbound signals from the channel into the router.
type Coordinator struct {
	self       domain.ParticipantID
	loop       *EventLoop
	router     *SessionRouter
	reconciler *RosterReconciler
	channel    ports.SignalChannel
	fetchRetry retry.Config
	tracer     trace.Tracer
	logger     *zap.SugaredLogger
}

// NewCoordinator creates a coordinator for self. Call Run to start it.
func NewCoordinator(
	cfg CoordinatorConfig,
	channel ports.SignalChannel,
	links ports.PeerLinkFactory,
	presenter ports.Presenter,
	metrics ports.SignalingMetrics,
	logger *zap.SugaredLogger,
) *Coordinator {
	logger = logger.With("participant_id", cfg.Self)
	loop := NewEventLoop()
	router := NewSessionRouter(RouterConfig{
		RestartDelay: cfg.RestartDelay,
		SendTimeout:  cfg.SendTimeout,
	}, loop, links, channel, presenter, metrics, logger)

	return &Coordinator{
		self:       cfg.Self,
		loop:       loop,
		router:     router,
		reconciler: NewRosterReconciler(router, logger),
		channel:    channel,
		fetchRetry: cfg.FetchRetry,
		tracer:     otel.Tracer("rillcall/signaling"),
		logger:     logger,
	}
}

// Run drives the loop and the inbound pump until ctx is done, then closes
// every session.
func (c *Coordinator) Run(ctx context.Context) error {
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.pump(ctx)
	}()

	err := c.loop.Run(ctx)
	<-pumpDone

	// The loop is stopped, so nothing else touches the router now.
	c.router.closeAll()
	c.logger.Infow("coordinator stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// UpdateRoster replaces the opponent list.
func (c *Coordinator) UpdateRoster(opponents []domain.ParticipantID) {
	c.loop.Post(func() {
		c.reconciler.Update(opponents)
	})
}

// UpdateParticipants takes the full participant list, which must include the
// local participant, and updates the roster with everyone else.
func (c *Coordinator) UpdateParticipants(participants []domain.ParticipantID) error {
	opponents, err := domain.OpponentsOf(c.self, participants)
	if err != nil {
		return err
	}
	c.UpdateRoster(opponents)
	return nil
}

// Sessions returns a snapshot taken on the loop.
func (c *Coordinator) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	err := c.loop.Do(ctx, func() {
		for _, id := range c.reconciler.Roster() {
			info := SessionInfo{Opponent: id, BufferedFor: c.router.Buffered(id)}
			if s, ok := c.router.Session(id); ok {
				info.Role = s.Role()
				info.State = s.State().String()
				info.SDPApplied = s.SDPApplied()
				info.HasMedia = s.RemoteMedia() != nil
			}
			out = append(out, info)
		}
	})
	return out, err
}

// pump fetches one batch at a time, routes it on the loop and acknowledges it
// before fetching the next.
func (c *Coordinator) pump(ctx context.Context) {
	for ctx.Err() == nil {
		batch, err := retry.DoWithResult(ctx, c.fetchRetry, func() ([]domain.SignalMessage, error) {
			return c.channel.Fetch(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrChannelClosed) {
				c.logger.Warnw("signal channel closed, stopping inbound pump")
				return
			}
			c.logger.Errorw("failed to fetch signals", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchErrorPause):
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}
		domain.SortSignals(batch)

		routed := make(chan struct{})
		c.loop.Post(func() {
			c.routeBatch(ctx, batch)
			close(routed)
		})
		select {
		case <-routed:
		case <-ctx.Done():
			return
		}

		if err := c.channel.Ack(ctx, batch); err != nil {
			c.logger.Errorw("failed to acknowledge signals", "count", len(batch), "error", err)
		}
	}
}

func (c *Coordinator) routeBatch(ctx context.Context, batch []domain.SignalMessage) {
	spanCtx, span := c.tracer.Start(ctx, "signaling.route_batch",
		trace.WithAttributes(
			tracing.ParticipantIDKey.String(string(c.self)),
			attribute.Int("batch.size", len(batch)),
		),
	)
	defer span.End()
	defer tracing.MeasureDuration(spanCtx, time.Now(), "route_batch")

	for _, msg := range batch {
		c.logger.Debugw("routing signal",
			"opponent_id", msg.SenderID,
			"kind", msg.Kind,
			"timestamp", msg.Timestamp,
		)
		c.router.Route(msg)
	}
}
