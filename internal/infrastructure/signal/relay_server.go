package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/tracing"
	"rillcall/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayConfig configures a RelayServer. Zero timeouts and sizes select the
// DefaultRelayConfig values.
type RelayConfig struct {
	PingInterval time.Duration
	// ReadTimeout is extended by every frame and pong.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MailboxSize  int
	// MessagesPerSecond limits send frames per connection; zero disables it.
	MessagesPerSecond float64
	MessageBurst      int
	// MaxFrameBytes bounds one inbound frame; zero means unlimited.
	MaxFrameBytes int64
	// AllowedOrigins lists accepted Origin headers; "*" or an empty list
	// accepts any origin.
	AllowedOrigins []string
}

// DefaultRelayConfig returns the relay settings used by cmd/relay.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MailboxSize:       256,
		MessagesPerSecond: 50,
		MessageBurst:      100,
		MaxFrameBytes:     64 * 1024,
	}
}

// RelayServer stores signals in per-participant mailboxes and pushes them to
// their target over a websocket. A signal stays in the mailbox until its
// target acknowledges it, and is redelivered on reconnect. Signals a
// participant sent that were never acknowledged are purged when that
// participant disconnects.
type RelayServer struct {
	cfg      RelayConfig
	metrics  ports.RelayMetrics
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[domain.ParticipantID]*relayClient
	mailboxes map[domain.ParticipantID][]domain.SignalMessage
	lastStamp int64

	logger *zap.SugaredLogger
}

type relayClient struct {
	id      domain.ParticipantID
	conn    *websocket.Conn
	writeMu sync.Mutex
	limiter *rate.Limiter
	timeout time.Duration
}

func (c *relayClient) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(f)
}

func (c *relayClient) writeLocked(f Frame) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteJSON(f)
}

// redeliver writes backlog ahead of any push. The caller holds writeMu from
// before the client became visible to senders.
func (c *relayClient) redeliver(backlog []domain.SignalMessage) error {
	defer c.writeMu.Unlock()
	for _, msg := range backlog {
		if err := c.writeLocked(signalFrame(msg)); err != nil {
			return err
		}
	}
	return nil
}

func (c *relayClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin.
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// NewRelayServer creates a relay. A nil metrics sink disables metrics.
func NewRelayServer(cfg RelayConfig, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *RelayServer {
	def := DefaultRelayConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}
	return &RelayServer{
		cfg:     cfg,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients:   make(map[domain.ParticipantID]*relayClient),
		mailboxes: make(map[domain.ParticipantID][]domain.SignalMessage),
		logger:    logger,
	}
}

// HandleWebSocket serves one participant connection until it closes. The
// caller has already authenticated participant.
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request, participant domain.ParticipantID) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if s.cfg.MaxFrameBytes > 0 {
		conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}

	client := &relayClient{
		id:      participant,
		conn:    conn,
		timeout: s.cfg.WriteTimeout,
	}
	if s.cfg.MessagesPerSecond > 0 {
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}

	// Pushes for this client wait until the backlog has been written.
	client.writeMu.Lock()

	s.mu.Lock()
	existing, isReconnect := s.clients[participant]
	if isReconnect {
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting participant", "participant_id", participant)
	}
	s.clients[participant] = client
	backlog := append([]domain.SignalMessage(nil), s.mailboxes[participant]...)
	s.mu.Unlock()

	s.metrics.RelayConnected()
	s.logger.Infow("participant connected", "participant_id", participant, "reconnect", isReconnect, "backlog", len(backlog))

	if err := client.redeliver(backlog); err != nil {
		s.logger.Infow("failed to redeliver signals", "participant_id", participant, "error", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	frames := make(chan Frame, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			select {
			case frames <- f:
			case <-done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case f := <-frames:
			if err := s.handleFrame(r.Context(), client, f); err != nil {
				appErr := apperrors.AsAppError(err)
				s.metrics.FrameRejected(string(appErr.Code))
				s.logger.Infow("rejected frame", "participant_id", participant, "type", f.Type, "error", err)
				s.sendError(client, f.ID, appErr)
			}

		case <-pingTicker.C:
			if err := client.ping(); err != nil {
				s.logger.Infow("error sending ping", "participant_id", participant, "error", err)
				break loop
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading frame", "participant_id", participant, "error", err)
			}
			break loop
		}
	}

	s.disconnect(client)
}

func (s *RelayServer) disconnect(client *relayClient) {
	s.mu.Lock()
	if s.clients[client.id] != client {
		// Replaced by a newer connection; its signals stay.
		s.mu.Unlock()
		s.metrics.RelayDisconnected()
		return
	}
	delete(s.clients, client.id)
	purged := s.purgeFromLocked(client.id)
	s.mu.Unlock()

	s.metrics.RelayDisconnected()
	s.logger.Infow("participant disconnected", "participant_id", client.id, "purged_signals", purged)
}

// purgeFromLocked drops every stored signal sent by sender.
func (s *RelayServer) purgeFromLocked(sender domain.ParticipantID) int {
	purged := 0
	for target, msgs := range s.mailboxes {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.SenderID == sender {
				purged++
				continue
			}
			kept = append(kept, m)
		}
		if len(kept) == 0 {
			delete(s.mailboxes, target)
		} else {
			s.mailboxes[target] = kept
		}
	}
	return purged
}

func (s *RelayServer) handleFrame(ctx context.Context, client *relayClient, f Frame) (err error) {
	ctx, span := tracing.TraceRelayFrame(ctx, f.Type, string(client.id))
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()

	switch f.Type {
	case FrameSend:
		return s.handleSend(ctx, client, f)
	case FrameAck:
		s.handleAck(client, f.IDs)
		return nil
	case "":
		return apperrors.NewInvalidInputError("frame type is required")
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown frame type: %s", f.Type))
	}
}

func (s *RelayServer) handleSend(_ context.Context, client *relayClient, f Frame) error {
	if client.limiter != nil && !client.limiter.Allow() {
		return apperrors.NewRateLimitError()
	}
	if err := validation.ValidateParticipantID(string(f.Target)); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid target: %v", err))
	}
	if f.Target == client.id {
		return apperrors.NewInvalidInputError("cannot signal yourself")
	}
	if !f.Kind.Valid() {
		return apperrors.NewInvalidInputError(fmt.Sprintf("%v: %q", domain.ErrUnknownSignalKind, f.Kind))
	}
	if len(f.Payload) == 0 || !json.Valid(f.Payload) {
		return apperrors.NewInvalidInputError(domain.ErrMalformedPayload.Error())
	}

	s.mu.Lock()
	if len(s.mailboxes[f.Target]) >= s.cfg.MailboxSize {
		s.mu.Unlock()
		return apperrors.NewMailboxFullError(string(f.Target))
	}
	msg := domain.SignalMessage{
		ID:        uuid.NewString(),
		SenderID:  client.id,
		Timestamp: s.stampLocked(),
		Kind:      f.Kind,
		Payload:   f.Payload,
	}
	s.mailboxes[f.Target] = append(s.mailboxes[f.Target], msg)
	target := s.clients[f.Target]
	s.mu.Unlock()

	if err := client.write(Frame{Type: FrameAccepted, ID: f.ID}); err != nil {
		s.logger.Infow("failed to confirm send", "participant_id", client.id, "error", err)
	}
	s.metrics.FrameRelayed(FrameSend)

	s.logger.Debugw("stored signal",
		"from", client.id,
		"to", f.Target,
		"kind", f.Kind,
		"online", target != nil,
	)

	if target != nil {
		if err := target.write(signalFrame(msg)); err != nil {
			// Still stored; redelivered when the target reconnects.
			s.logger.Infow("failed to push signal", "participant_id", f.Target, "error", err)
		} else {
			s.metrics.FrameRelayed(FrameSignal)
		}
	}
	return nil
}

func (s *RelayServer) handleAck(client *relayClient, ids []string) {
	if len(ids) == 0 {
		return
	}
	acked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		acked[id] = struct{}{}
	}

	s.mu.Lock()
	msgs := s.mailboxes[client.id]
	kept := msgs[:0]
	for _, m := range msgs {
		if _, ok := acked[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(s.mailboxes, client.id)
	} else {
		s.mailboxes[client.id] = kept
	}
	s.mu.Unlock()

	s.metrics.FrameRelayed(FrameAck)
}

// stampLocked returns a strictly increasing microsecond timestamp.
func (s *RelayServer) stampLocked() int64 {
	now := time.Now().UnixMicro()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *RelayServer) sendError(client *relayClient, id string, appErr *apperrors.AppError) {
	err := client.write(Frame{
		Type:    FrameError,
		ID:      id,
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if err != nil {
		s.logger.Infow("failed to send error frame", "participant_id", client.id, "error", err)
	}
}

// RelayStats is a point-in-time view for health reporting.
type RelayStats struct {
	Connections    int `json:"connections"`
	Mailboxes      int `json:"mailboxes"`
	PendingSignals int `json:"pending_signals"`
}

// OriginAllowed reports whether r's Origin header passes cfg.AllowedOrigins.
func (s *RelayServer) OriginAllowed(r *http.Request) bool {
	return s.upgrader.CheckOrigin(r)
}

// Stats returns a snapshot of connection and mailbox counters.
func (s *RelayServer) Stats() RelayStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RelayStats{
		Connections: len(s.clients),
		Mailboxes:   len(s.mailboxes),
	}
	for _, msgs := range s.mailboxes {
		stats.PendingSignals += len(msgs)
	}
	return stats
}

func (s *RelayServer) ConnectedParticipants() []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]domain.ParticipantID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether participant holds a live connection.
func (s *RelayServer) IsConnected(participant domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.clients[participant]
	return ok
}

// Pending returns how many signals wait in participant's mailbox.
func (s *RelayServer) Pending(participant domain.ParticipantID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mailboxes[participant])
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) RelayConnected() {}
func (nopRelayMetrics) RelayDisconnected() {}
func (nopRelayMetrics) FrameRelayed(string) {}
func (nopRelayMetrics) FrameRejected(string) {}
