package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketChannelConfig struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8081/ws.
	URL          string
	Token        string
	WriteTimeout time.Duration
	DialRetry    retry.Config
}

// WebSocketChannel is a SignalChannel backed by a RelayServer connection. It
// reconnects on its own; the relay redelivers unacknowledged signals and the
// channel drops the ones it already holds.
type WebSocketChannel struct {
	cfg    WebSocketChannelConfig
	self   domain.ParticipantID
	dialer *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	inbox   []domain.SignalMessage
	held    map[string]struct{}
	acked   *recentIDs
	pending map[string]chan error
	notify  chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.SugaredLogger
}

// DialWebSocketChannel connects to the relay, retrying per cfg.DialRetry.
func DialWebSocketChannel(ctx context.Context, self domain.ParticipantID, cfg WebSocketChannelConfig, logger *zap.SugaredLogger) (*WebSocketChannel, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	c := &WebSocketChannel{
		cfg:     cfg,
		self:    self,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		held:    make(map[string]struct{}),
		acked:   newRecentIDs(1024),
		pending: make(map[string]chan error),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger.With("participant_id", self, "transport", "websocket"),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.setConn(conn)
	go c.readLoop(conn)
	return c, nil
}

func (c *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	policy := c.cfg.DialRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warnw("relay dial failed, retrying", "url", c.cfg.URL, "attempt", attempt, "delay", delay, "error", err)
	}
	return retry.DoWithResult(ctx, policy, func() (*websocket.Conn, error) {
		conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return nil, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized, "relay rejected credentials", resp.StatusCode)
			}
			return nil, fmt.Errorf("failed to dial relay: %w", err)
		}
		return conn, nil
	})
}

func (c *WebSocketChannel) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *WebSocketChannel) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *WebSocketChannel) write(f Frame) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("relay connection is down")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(f)
}

// Send writes a send frame and waits for the relay to accept or reject it.
func (c *WebSocketChannel) Send(ctx context.Context, target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage) error {
	if target == "" {
		return domain.ErrMissingTarget
	}
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}

	id := uuid.NewString()
	result := make(chan error, 1)
	c.mu.Lock()
	c.pending[id] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.write(Frame{
		Type:    FrameSend,
		ID:      id,
		Target:  target,
		Kind:    kind,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to send signal to %s: %w", target, err)
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return domain.ErrChannelClosed
	}
}

// Fetch returns every held signal, blocking while there are none.
func (c *WebSocketChannel) Fetch(ctx context.Context) ([]domain.SignalMessage, error) {
	for {
		c.mu.Lock()
		if len(c.inbox) > 0 {
			batch := append([]domain.SignalMessage(nil), c.inbox...)
			c.mu.Unlock()
			return batch, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, domain.ErrChannelClosed
		case <-c.notify:
		}
	}
}

// Ack forgets the signals locally and tells the relay to drop them.
func (c *WebSocketChannel) Ack(_ context.Context, msgs []domain.SignalMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := messageIDs(msgs)

	c.mu.Lock()
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
		delete(c.held, id)
		c.acked.add(id)
	}
	kept := c.inbox[:0]
	for _, m := range c.inbox {
		if _, ok := remove[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	c.inbox = kept
	c.mu.Unlock()

	// A lost ack is repaired when the relay redelivers after reconnect.
	if err := c.write(Frame{Type: FrameAck, IDs: ids}); err != nil {
		return fmt.Errorf("failed to acknowledge signals: %w", err)
	}
	return nil
}

// Close disconnects from the relay, which then purges this participant's
// undelivered signals.
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		conn := c.currentConn()
		if conn == nil {
			return
		}
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warnw("relay connection lost", "error", err)
			c.failPending(fmt.Errorf("relay connection lost: %w", err))

			conn = c.reconnect()
			if conn == nil {
				return
			}
			continue
		}
		c.handleFrame(f)
	}
}

func (c *WebSocketChannel) reconnect() *websocket.Conn {
	c.setConn(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, err := c.dial(ctx)
		if err == nil {
			c.setConn(conn)
			c.logger.Infow("reconnected to relay")
			return conn
		}
		select {
		case <-c.done:
			return nil
		case <-time.After(time.Second):
		}
		c.logger.Errorw("relay reconnect failed", "error", err)
	}
}

func (c *WebSocketChannel) handleFrame(f Frame) {
	switch f.Type {
	case FrameSignal:
		c.mu.Lock()
		_, dup := c.held[f.ID]
		if c.acked.has(f.ID) {
			c.mu.Unlock()
			// Redelivered after an ack that never reached the relay.
			if err := c.write(Frame{Type: FrameAck, IDs: []string{f.ID}}); err != nil {
				c.logger.Warnw("failed to re-acknowledge signal", "id", f.ID, "error", err)
			}
			return
		}
		if !dup {
			c.held[f.ID] = struct{}{}
			c.inbox = append(c.inbox, f.signalMessage())
		}
		c.mu.Unlock()

		select {
		case c.notify <- struct{}{}:
		default:
		}

	case FrameAccepted:
		c.resolve(f.ID, nil)

	case FrameError:
		appErr := apperrors.NewAppError(apperrors.ErrorCode(f.Code), f.Message, 0)
		if f.ID == "" || !c.resolve(f.ID, appErr) {
			c.logger.Warnw("relay reported an error", "code", f.Code, "message", f.Message)
		}

	default:
		c.logger.Debugw("ignoring unknown frame", "type", f.Type)
	}
}

func (c *WebSocketChannel) resolve(id string, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (c *WebSocketChannel) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- err:
		default:
		}
		delete(c.pending, id)
	}
}

// recentIDs remembers the last n ids.
type recentIDs struct {
	set   map[string]struct{}
	order []string
	limit int
}

func newRecentIDs(limit int) *recentIDs {
	return &recentIDs{set: make(map[string]struct{}, limit), limit: limit}
}

func (r *recentIDs) add(id string) {
	if _, ok := r.set[id]; ok {
		return
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.limit {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recentIDs) has(id string) bool {
	_, ok := r.set[id]
	return ok
}
