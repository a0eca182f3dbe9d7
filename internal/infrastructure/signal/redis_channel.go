package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"rillcall/internal/core/domain"
	"rillcall/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RedisChannelConfig struct {
	Prefix string
	// MaxLen caps each mailbox stream, approximately.
	MaxLen int64
	// TTL is refreshed on every send so abandoned mailboxes expire.
	TTL time.Duration
	// Block bounds one XREAD; Fetch returns an empty batch when it elapses.
	Block time.Duration
	Count int64
}

// DefaultRedisChannelConfig returns the settings used when none are configured.
func DefaultRedisChannelConfig() RedisChannelConfig {
	return RedisChannelConfig{
		Prefix: "rillcall:signals:",
		MaxLen: 1000,
		TTL:    10 * time.Minute,
		Block:  5 * time.Second,
		Count:  100,
	}
}

// RedisChannel keeps one Redis stream per participant as its mailbox. Stream
// entry ids double as message ids and ordering keys.
type RedisChannel struct {
	client *redis.Client
	self   domain.ParticipantID
	cfg    RedisChannelConfig

	mu     sync.Mutex
	cursor string
	sent   map[domain.ParticipantID][]string
	closed bool

	logger *zap.SugaredLogger
}

// NewRedisChannel creates a channel reading the stream of self and writing to
// the streams of its opponents.
func NewRedisChannel(client *redis.Client, self domain.ParticipantID, cfg RedisChannelConfig, logger *zap.SugaredLogger) *RedisChannel {
	def := DefaultRedisChannelConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = def.MaxLen
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	if cfg.Count <= 0 {
		cfg.Count = def.Count
	}
	return &RedisChannel{
		client: client,
		self:   self,
		cfg:    cfg,
		cursor: "0",
		sent:   make(map[domain.ParticipantID][]string),
		logger: logger.With("participant_id", self, "transport", "redis"),
	}
}

func (c *RedisChannel) key(id domain.ParticipantID) string {
	return c.cfg.Prefix + string(id)
}

// Send adds the signal to the target's stream, trimmed to MaxLen.
func (c *RedisChannel) Send(ctx context.Context, target domain.ParticipantID, kind domain.SignalKind, payload json.RawMessage) error {
	if target == "" {
		return domain.ErrMissingTarget
	}
	if c.isClosed() {
		return domain.ErrChannelClosed
	}

	key := c.key(target)
	ctx, span := tracing.TraceStreamOperation(ctx, "xadd", key)
	defer span.End()

	pipe := c.client.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: c.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"sender":  string(c.self),
			"kind":    string(kind),
			"payload": string(payload),
		},
	})
	pipe.Expire(ctx, key, c.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to append signal for %s: %w", target, err)
	}

	c.mu.Lock()
	ids := append(c.sent[target], add.Val())
	if int64(len(ids)) > c.cfg.MaxLen {
		ids = ids[int64(len(ids))-c.cfg.MaxLen:]
	}
	c.sent[target] = ids
	c.mu.Unlock()
	return nil
}

// Fetch reads entries after the last acknowledged one, blocking up to
// cfg.Block. It returns an empty batch when nothing arrived.
func (c *RedisChannel) Fetch(ctx context.Context) ([]domain.SignalMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrChannelClosed
	}
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.key(c.self), cursor},
		Count:   c.cfg.Count,
		Block:   c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read signals: %w", err)
	}

	var batch []domain.SignalMessage
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msg, err := decodeStreamEntry(entry)
			if err != nil {
				c.logger.Warnw("skipping malformed stream entry", "entry_id", entry.ID, "error", err)
				// Deleting it keeps it from blocking the cursor.
				c.client.XDel(ctx, c.key(c.self), entry.ID)
				continue
			}
			batch = append(batch, msg)
		}
	}
	return batch, nil
}

// Ack deletes the entries and moves the read cursor past them.
func (c *RedisChannel) Ack(ctx context.Context, msgs []domain.SignalMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	last := msgs[0]
	for _, m := range msgs[1:] {
		if m.Timestamp > last.Timestamp {
			last = m
		}
	}
	c.mu.Lock()
	c.cursor = last.ID
	c.mu.Unlock()

	ctx, span := tracing.TraceStreamOperation(ctx, "xdel", c.key(c.self))
	defer span.End()
	if err := c.client.XDel(ctx, c.key(c.self), messageIDs(msgs)...).Err(); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to delete acknowledged signals: %w", err)
	}
	return nil
}

// Close deletes every entry this participant appended that is still in a
// mailbox. The Redis client is left open.
func (c *RedisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sent := c.sent
	c.sent = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for target, ids := range sent {
		if len(ids) == 0 {
			continue
		}
		if err := c.client.XDel(ctx, c.key(target), ids...).Err(); err != nil {
			errs = append(errs, fmt.Errorf("purge mailbox of %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (c *RedisChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func decodeStreamEntry(entry redis.XMessage) (domain.SignalMessage, error) {
	ts, err := streamIDTimestamp(entry.ID)
	if err != nil {
		return domain.SignalMessage{}, err
	}
	sender, _ := entry.Values["sender"].(string)
	kind, _ := entry.Values["kind"].(string)
	payload, _ := entry.Values["payload"].(string)
	if sender == "" || kind == "" {
		return domain.SignalMessage{}, fmt.Errorf("entry %s lacks sender or kind", entry.ID)
	}
	if !json.Valid([]byte(payload)) {
		return domain.SignalMessage{}, fmt.Errorf("%w: entry %s", domain.ErrMalformedPayload, entry.ID)
	}
	return domain.SignalMessage{
		ID:        entry.ID,
		SenderID:  domain.ParticipantID(sender),
		Timestamp: ts,
		Kind:      domain.SignalKind(kind),
		Payload:   json.RawMessage(payload),
	}, nil
}

// streamIDTimestamp maps "<ms>-<seq>" onto one ordered integer.
func streamIDTimestamp(id string) (int64, error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return 0, fmt.Errorf("invalid stream id %q", id)
	}
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return ms*1_000_000 + seq, nil
}
