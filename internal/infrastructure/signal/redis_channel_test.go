package signal

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"rillcall/internal/core/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStreamIDTimestamp(t *testing.T) {
	a, err := streamIDTimestamp("1700000000000-0")
	require.NoError(t, err)
	b, err := streamIDTimestamp("1700000000000-1")
	require.NoError(t, err)
	c, err := streamIDTimestamp("1700000000001-0")
	require.NoError(t, err)

	assert.Less(t, a, b)
	assert.Less(t, b, c)

	_, err = streamIDTimestamp("garbage")
	assert.Error(t, err)
	_, err = streamIDTimestamp("1-x")
	assert.Error(t, err)
}

func TestDecodeStreamEntry(t *testing.T) {
	msg, err := decodeStreamEntry(redis.XMessage{
		ID: "1700000000000-2",
		Values: map[string]interface{}{
			"sender":  "alice",
			"kind":    "offer",
			"payload": `{"type":"offer","sdp":"v=0"}`,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-2", msg.ID)
	assert.Equal(t, domain.ParticipantID("alice"), msg.SenderID)
	assert.Equal(t, domain.SignalOffer, msg.Kind)

	_, err = decodeStreamEntry(redis.XMessage{
		ID:     "1700000000000-3",
		Values: map[string]interface{}{"sender": "alice", "kind": "offer", "payload": "{nope"},
	})
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = decodeStreamEntry(redis.XMessage{ID: "1700000000000-4", Values: map[string]interface{}{}})
	assert.Error(t, err)
}

// The Redis tests need a server: RILLCALL_TEST_REDIS_ADDR=localhost:6379.
func newTestRedis(t *testing.T) *redis.Client {
	addr := os.Getenv("RILLCALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RILLCALL_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisChannel_RoundTrip(t *testing.T) {
	client := newTestRedis(t)
	logger := zaptest.NewLogger(t).Sugar()
	cfg := RedisChannelConfig{
		Prefix: "rillcall:test:" + uuid.NewString() + ":",
		Block:  200 * time.Millisecond,
	}
	alice := NewRedisChannel(client, "alice", cfg, logger)
	bob := NewRedisChannel(client, "bob", cfg, logger)
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, cfg.Prefix+"alice", cfg.Prefix+"bob") })

	require.NoError(t, alice.Send(ctx, "bob", domain.SignalOffer, json.RawMessage(`{"type":"offer","sdp":"v=0"}`)))
	require.NoError(t, alice.Send(ctx, "bob", domain.SignalCandidate, json.RawMessage(`{"candidate":"c1"}`)))

	batch, err := bob.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, domain.SignalOffer, batch[0].Kind)
	assert.Less(t, batch[0].Timestamp, batch[1].Timestamp)

	require.NoError(t, bob.Ack(ctx, batch))

	empty, err := bob.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	ttl, err := client.TTL(ctx, cfg.Prefix+"bob").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisChannel_ClosePurgesUndelivered(t *testing.T) {
	client := newTestRedis(t)
	logger := zaptest.NewLogger(t).Sugar()
	cfg := RedisChannelConfig{
		Prefix: "rillcall:test:" + uuid.NewString() + ":",
		Block:  200 * time.Millisecond,
	}
	alice := NewRedisChannel(client, "alice", cfg, logger)
	ctx := context.Background()
	t.Cleanup(func() { client.Del(ctx, cfg.Prefix+"bob") })

	require.NoError(t, alice.Send(ctx, "bob", domain.SignalOffer, json.RawMessage(`{}`)))
	require.NoError(t, alice.Close())

	n, err := client.XLen(ctx, cfg.Prefix+"bob").Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, alice.Send(ctx, "bob", domain.SignalOffer, json.RawMessage(`{}`)), domain.ErrChannelClosed)
}
