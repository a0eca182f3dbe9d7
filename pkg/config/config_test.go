package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Participant.RestartDelay)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.WebRTC.ICEServers)
	assert.Equal(t, TransportWebSocket, cfg.SignalChannel.Transport)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws connections per minute must be > 0", func(c *Config) { c.RateLimiting.WebSocket.ConnectionsPerMinute = 0 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"bad participant id", func(c *Config) { c.Participant.ID = "alice smith" }},
		{"bad participant in list", func(c *Config) { c.Participant.Participants = []string{"alice", "b/c"} }},
		{"restart delay must be > 0", func(c *Config) { c.Participant.RestartDelay = 0 }},
		{"pong timeout above ping", func(c *Config) { c.Relay.PongTimeout = c.Relay.PingInterval }},
		{"mailbox size must be > 0", func(c *Config) { c.Relay.MailboxSize = 0 }},
		{"bad ice server", func(c *Config) { c.WebRTC.ICEServers = []string{"http://stun.example.com"} }},
		{"half port range", func(c *Config) { c.WebRTC.PortRange.Min = 5000 }},
		{"inverted port range", func(c *Config) { c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max = 6000, 5000 }},
		{"unknown transport", func(c *Config) { c.SignalChannel.Transport = "firebase" }},
		{"breaker threshold", func(c *Config) { c.SignalChannel.Breaker.FailureThreshold = 0 }},
		{"breaker timeout", func(c *Config) { c.SignalChannel.Breaker.OpenTimeout = 0 }},
		{"websocket url scheme", func(c *Config) { c.SignalChannel.URL = "http://localhost:8081/ws" }},
		{"redis without address", func(c *Config) {
			c.SignalChannel.Transport = TransportRedis
			c.Redis.Address = ""
		}},
		{"auth without secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = ""
		}},
		{"token issuing without auth", func(c *Config) { c.Auth.IssueTokens = true }},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"empty log level", func(c *Config) { c.Logging.Level = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Relay.Address, cfg.Relay.Address)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
participant:
  id: alice
  participants: [alice, bob]
  restart_delay: 2s
signal_channel:
  transport: redis
redis:
  address: redis:6379
webrtc:
  ice_servers: []
  port_range:
    min: 50000
    max: 50100
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("RILLCALL_REDIS_ADDRESS", "10.0.0.5:6379")
	t.Setenv("RILLCALL_PARTICIPANTS", "alice, bob ,carol")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Participant.ID)
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Participant.Participants)
	assert.Equal(t, 2*time.Second, cfg.Participant.RestartDelay)
	assert.Equal(t, TransportRedis, cfg.SignalChannel.Transport)
	assert.Equal(t, "10.0.0.5:6379", cfg.Redis.Address)
	assert.Empty(t, cfg.WebRTC.ICEServers)
	assert.Equal(t, uint16(50000), cfg.WebRTC.PortRange.Min)
	// Untouched sections keep their defaults.
	assert.Equal(t, 256, cfg.Relay.MailboxSize)
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  mailbox_size: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "relay.mailbox_size")
}
