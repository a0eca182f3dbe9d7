package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"rillcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	TransportMemory    = "memory"
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

type Config struct {
	Participant struct {
		ID           string        `yaml:"id"`
		Participants []string      `yaml:"participants"`
		RestartDelay time.Duration `yaml:"restart_delay"`
		SendTimeout  time.Duration `yaml:"send_timeout"`
		// FetchWait bounds one blocking read on transports that poll.
		FetchWait time.Duration `yaml:"fetch_wait"`
	} `yaml:"participant"`

	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MailboxSize     int           `yaml:"mailbox_size"`
	} `yaml:"relay"`

	WebRTC struct {
		ICEServers []string `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		IncludeLoopback bool `yaml:"include_loopback"`
		// LocalMedia attaches Opus and VP8 tracks to every link.
		LocalMedia bool `yaml:"local_media"`
	} `yaml:"webrtc"`

	SignalChannel struct {
		Transport    string        `yaml:"transport"`
		URL          string        `yaml:"url"`
		Token        string        `yaml:"token"`
		DialAttempts int           `yaml:"dial_attempts"`
		StreamMaxLen int64         `yaml:"stream_max_len"`
		StreamTTL    time.Duration `yaml:"stream_ttl"`

		// Breaker fails sends to one opponent fast after repeated errors.
		Breaker struct {
			Enabled          bool          `yaml:"enabled"`
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"signal_channel"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		Issuer         string        `yaml:"issuer"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		IssueTokens    bool          `yaml:"issue_tokens"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		Address             string        `yaml:"address"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Participant
	if c.Participant.ID != "" {
		if err := validation.ValidateParticipantID(c.Participant.ID); err != nil {
			return fmt.Errorf("participant.id: %w", err)
		}
	}
	for _, id := range c.Participant.Participants {
		if err := validation.ValidateParticipantID(id); err != nil {
			return fmt.Errorf("participant.participants: %w", err)
		}
	}
	if c.Participant.RestartDelay <= 0 {
		return fmt.Errorf("participant.restart_delay must be > 0")
	}
	if c.Participant.SendTimeout <= 0 {
		return fmt.Errorf("participant.send_timeout must be > 0")
	}
	if c.Participant.FetchWait <= 0 {
		return fmt.Errorf("participant.fetch_wait must be > 0")
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}
	if c.Relay.MailboxSize <= 0 {
		return fmt.Errorf("relay.mailbox_size must be > 0")
	}

	// WebRTC
	for _, server := range c.WebRTC.ICEServers {
		if err := validation.ValidateICEServerURL(server); err != nil {
			return fmt.Errorf("webrtc.ice_servers: %w", err)
		}
	}
	if err := validation.ValidatePortRange(c.WebRTC.PortRange.Min, c.WebRTC.PortRange.Max); err != nil {
		return fmt.Errorf("webrtc.port_range: %w", err)
	}

	// Signal channel
	switch c.SignalChannel.Transport {
	case TransportMemory, TransportRedis:
	case TransportWebSocket:
		if err := validation.ValidateURL(c.SignalChannel.URL, "ws", "wss"); err != nil {
			return fmt.Errorf("signal_channel.url: %w", err)
		}
	default:
		return fmt.Errorf("signal_channel.transport must be one of memory, redis, websocket, got %q", c.SignalChannel.Transport)
	}
	if c.SignalChannel.DialAttempts < 0 {
		return fmt.Errorf("signal_channel.dial_attempts must be >= 0")
	}
	if c.SignalChannel.Breaker.Enabled {
		if c.SignalChannel.Breaker.FailureThreshold <= 0 {
			return fmt.Errorf("signal_channel.breaker.failure_threshold must be > 0 when the breaker is enabled")
		}
		if c.SignalChannel.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("signal_channel.breaker.open_timeout must be > 0 when the breaker is enabled")
		}
	}
	if c.SignalChannel.Transport == TransportRedis {
		if c.SignalChannel.StreamMaxLen <= 0 {
			return fmt.Errorf("signal_channel.stream_max_len must be > 0 for the redis transport")
		}
		if c.SignalChannel.StreamTTL <= 0 {
			return fmt.Errorf("signal_channel.stream_ttl must be > 0 for the redis transport")
		}

		// Redis
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty for the redis transport")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 for the redis transport")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth is enabled")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be > 0 when auth is enabled")
		}
	}
	if c.Auth.IssueTokens && !c.Auth.Enabled {
		return fmt.Errorf("auth.issue_tokens requires auth.enabled")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Participant.RestartDelay = time.Second
	cfg.Participant.SendTimeout = 10 * time.Second
	cfg.Participant.FetchWait = 5 * time.Second

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second
	cfg.Relay.MailboxSize = 256

	cfg.WebRTC.ICEServers = []string{"stun:stun.l.google.com:19302"}
	cfg.WebRTC.LocalMedia = true

	cfg.SignalChannel.Transport = TransportWebSocket
	cfg.SignalChannel.URL = "ws://localhost:8081/ws"
	cfg.SignalChannel.DialAttempts = 5
	cfg.SignalChannel.StreamMaxLen = 1000
	cfg.SignalChannel.StreamTTL = 10 * time.Minute
	cfg.SignalChannel.Breaker.Enabled = true
	cfg.SignalChannel.Breaker.FailureThreshold = 5
	cfg.SignalChannel.Breaker.OpenTimeout = 5 * time.Second

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "rillcall"
	cfg.Auth.TokenTTL = 12 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = ":9090"
	cfg.Monitoring.HealthCheckInterval = 15 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rillcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("RILLCALL_PARTICIPANT_ID"); id != "" {
		c.Participant.ID = id
	}
	if list := os.Getenv("RILLCALL_PARTICIPANTS"); list != "" {
		c.Participant.Participants = splitList(list)
	}
	if addr := os.Getenv("RILLCALL_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if transport := os.Getenv("RILLCALL_SIGNAL_TRANSPORT"); transport != "" {
		c.SignalChannel.Transport = transport
	}
	if url := os.Getenv("RILLCALL_SIGNAL_URL"); url != "" {
		c.SignalChannel.URL = url
	}
	if token := os.Getenv("RILLCALL_SIGNAL_TOKEN"); token != "" {
		c.SignalChannel.Token = token
	}
	if addr := os.Getenv("RILLCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if password := os.Getenv("RILLCALL_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if level := os.Getenv("RILLCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RILLCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}

func splitList(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
