package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"rillcall/pkg/config"
	apperrors "rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
// Limiters idle for longer than idleTTL are dropped on the next lookup sweep.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*storedLimiter
	rate      rate.Limit
	burstSize int
	idleTTL   time.Duration
	lastSweep time.Time
}

type storedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*storedLimiter),
		rate:      r,
		burstSize: burst,
		idleTTL:   10 * time.Minute,
		lastSweep: time.Now(),
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.idleTTL {
		for k, l := range s.limiters {
			if now.Sub(l.lastSeen) > s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	stored, exists := s.limiters[key]
	if !exists {
		stored = &storedLimiter{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = stored
	}
	stored.lastSeen = now
	return stored.limiter
}

// clientIP extracts the client address, preferring the first hop of
// X-Forwarded-For.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func passThrough(c *gin.Context) { c.Next() }

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		// Global concurrent requests throttling
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithAppError(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			abortWithAppError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// NewConnectionRateLimitMiddleware limits how often one IP may open a relay
// websocket. Message rates inside a connection are limited by the relay.
func NewConnectionRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	if !cfg.RateLimiting.Enabled || perMinute <= 0 {
		return passThrough
	}

	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	return func(c *gin.Context) {
		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "60")
			abortWithAppError(c, apperrors.NewRateLimitError().WithContext("limit", "connections_per_minute"))
			return
		}
		c.Next()
	}
}
