package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddProbeCheck adds a check that passes while probe returns nil. The peer
// uses it to verify its coordinator loop still answers.
func (h *HealthChecker) AddProbeCheck(name string, probe func(ctx context.Context) error, interval, timeout time.Duration) {
	h.AddCheck(name, func(ctx context.Context) (bool, error) {
		if err := probe(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}
