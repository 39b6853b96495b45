package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const heartbeatKey = "tranchebot:heartbeat"

// Heartbeat is the daemon liveness beacon the monitor watches. The daemon
// touches it on every decision cycle; the monitor treats a stale beacon as a
// connectivity failure and raises the halt flag.
type Heartbeat struct {
	rdb *redis.Client
}

// NewHeartbeat creates a Heartbeat backed by the given Client.
func NewHeartbeat(c *Client) *Heartbeat {
	return &Heartbeat{rdb: c.Underlying()}
}

// Beat records the current time. ttl bounds how long a crashed daemon's last
// beat lingers.
func (h *Heartbeat) Beat(ctx context.Context, ttl time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := h.rdb.Set(ctx, heartbeatKey, now, ttl).Err(); err != nil {
		return fmt.Errorf("redis: heartbeat: %w", err)
	}
	return nil
}

// Age returns the time since the last beat. A missing beacon reports an age
// of one hour, which trips any sane connectivity breaker.
func (h *Heartbeat) Age(ctx context.Context) (time.Duration, error) {
	raw, err := h.rdb.Get(ctx, heartbeatKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Hour, nil
		}
		return 0, fmt.Errorf("redis: heartbeat age: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0, fmt.Errorf("redis: heartbeat parse: %w", err)
	}
	return time.Since(at), nil
}
