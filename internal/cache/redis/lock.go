package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tranchebot/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's unique
// token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// SessionLock guards against two daemons trading the same underlying at once.
// It is a Redis SETNX lock with a TTL and a Lua-based conditional unlock; the
// daemon re-acquires it on a refresh interval shorter than the TTL.
type SessionLock struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewSessionLock creates a SessionLock backed by the given Client.
func NewSessionLock(c *Client) *SessionLock {
	return &SessionLock{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(underlying string) string {
	return "tranchebot:session:" + underlying
}

// Acquire attempts to obtain the trading session lock for an underlying with
// the specified TTL. On success it returns a release function that is safe to
// call multiple times.
//
// It returns domain.ErrLockHeld when another daemon holds the session.
func (sl *SessionLock) Acquire(ctx context.Context, underlying string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(underlying)

	ok, err := sl.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire session %s: %w", underlying, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true

		// Background context so release succeeds even after the caller's
		// context is cancelled during shutdown.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = sl.unlockSc.Run(releaseCtx, sl.rdb, []string{lk}, token).Err()
	}

	return release, nil
}

// Refresh extends the TTL of a held session lock.
func (sl *SessionLock) Refresh(ctx context.Context, underlying string, ttl time.Duration) error {
	if err := sl.rdb.Expire(ctx, lockKey(underlying), ttl).Err(); err != nil {
		return fmt.Errorf("redis: refresh session %s: %w", underlying, err)
	}
	return nil
}
