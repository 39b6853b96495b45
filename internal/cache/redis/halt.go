package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tranchebot/internal/domain"
)

const haltKey = "tranchebot:halt"

// HaltFlag implements domain.HaltFlag on a Redis hash. The monitor process
// raises it when a circuit breaker trips; the daemon reads it every decision
// cycle and refuses new risk while it is set. Clearing is an operator action.
type HaltFlag struct {
	rdb *redis.Client
}

var _ domain.HaltFlag = (*HaltFlag)(nil)

// NewHaltFlag creates a HaltFlag backed by the given Client.
func NewHaltFlag(c *Client) *HaltFlag {
	return &HaltFlag{rdb: c.Underlying()}
}

// Raise sets the halt flag. Raising an already-raised flag overwrites the
// reason, so the most recent breaker wins.
func (h *HaltFlag) Raise(ctx context.Context, reason domain.RejectReason, detail string) error {
	err := h.rdb.HSet(ctx, haltKey, map[string]any{
		"reason":    string(reason),
		"detail":    detail,
		"raised_at": time.Now().UTC().Format(time.RFC3339),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: raise halt: %w", err)
	}
	return nil
}

// Clear removes the halt flag.
func (h *HaltFlag) Clear(ctx context.Context) error {
	if err := h.rdb.Del(ctx, haltKey).Err(); err != nil {
		return fmt.Errorf("redis: clear halt: %w", err)
	}
	return nil
}

// Current returns the active halt reason, or ok=false when trading is not
// halted.
func (h *HaltFlag) Current(ctx context.Context) (domain.RejectReason, string, bool, error) {
	fields, err := h.rdb.HGetAll(ctx, haltKey).Result()
	if err != nil {
		return "", "", false, fmt.Errorf("redis: read halt: %w", err)
	}
	if len(fields) == 0 {
		return "", "", false, nil
	}
	return domain.RejectReason(fields["reason"]), fields["detail"], true, nil
}
