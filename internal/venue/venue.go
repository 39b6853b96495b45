// Package venue defines the execution adapter boundary. The decision
// pipeline is identical in backtest and live modes; only the Adapter bound
// underneath it differs.
package venue

import (
	"context"
	"time"

	"tranchebot/internal/domain"
)

// Adapter is the polymorphic execution surface. Implementations must
// deduplicate submissions by Order.RequestID: resubmitting an already-seen
// request returns the original outcome (AckDuplicate) instead of creating a
// second order.
type Adapter interface {
	// Submit places an order. Market orders may be acknowledged as filled
	// synchronously; resting orders are acknowledged as accepted and report
	// executions through Fills.
	Submit(ctx context.Context, o domain.Order) (domain.OrderAck, error)

	// Cancel cancels a resting order by its venue identifier.
	Cancel(ctx context.Context, venueOrderID string) error

	// ModifyPrice moves a resting order's trigger/limit price in place.
	ModifyPrice(ctx context.Context, venueOrderID string, price float64) error

	// Positions returns the broker-side net positions, used for startup
	// reconciliation against locally persisted state.
	Positions(ctx context.Context) ([]domain.VenuePosition, error)

	// Fills drains the fill reports accumulated since the previous call.
	// The engine drains fills at the top of every observation, before any
	// new decision is made.
	Fills() []domain.Fill

	// Heartbeat returns the time connectivity was last confirmed. The risk
	// guard halts trading when this goes stale.
	Heartbeat() time.Time
}
