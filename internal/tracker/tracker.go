// Package tracker owns the authoritative in-memory representation of one
// position and advances its state machine as actions are issued and fills
// come back from the venue.
//
// State machine:
//
//	FLAT --(OpenTranche)--> OPENING --(fill)--> OPEN  (reject returns to FLAT)
//	OPEN --(AddTranche)--> SCALING --(fill)--> OPEN  (reject also returns to OPEN)
//	OPEN/SCALING --(CloseAll)--> CLOSING --(all quantity out)--> CLOSED
//
// CLOSED is terminal; a new Position is created for any subsequent trade.
package tracker

import (
	"fmt"
	"log/slog"

	"tranchebot/internal/domain"
)

// Tracker serializes all mutations for a single position. It is not safe for
// concurrent use; the engine guarantees one observation at a time.
type Tracker struct {
	pos *domain.Position
	// multiplier converts one contract's price move into currency (100 for
	// equity options, contract-specific for futures).
	multiplier float64
	// applied records request IDs whose fills have been consumed, so a
	// duplicate fill report can never move quantity twice.
	applied map[string]bool
	// closeReason is carried from the CloseAll action to the tranche-close
	// events emitted when the exit fill lands.
	closeReason string
	logger      *slog.Logger
}

// New creates a Tracker with no position.
func New(multiplier float64, logger *slog.Logger) *Tracker {
	if multiplier <= 0 {
		multiplier = 100
	}
	return &Tracker{
		multiplier: multiplier,
		applied:    make(map[string]bool),
		logger:     logger.With(slog.String("component", "tracker")),
	}
}

// Restore seeds the tracker with a persisted position snapshot on startup.
// A snapshot stuck in OPENING with no tranches means the daemon died while
// the entry order was in flight; the in-flight order died with it, so the
// tracker starts flat and venue reconciliation reports any fill that landed.
func (t *Tracker) Restore(pos domain.Position) {
	if pos.Status == domain.PositionStatusOpening && len(pos.Tranches) == 0 {
		t.pos = nil
		return
	}
	p := pos
	t.pos = &p
	t.pos.NetQuantity = t.pos.OpenQuantity()
}

// Position returns the current position, or nil when flat with no history.
func (t *Tracker) Position() *domain.Position {
	return t.pos
}

// Begin registers an intended action before its order is routed, advancing
// the position into the matching transitional state.
func (t *Tracker) Begin(a domain.Action) error {
	switch a.Kind {
	case domain.ActionOpenTranche:
		if t.pos != nil && t.pos.Status != domain.PositionStatusFlat && t.pos.Status != domain.PositionStatusClosed {
			return fmt.Errorf("tracker: open while position %s is %s: %w", t.pos.ID, t.pos.Status, domain.ErrInvalidTransition)
		}
		t.pos = &domain.Position{
			ID:         a.PositionID,
			Underlying: a.Underlying,
			Status:     domain.PositionStatusOpening,
		}
		return nil

	case domain.ActionAddTranche:
		if t.pos == nil || t.pos.Status != domain.PositionStatusOpen {
			return fmt.Errorf("tracker: add in state %s: %w", t.state(), domain.ErrInvalidTransition)
		}
		t.pos.Status = domain.PositionStatusScaling
		return nil

	case domain.ActionCloseAll:
		if t.pos == nil || (t.pos.Status != domain.PositionStatusOpen && t.pos.Status != domain.PositionStatusScaling) {
			return fmt.Errorf("tracker: close in state %s: %w", t.state(), domain.ErrInvalidTransition)
		}
		t.pos.Status = domain.PositionStatusClosing
		t.closeReason = a.Reason
		return nil

	case domain.ActionTightenStop:
		// Stop maintenance does not change position state.
		return nil

	default:
		return fmt.Errorf("tracker: unknown action kind %q", a.Kind)
	}
}

// Reject rolls back the transitional state entered by Begin when the order
// was vetoed or rejected venue-side.
func (t *Tracker) Reject(a domain.Action) {
	if t.pos == nil {
		return
	}
	switch a.Kind {
	case domain.ActionOpenTranche:
		if t.pos.Status == domain.PositionStatusOpening && len(t.pos.Tranches) == 0 {
			t.pos = nil
		}
	case domain.ActionAddTranche:
		if t.pos.Status == domain.PositionStatusScaling {
			t.pos.Status = domain.PositionStatusOpen
		}
	case domain.ActionCloseAll:
		if t.pos.Status == domain.PositionStatusClosing {
			t.pos.Status = domain.PositionStatusOpen
			t.closeReason = ""
		}
	}
}

// ApplyFill consumes one fill report and advances the state machine. Fills
// whose request ID was already applied are ignored (idempotence: a retried
// submission acknowledged twice must not move quantity twice). The returned
// events describe what changed.
func (t *Tracker) ApplyFill(fill domain.Fill, obsSeq int64) ([]domain.Event, error) {
	if t.applied[fill.RequestID] {
		t.logger.Debug("duplicate fill ignored",
			slog.String("request_id", fill.RequestID),
			slog.String("kind", string(fill.Kind)),
		)
		return nil, nil
	}
	if t.pos == nil {
		return nil, fmt.Errorf("tracker: fill %s with no position: %w", fill.RequestID, domain.ErrInvalidTransition)
	}

	switch fill.Kind {
	case domain.OrderKindEntry, domain.OrderKindScaleIn:
		return t.applyEntryFill(fill, obsSeq)
	case domain.OrderKindClose, domain.OrderKindTakeProfit, domain.OrderKindStop:
		return t.applyExitFill(fill, obsSeq)
	default:
		return nil, fmt.Errorf("tracker: fill %s has unknown kind %q", fill.RequestID, fill.Kind)
	}
}

func (t *Tracker) applyEntryFill(fill domain.Fill, obsSeq int64) ([]domain.Event, error) {
	qty := fill.Quantity
	if fill.Side == domain.OrderSideSell {
		qty = -qty
	}
	tag := "initial"
	if fill.Kind == domain.OrderKindScaleIn {
		tag = "scale-in"
	}
	tr := domain.Tranche{
		ID:         domain.NewTrancheID(fill.RequestID),
		Quantity:   qty,
		EntryPrice: fill.Price,
		EntryTime:  fill.At,
		Tag:        tag,
	}
	t.pos.Tranches = append(t.pos.Tranches, tr)
	t.pos.LastAddPrice = fill.Price
	if t.pos.Status == domain.PositionStatusOpening || t.pos.Status == domain.PositionStatusFlat {
		t.pos.OpenedAt = fill.At
	}
	t.pos.Status = domain.PositionStatusOpen
	t.recompute()
	t.applied[fill.RequestID] = true

	t.logger.Info("tranche opened",
		slog.String("position_id", t.pos.ID),
		slog.String("tag", tag),
		slog.Int("quantity", qty),
		slog.Float64("price", fill.Price),
		slog.Int("net_quantity", t.pos.NetQuantity),
	)
	return []domain.Event{{
		ID:         domain.NewEventID(t.pos.ID, domain.EventTrancheOpened, obsSeq),
		Type:       domain.EventTrancheOpened,
		PositionID: t.pos.ID,
		Underlying: t.pos.Underlying,
		Reason:     tag,
		Price:      fill.Price,
		Quantity:   qty,
		At:         fill.At,
		Seq:        obsSeq,
	}}, nil
}

func (t *Tracker) applyExitFill(fill domain.Fill, obsSeq int64) ([]domain.Event, error) {
	if t.pos.Status != domain.PositionStatusClosing && t.pos.Status != domain.PositionStatusOpen && t.pos.Status != domain.PositionStatusScaling {
		return nil, fmt.Errorf("tracker: exit fill in state %s: %w", t.pos.Status, domain.ErrInvalidTransition)
	}

	reason := t.closeReason
	if reason == "" {
		reason = fill.Kind.ExitReason()
	}

	// Exit quantity is consumed against open tranches in entry order. A
	// partial exit (a split take-profit leg) closes the oldest tranches
	// first, splitting one in two when the fill ends mid-tranche.
	var events []domain.Event
	now := fill.At
	remaining := fill.Quantity
	for i := 0; i < len(t.pos.Tranches) && remaining > 0; i++ {
		tr := &t.pos.Tranches[i]
		if tr.Closed {
			continue
		}
		held := tr.Quantity
		if held < 0 {
			held = -held
		}
		if held > remaining {
			// Split: the closed portion becomes its own tranche record so
			// entry-lot accounting survives partial exits.
			sign := 1
			if tr.Quantity < 0 {
				sign = -1
			}
			closedPart := domain.Tranche{
				ID:         domain.NewTrancheID(fill.RequestID + "|" + tr.ID),
				Quantity:   sign * remaining,
				EntryPrice: tr.EntryPrice,
				EntryTime:  tr.EntryTime,
				Tag:        tr.Tag,
			}
			tr.Quantity -= closedPart.Quantity
			t.pos.Tranches = append(t.pos.Tranches[:i], append([]domain.Tranche{closedPart}, t.pos.Tranches[i:]...)...)
			tr = &t.pos.Tranches[i]
			held = remaining
		}

		tr.Closed = true
		tr.ExitPrice = fill.Price
		exitAt := now
		tr.ExitTime = &exitAt
		remaining -= held
		t.pos.RealizedPnL += float64(tr.Quantity) * (fill.Price - tr.EntryPrice) * t.multiplier
		events = append(events, domain.Event{
			ID:         domain.NewEventID(tr.ID, domain.EventTrancheClosed, obsSeq),
			Type:       domain.EventTrancheClosed,
			PositionID: t.pos.ID,
			Underlying: t.pos.Underlying,
			Reason:     reason,
			Price:      fill.Price,
			Quantity:   tr.Quantity,
			At:         now,
			Seq:        obsSeq,
		})
	}

	t.recompute()
	t.applied[fill.RequestID] = true

	if t.pos.NetQuantity == 0 {
		t.pos.Status = domain.PositionStatusClosed
		t.pos.UnrealizedPnL = 0
		if t.pos.ClosedAt == nil {
			closedAt := now
			t.pos.ClosedAt = &closedAt
		}
		t.closeReason = ""
		t.logger.Info("position closed",
			slog.String("position_id", t.pos.ID),
			slog.String("reason", reason),
			slog.Float64("exit_price", fill.Price),
			slog.Float64("realized_pnl", t.pos.RealizedPnL),
		)
	}
	return events, nil
}

// MarkToMarket refreshes unrealized PnL from the latest observation.
func (t *Tracker) MarkToMarket(obs domain.Observation) {
	if t.pos == nil || !t.pos.Active() {
		return
	}
	var unrealized float64
	for _, tr := range t.pos.Tranches {
		if tr.Closed {
			continue
		}
		unrealized += float64(tr.Quantity) * (obs.Price - tr.EntryPrice) * t.multiplier
	}
	t.pos.UnrealizedPnL = unrealized
}

// MarkNeedsReconciliation freezes the position pending manual review.
func (t *Tracker) MarkNeedsReconciliation() {
	if t.pos == nil {
		return
	}
	t.pos.Status = domain.PositionStatusNeedsReconciliation
	t.logger.Warn("position flagged for reconciliation", slog.String("position_id", t.pos.ID))
}

// Retire clears a CLOSED position, making room for a fresh one. It is an
// error to retire an active position.
func (t *Tracker) Retire() error {
	if t.pos == nil {
		return nil
	}
	if t.pos.Status != domain.PositionStatusClosed {
		return fmt.Errorf("tracker: retire position in state %s: %w", t.pos.Status, domain.ErrInvalidTransition)
	}
	t.pos = nil
	return nil
}

// recompute rebuilds NetQuantity strictly from non-closed tranches. The net
// is never adjusted incrementally, so it cannot drift from tranche truth.
func (t *Tracker) recompute() {
	t.pos.NetQuantity = t.pos.OpenQuantity()
}

func (t *Tracker) state() domain.PositionStatus {
	if t.pos == nil {
		return domain.PositionStatusFlat
	}
	return t.pos.Status
}

func (t *Tracker) String() string {
	if t.pos == nil {
		return "tracker{flat}"
	}
	return fmt.Sprintf("tracker{%s %s net=%d}", t.pos.ID, t.pos.Status, t.pos.NetQuantity)
}
