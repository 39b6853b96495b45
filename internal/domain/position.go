package domain

import "time"

// PositionStatus tracks where a position sits in its lifecycle.
type PositionStatus string

const (
	PositionStatusFlat PositionStatus = "flat"
	// PositionStatusOpening marks an initial entry order that is routed but
	// not yet filled. Like SCALING for adds, it keeps the rules from firing
	// a second entry while the first is in flight.
	PositionStatusOpening PositionStatus = "opening"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusScaling PositionStatus = "scaling"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	// PositionStatusNeedsReconciliation marks a position whose local bracket
	// state could not be confirmed against the venue. No automated actions
	// are taken until an operator reconciles it.
	PositionStatusNeedsReconciliation PositionStatus = "needs_reconciliation"
)

// Tranche is one discrete entry lot within a position. It is immutable after
// creation except for the close fields, which are set exactly once.
type Tranche struct {
	ID         string
	Quantity   int // signed, never zero
	EntryPrice float64
	EntryTime  time.Time
	Tag        string // "initial" or "scale-in"
	Closed     bool
	ExitPrice  float64
	ExitTime   *time.Time
}

// Position is the aggregate state for one underlying/strategy pair.
type Position struct {
	ID            string
	Underlying    string
	Strategy      string
	Status        PositionStatus
	Tranches      []Tranche // insertion order == entry order
	NetQuantity   int       // recomputed from open tranches, never drifted
	LastAddPrice  float64   // entry price of the most recent tranche
	RealizedPnL   float64
	UnrealizedPnL float64
	OpenedAt      time.Time
	ClosedAt      *time.Time
}

// OpenQuantity returns the signed sum of all non-closed tranche quantities.
// This is the authoritative computation NetQuantity must always equal.
func (p *Position) OpenQuantity() int {
	var net int
	for _, t := range p.Tranches {
		if !t.Closed {
			net += t.Quantity
		}
	}
	return net
}

// AvgEntryPrice returns the weighted-average entry price over open tranches,
// or zero when the position holds no open quantity.
func (p *Position) AvgEntryPrice() float64 {
	var qty int
	var notional float64
	for _, t := range p.Tranches {
		if t.Closed {
			continue
		}
		qty += t.Quantity
		notional += float64(t.Quantity) * t.EntryPrice
	}
	if qty == 0 {
		return 0
	}
	return notional / float64(qty)
}

// IsLong reports whether the position's open quantity is positive. A flat
// position is treated as long for direction-neutral call sites.
func (p *Position) IsLong() bool {
	return p.NetQuantity >= 0
}

// Active reports whether the position can still receive actions.
func (p *Position) Active() bool {
	switch p.Status {
	case PositionStatusOpening, PositionStatusOpen, PositionStatusScaling, PositionStatusClosing:
		return true
	default:
		return false
	}
}
