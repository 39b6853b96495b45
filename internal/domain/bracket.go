package domain

import "time"

// LegKind identifies a bracket leg.
type LegKind string

const (
	LegTakeProfit1 LegKind = "tp1"
	LegTakeProfit2 LegKind = "tp2"
	LegStop        LegKind = "stop"
)

// LegState tracks one leg's lifecycle at the venue.
type LegState string

const (
	LegStatePending   LegState = "pending" // not yet submitted
	LegStateWorking   LegState = "working"
	LegStateFilled    LegState = "filled"
	LegStateCancelled LegState = "cancelled"
)

// BracketLeg is one exit order within an OCO set.
type BracketLeg struct {
	Kind         LegKind
	TriggerPrice float64
	Quantity     int
	TIF          TimeInForce
	RequestID    string
	VenueOrderID string
	State        LegState
}

// OCOBracket is the one-cancels-other exit set attached to an open position
// (or to a single tranche when the strategy brackets tranches individually).
// Invariant: at most one leg is ever filled; the fill of any leg cancels all
// siblings from the position's perspective, even when the venue processes the
// cancellations asynchronously.
type OCOBracket struct {
	ID         string
	PositionID string
	TrancheID  string // empty in per-position mode
	Legs       []BracketLeg
	// TrailingActive records whether the stop leg is being recomputed from
	// volatility each observation; the stop trigger may then only move in the
	// risk-reducing direction.
	TrailingActive bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Leg returns a pointer to the leg of the given kind, or nil.
func (b *OCOBracket) Leg(kind LegKind) *BracketLeg {
	for i := range b.Legs {
		if b.Legs[i].Kind == kind {
			return &b.Legs[i]
		}
	}
	return nil
}

// FilledLeg returns the filled leg, if any. The OCO invariant guarantees
// there is at most one.
func (b *OCOBracket) FilledLeg() *BracketLeg {
	for i := range b.Legs {
		if b.Legs[i].State == LegStateFilled {
			return &b.Legs[i]
		}
	}
	return nil
}

// SiblingsOf returns every leg other than the given kind.
func (b *OCOBracket) SiblingsOf(kind LegKind) []*BracketLeg {
	out := make([]*BracketLeg, 0, len(b.Legs))
	for i := range b.Legs {
		if b.Legs[i].Kind != kind {
			out = append(out, &b.Legs[i])
		}
	}
	return out
}
