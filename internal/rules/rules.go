// Package rules implements the trigger evaluation at the heart of the
// trading engine. Evaluate is a pure function of (position, observation,
// parameters): it performs no I/O and mutates nothing, which is what lets the
// backtest replay and the live daemon share it verbatim.
package rules

import (
	"time"

	"tranchebot/internal/domain"
)

// Params is the validated, immutable strategy parameter set the engine
// evaluates against. It is built once from configuration at startup.
type Params struct {
	Strategy   string
	Underlying string
	Direction  int // +1 long, -1 short
	InitialQty int
	AddTrigger float64 // absolute favorable move beyond the last add price
	MaxQty     int
	StopPrice  float64 // 0 disables the hard stop
	// TakeProfitMult expresses the exit target as a multiple of entry risk:
	// 1.5 means close the position once unrealized return reaches +50%.
	TakeProfitMult float64
	// EntryAbove gates the initial entry: enter only while price is above
	// this level (below, for shorts). Zero means enter on the first
	// observation.
	EntryAbove   float64
	Expiry       time.Time // zero disables the time exit
	TimeExitDays int
	// StopRequiresIVBelow, when non-nil, suppresses the hard stop unless the
	// observation's implied volatility is at or below the threshold. An
	// observation without IV always satisfies the condition: a stop is never
	// held open because data is missing.
	StopRequiresIVBelow *float64
}

// Evaluate inspects one observation against the current position state and
// returns at most one intended action. Triggers are checked in fixed priority
// order and the first match wins, so simultaneous triggers resolve the same
// way on every run:
//
//  1. hard stop
//  2. time-based exit
//  3. take-profit
//  4. scale-in
//  5. initial entry
//
// pos may be nil (or CLOSED) when no position exists yet.
func Evaluate(pos *domain.Position, obs domain.Observation, p Params) (domain.Action, bool) {
	if pos != nil && pos.Status == domain.PositionStatusNeedsReconciliation {
		// Manual reconciliation pending; automation stays hands-off.
		return domain.Action{}, false
	}

	active := pos != nil && (pos.Status == domain.PositionStatusOpen || pos.Status == domain.PositionStatusScaling)

	if active {
		if a, ok := checkStop(pos, obs, p); ok {
			return a, true
		}
		if a, ok := checkTimeExit(pos, obs, p); ok {
			return a, true
		}
		if a, ok := checkTakeProfit(pos, obs, p); ok {
			return a, true
		}
		// Scale-ins are deferred while a previous add is still in flight.
		if pos.Status == domain.PositionStatusOpen {
			if a, ok := checkScaleIn(pos, obs, p); ok {
				return a, true
			}
		}
		return domain.Action{}, false
	}

	// OPENING (entry order in flight), CLOSING, and CLOSED produce nothing:
	// an entry is never re-fired while the previous one is unconfirmed.
	if pos == nil || pos.Status == domain.PositionStatusFlat {
		return checkEntry(pos, obs, p)
	}

	return domain.Action{}, false
}

func checkStop(pos *domain.Position, obs domain.Observation, p Params) (domain.Action, bool) {
	if p.StopPrice <= 0 {
		return domain.Action{}, false
	}
	crossed := false
	if p.Direction >= 0 {
		crossed = obs.Price <= p.StopPrice
	} else {
		crossed = obs.Price >= p.StopPrice
	}
	if !crossed {
		return domain.Action{}, false
	}
	if p.StopRequiresIVBelow != nil && obs.IV != nil && *obs.IV > *p.StopRequiresIVBelow {
		return domain.Action{}, false
	}
	return closeAll(pos, obs, domain.ReasonStop), true
}

func checkTimeExit(pos *domain.Position, obs domain.Observation, p Params) (domain.Action, bool) {
	if p.Expiry.IsZero() || p.TimeExitDays <= 0 {
		return domain.Action{}, false
	}
	if daysUntil(obs.Timestamp, p.Expiry) > p.TimeExitDays {
		return domain.Action{}, false
	}
	return closeAll(pos, obs, domain.ReasonTimeExit), true
}

func checkTakeProfit(pos *domain.Position, obs domain.Observation, p Params) (domain.Action, bool) {
	if p.TakeProfitMult <= 1 {
		return domain.Action{}, false
	}
	entry := initialEntryPrice(pos)
	if entry <= 0 {
		return domain.Action{}, false
	}
	var ret float64
	if p.Direction >= 0 {
		ret = obs.Price/entry - 1
	} else {
		ret = entry/obs.Price - 1
	}
	if ret < p.TakeProfitMult-1 {
		return domain.Action{}, false
	}
	return closeAll(pos, obs, domain.ReasonTakeProfit), true
}

func checkScaleIn(pos *domain.Position, obs domain.Observation, p Params) (domain.Action, bool) {
	held := pos.NetQuantity
	if held < 0 {
		held = -held
	}
	if held >= p.MaxQty {
		return domain.Action{}, false
	}
	// Favorable-direction move of at least AddTrigger beyond the price of
	// the most recent tranche. Never measured against a cached level.
	if p.Direction >= 0 {
		if obs.Price < pos.LastAddPrice+p.AddTrigger {
			return domain.Action{}, false
		}
	} else {
		if obs.Price > pos.LastAddPrice-p.AddTrigger {
			return domain.Action{}, false
		}
	}
	qty := p.InitialQty
	if held+qty > p.MaxQty {
		qty = p.MaxQty - held
	}
	if qty <= 0 {
		return domain.Action{}, false
	}
	return domain.Action{
		Kind:       domain.ActionAddTranche,
		PositionID: pos.ID,
		Underlying: pos.Underlying,
		Quantity:   qty * sign(p.Direction),
		Price:      obs.Price,
		Reason:     "scale-in",
		RequestID:  domain.NewRequestID(pos.ID, domain.ActionAddTranche, obs.Seq),
		At:         obs.Timestamp,
	}, true
}

func checkEntry(pos *domain.Position, obs domain.Observation, p Params) (domain.Action, bool) {
	if !p.Expiry.IsZero() && !obs.Timestamp.Before(p.Expiry) {
		return domain.Action{}, false
	}
	if p.EntryAbove > 0 {
		if p.Direction >= 0 && obs.Price <= p.EntryAbove {
			return domain.Action{}, false
		}
		if p.Direction < 0 && obs.Price >= p.EntryAbove {
			return domain.Action{}, false
		}
	}
	id := domain.NewPositionID(p.Underlying, p.Strategy, obs.Seq)
	if pos != nil {
		id = pos.ID
	}
	return domain.Action{
		Kind:       domain.ActionOpenTranche,
		PositionID: id,
		Underlying: p.Underlying,
		Quantity:   p.InitialQty * sign(p.Direction),
		Price:      obs.Price,
		Reason:     "initial entry",
		RequestID:  domain.NewRequestID(id, domain.ActionOpenTranche, obs.Seq),
		At:         obs.Timestamp,
	}, true
}

func closeAll(pos *domain.Position, obs domain.Observation, reason string) domain.Action {
	return domain.Action{
		Kind:       domain.ActionCloseAll,
		PositionID: pos.ID,
		Underlying: pos.Underlying,
		Price:      obs.Price,
		Reason:     reason,
		RequestID:  domain.NewRequestID(pos.ID, domain.ActionCloseAll, obs.Seq),
		At:         obs.Timestamp,
	}
}

// initialEntryPrice returns the entry price of the first tranche; take-profit
// returns are measured from the original entry, not the scaled average.
func initialEntryPrice(pos *domain.Position) float64 {
	for _, t := range pos.Tranches {
		return t.EntryPrice
	}
	return 0
}

// daysUntil counts whole calendar days from ts to expiry.
func daysUntil(ts, expiry time.Time) int {
	return int(expiry.Sub(ts).Hours() / 24)
}

func sign(direction int) int {
	if direction < 0 {
		return -1
	}
	return 1
}
