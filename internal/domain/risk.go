package domain

import "time"

// RejectReason is the structured code attached to every risk guard veto and
// halt. Rejections are reported, never silently dropped.
type RejectReason string

const (
	RejectPositionLimit    RejectReason = "POSITION_LIMIT"
	RejectDrawdownHalt     RejectReason = "DRAWDOWN_HALT"
	RejectLossHalt         RejectReason = "LOSS_HALT"
	RejectConnectivityHalt RejectReason = "CONNECTIVITY_HALT"
)

// RiskLimits is an immutable configuration snapshot consulted by the risk
// guard before any action reaches the order router.
type RiskLimits struct {
	PositionLimit       int     // |net_quantity| hard cap
	MaxDrawdownPct      float64 // e.g. 5.0 for 5% from peak equity
	MaxLossPct          float64 // realized+unrealized loss vs account value
	ConnectivityTimeout time.Duration
}

// AccountSnapshot is the equity view the risk guard evaluates against. The
// engine maintains it; the guard itself holds no state.
type AccountSnapshot struct {
	Equity     float64 // account value + realized + unrealized PnL
	PeakEquity float64
	Account    float64 // configured account value (denominator for loss pct)
}

// DrawdownPct returns the drawdown from peak equity in percent, >= 0.
func (a AccountSnapshot) DrawdownPct() float64 {
	if a.PeakEquity <= 0 {
		return 0
	}
	dd := (a.PeakEquity - a.Equity) / a.PeakEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// LossPct returns the total loss as a percent of account value, >= 0.
func (a AccountSnapshot) LossPct() float64 {
	if a.Account <= 0 {
		return 0
	}
	loss := (a.Account - a.Equity) / a.Account * 100
	if loss < 0 {
		return 0
	}
	return loss
}
