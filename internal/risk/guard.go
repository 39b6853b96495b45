// Package risk vets every action the rule engine emits before it reaches the
// order router. The guard itself is stateless: each check is a pure function
// of the action, the position, an account snapshot, and the externally
// maintained halt conditions, so replaying the same inputs always produces
// the same verdicts.
package risk

import (
	"fmt"
	"log/slog"
	"time"

	"tranchebot/internal/domain"
)

// Rejection is the error returned for a vetoed action. It carries the
// structured reason code that is journaled and surfaced to the monitor.
type Rejection struct {
	Code   domain.RejectReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: %s: %s", r.Code, r.Detail)
}

// Is lets callers match any rejection with errors.Is(err, domain.ErrHalted).
// Position-limit vetoes are not halts; they reject one action, not the bot.
func (r *Rejection) Is(target error) bool {
	return target == domain.ErrHalted && r.Code != domain.RejectPositionLimit
}

// Conditions is the externally observed state the guard folds into each
// check: the operator/monitor halt flag and the venue heartbeat age.
type Conditions struct {
	// Halt is the active circuit-breaker code raised by the monitor (via the
	// shared flag) or by the engine itself; empty when trading is allowed.
	Halt domain.RejectReason
	// HeartbeatAge is the time since the venue adapter last confirmed
	// connectivity. Zero means unknown-but-fresh (backtests).
	HeartbeatAge time.Duration
}

// Guard enforces RiskLimits. Construct once and share; it holds no mutable
// state.
type Guard struct {
	limits domain.RiskLimits
	logger *slog.Logger
}

func New(limits domain.RiskLimits, logger *slog.Logger) *Guard {
	return &Guard{
		limits: limits,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// Limits returns the configured limits (used by the monitor for reporting).
func (g *Guard) Limits() domain.RiskLimits { return g.limits }

// Check vets one action. A nil return means the action may proceed to the
// router. Risk-reducing actions (CloseAll, TightenStop) pass during drawdown
// and loss halts: a circuit breaker that traps an open position would convert
// a risk limit into extra risk. Connectivity halts stop everything, since no
// order outcome could be confirmed anyway.
func (g *Guard) Check(a domain.Action, pos *domain.Position, acct domain.AccountSnapshot, cond Conditions) error {
	reducing := a.Kind == domain.ActionCloseAll || a.Kind == domain.ActionTightenStop

	if g.limits.ConnectivityTimeout > 0 && cond.HeartbeatAge > g.limits.ConnectivityTimeout {
		return g.reject(a, domain.RejectConnectivityHalt,
			fmt.Sprintf("venue heartbeat stale for %s (limit %s)", cond.HeartbeatAge, g.limits.ConnectivityTimeout))
	}
	if cond.Halt == domain.RejectConnectivityHalt {
		return g.reject(a, cond.Halt, "connectivity halt raised")
	}

	if cond.Halt != "" && !reducing {
		return g.reject(a, cond.Halt, "halt flag raised")
	}
	if reducing {
		return nil
	}

	switch a.Kind {
	case domain.ActionOpenTranche, domain.ActionAddTranche:
		if err := g.checkIncrease(a, pos, acct); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) checkIncrease(a domain.Action, pos *domain.Position, acct domain.AccountSnapshot) error {
	net := 0
	if pos != nil {
		net = pos.OpenQuantity()
	}
	after := net + a.Quantity
	if after < 0 {
		after = -after
	}
	if g.limits.PositionLimit > 0 && after > g.limits.PositionLimit {
		return g.reject(a, domain.RejectPositionLimit,
			fmt.Sprintf("|%d + %d| exceeds limit %d", net, a.Quantity, g.limits.PositionLimit))
	}
	if g.limits.MaxDrawdownPct > 0 {
		if dd := acct.DrawdownPct(); dd >= g.limits.MaxDrawdownPct {
			return g.reject(a, domain.RejectDrawdownHalt,
				fmt.Sprintf("drawdown %.2f%% >= %.2f%%", dd, g.limits.MaxDrawdownPct))
		}
	}
	if g.limits.MaxLossPct > 0 {
		if loss := acct.LossPct(); loss >= g.limits.MaxLossPct {
			return g.reject(a, domain.RejectLossHalt,
				fmt.Sprintf("loss %.2f%% >= %.2f%%", loss, g.limits.MaxLossPct))
		}
	}
	return nil
}

// Evaluate recomputes the halt code implied by the account snapshot alone,
// independent of any pending action. The monitor uses this to raise the
// shared halt flag; the engine uses it to journal RiskHalted transitions.
func (g *Guard) Evaluate(acct domain.AccountSnapshot, heartbeatAge time.Duration) (domain.RejectReason, bool) {
	if g.limits.ConnectivityTimeout > 0 && heartbeatAge > g.limits.ConnectivityTimeout {
		return domain.RejectConnectivityHalt, true
	}
	if g.limits.MaxDrawdownPct > 0 && acct.DrawdownPct() >= g.limits.MaxDrawdownPct {
		return domain.RejectDrawdownHalt, true
	}
	if g.limits.MaxLossPct > 0 && acct.LossPct() >= g.limits.MaxLossPct {
		return domain.RejectLossHalt, true
	}
	return "", false
}

func (g *Guard) reject(a domain.Action, code domain.RejectReason, detail string) error {
	g.logger.Warn("action rejected",
		slog.String("kind", string(a.Kind)),
		slog.String("position_id", a.PositionID),
		slog.String("code", string(code)),
		slog.String("detail", detail),
	)
	return &Rejection{Code: code, Detail: detail}
}
