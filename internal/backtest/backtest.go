// Package backtest replays historical bars through the exact live decision
// pipeline with the simulated venue bound underneath it. Two runs over the
// same bars and parameters produce identical action sequences and results.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"tranchebot/internal/engine"
	"tranchebot/internal/feed"
	"tranchebot/internal/venue/sim"
)

// Point is one equity curve sample.
type Point struct {
	Time   time.Time
	Equity float64
}

// Result summarizes a completed replay.
type Result struct {
	Bars           int
	Fills          int
	FinalEquity    float64
	ReturnPct      float64
	MaxDrawdownPct float64
	Commissions    float64
	Slippage       float64
	EquityCurve    []Point
}

// Driver owns the replay loop: advance the simulated venue to the bar, then
// hand the bar to the engine.
type Driver struct {
	engine  *engine.Engine
	venue   *sim.Venue
	src     feed.Source
	account float64
	logger  *slog.Logger
}

func NewDriver(e *engine.Engine, v *sim.Venue, src feed.Source, account float64, logger *slog.Logger) *Driver {
	return &Driver{
		engine:  e,
		venue:   v,
		src:     src,
		account: account,
		logger:  logger.With(slog.String("component", "backtest")),
	}
}

// Run replays the whole source and returns the summary.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	var res Result
	peak := d.account
	maxDD := 0.0

	for {
		obs, err := d.src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("backtest: feed: %w", err)
		}

		// The venue sees the bar first so resting exits triggered by it fill
		// before the engine decides on it.
		d.venue.Step(obs)
		if err := d.engine.Process(ctx, obs); err != nil {
			return Result{}, fmt.Errorf("backtest: bar %d: %w", obs.Seq, err)
		}

		acct := d.engine.Equity()
		res.EquityCurve = append(res.EquityCurve, Point{Time: obs.Timestamp, Equity: acct.Equity})
		if acct.Equity > peak {
			peak = acct.Equity
		}
		if peak > 0 {
			if dd := (peak - acct.Equity) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
		res.Bars++
	}

	acct := d.engine.Equity()
	costs := d.venue.Costs()
	res.Fills = costs.FillCount
	res.FinalEquity = acct.Equity
	if d.account > 0 {
		res.ReturnPct = (acct.Equity/d.account - 1) * 100
	}
	res.MaxDrawdownPct = maxDD
	res.Commissions = costs.Commissions
	res.Slippage = costs.Slippage

	d.logger.Info("replay finished",
		slog.Int("bars", res.Bars),
		slog.Int("fills", res.Fills),
		slog.Float64("return_pct", res.ReturnPct),
		slog.Float64("max_drawdown_pct", res.MaxDrawdownPct),
		slog.Float64("commissions", res.Commissions),
	)
	return res, nil
}
