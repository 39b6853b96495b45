package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"tranchebot/internal/feed"
)

// RunnerConfig bounds the live session.
type RunnerConfig struct {
	// TradingStartMin/TradingEndMin are minutes from midnight in Location.
	// Observations outside the window are consumed but produce no decisions
	// beyond fill application, so an after-hours exit report still lands.
	TradingStartMin int
	TradingEndMin   int
	Location        *time.Location
}

// Runner drives the engine from a feed source until the context ends or the
// source is exhausted. Processing errors on one observation are logged and
// the session continues; state corruption errors terminate it.
type Runner struct {
	engine *Engine
	src    feed.Source
	cfg    RunnerConfig
	logger *slog.Logger
}

func NewRunner(e *Engine, src feed.Source, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Location == nil {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		cfg.Location = loc
	}
	return &Runner{
		engine: e,
		src:    src,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "runner")),
	}
}

// Run consumes observations until ctx is cancelled or the feed ends.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("session started")
	defer r.logger.Info("session stopped")

	for {
		obs, err := r.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if !r.inWindow(obs.Timestamp) {
			// Outside the session: still drain and apply fills so venue-side
			// executions are never sat on, but make no new decisions.
			if err := r.engine.applyFills(ctx, obs); err != nil {
				r.logger.Error("after-hours fill application failed", slog.Any("error", err))
			}
			continue
		}

		if err := r.engine.Process(ctx, obs); err != nil {
			r.logger.Error("observation processing failed",
				slog.Int64("seq", obs.Seq),
				slog.Any("error", err),
			)
		}
	}
}

func (r *Runner) inWindow(ts time.Time) bool {
	if r.cfg.TradingEndMin <= r.cfg.TradingStartMin {
		return true // no window configured
	}
	local := ts.In(r.cfg.Location)
	min := local.Hour()*60 + local.Minute()
	return min >= r.cfg.TradingStartMin && min <= r.cfg.TradingEndMin
}
