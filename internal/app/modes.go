package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tranchebot/internal/backtest"
	"tranchebot/internal/bracket"
	"tranchebot/internal/config"
	"tranchebot/internal/domain"
	"tranchebot/internal/engine"
	"tranchebot/internal/feed"
	"tranchebot/internal/metrics"
	"tranchebot/internal/monitor"
	"tranchebot/internal/risk"
	"tranchebot/internal/rules"
	"tranchebot/internal/tracker"
	"tranchebot/internal/venue/ironbeam"
	"tranchebot/internal/venue/sim"
)

// LiveMode runs the trading daemon: session lock, broker connection, state
// restore and reconciliation, then the poll-driven decision loop alongside
// the fill stream, heartbeat beacon, and metrics listener.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	if cfg.Venue.Name != "ironbeam" {
		return fmt.Errorf("app: live mode requires the ironbeam venue, got %q", cfg.Venue.Name)
	}

	a.logger.InfoContext(ctx, "starting live mode",
		slog.String("underlying", cfg.Strategy.Underlying),
		slog.String("strategy", cfg.Strategy.Name),
	)

	poll := cfg.Engine.PollInterval.Duration

	// One daemon per underlying. The lock TTL outlives a few missed
	// refreshes so a crashed daemon frees the session without operator help.
	lockTTL := 3 * poll
	if lockTTL < time.Minute {
		lockTTL = time.Minute
	}
	release, err := deps.SessionLock.Acquire(ctx, cfg.Strategy.Underlying, lockTTL)
	if err != nil {
		return fmt.Errorf("app: acquire session lock: %w", err)
	}
	defer release()

	ib := ironbeam.New(ironbeam.Config{
		BaseURL: cfg.Venue.BaseURL,
		WSURL:   cfg.Venue.WSURL,
		Auth: ironbeam.Auth{
			Key:    cfg.Venue.APIKey,
			Secret: cfg.Venue.Secret,
		},
		AccountID:      cfg.Venue.Account,
		TickSize:       cfg.Venue.TickSize,
		SubmitAttempts: cfg.Venue.SubmitRetries,
	}, a.logger)

	params, err := buildParams(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Deps{
		Params:    params,
		Tracker:   tracker.New(cfg.Strategy.ContractMultiplier, a.logger),
		Brackets:  bracket.New(bracketConfig(cfg), ib, deps.BracketStore, a.logger),
		Guard:     risk.New(riskLimits(cfg), a.logger),
		Adapter:   ib,
		Positions: deps.PositionStore,
		Journal:   deps.Journal,
		Halt:      deps.Halt,
		Sink:      eventSink(deps),
		Archiver:  deps.Archiver,
		Metrics:   engineMetrics(deps),
		Logger:    a.logger,
		Account:   cfg.AccountValue,
		Live:      true,
	})

	// Persisted truth first, then broker truth. A mismatch flags the
	// position for reconciliation and freezes automation rather than
	// trading on state we cannot trust.
	if err := eng.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore state: %w", err)
	}
	if err := eng.Reconcile(ctx); err != nil {
		return fmt.Errorf("app: reconcile with venue: %w", err)
	}

	quote := func(ctx context.Context, symbol string) (feed.Quote, error) {
		q, err := ib.GetQuote(ctx, symbol)
		if err != nil {
			return feed.Quote{}, err
		}
		return feed.Quote{
			Price: q.Last,
			High:  q.High,
			Low:   q.Low,
			IV:    q.IV,
			At:    time.UnixMilli(q.Timestamp).UTC(),
		}, nil
	}
	src := feed.NewLive(quote, cfg.Strategy.Underlying, poll, nil, a.logger)

	startMin, endMin := cfg.Engine.TradingWindow()
	runner := engine.NewRunner(eng, src, engine.RunnerConfig{
		TradingStartMin: startMin,
		TradingEndMin:   endMin,
	}, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runner.Run(ctx)
	})

	stream := ironbeam.NewStream(ib, a.logger)
	g.Go(func() error {
		return stream.Run(ctx)
	})

	// Liveness beacon for the monitor, piggybacking the session lock
	// refresh on the same cadence.
	g.Go(func() error {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := deps.Heartbeat.Beat(ctx, lockTTL); err != nil {
					a.logger.WarnContext(ctx, "heartbeat beat failed", slog.String("error", err.Error()))
				}
				if err := deps.SessionLock.Refresh(ctx, cfg.Strategy.Underlying, lockTTL); err != nil {
					a.logger.WarnContext(ctx, "session lock refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	if deps.Metrics != nil {
		a.startMetricsServer(ctx, g, deps.Metrics)
	}

	return g.Wait()
}

// BacktestMode replays a bar file through the identical decision pipeline
// against the simulated venue and reports the run summary.
func (a *App) BacktestMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	a.logger.InfoContext(ctx, "starting backtest mode",
		slog.String("bars_path", cfg.Backtest.BarsPath),
		slog.String("underlying", cfg.Strategy.Underlying),
	)

	src, err := feed.OpenReplay(cfg.Backtest.BarsPath, cfg.Strategy.Underlying)
	if err != nil {
		return fmt.Errorf("app: open replay: %w", err)
	}
	windowed, err := windowSource(src, cfg.Backtest.Start, cfg.Backtest.End)
	if err != nil {
		return err
	}

	params, err := buildParams(cfg)
	if err != nil {
		return err
	}

	venue := sim.New(sim.Config{
		FeePerContract: cfg.Backtest.FeePerContract,
		SlippagePct:    cfg.Backtest.SlippagePct,
		TickSize:       cfg.Venue.TickSize,
		Multiplier:     cfg.Strategy.ContractMultiplier,
	}, a.logger)

	eng := engine.New(engine.Deps{
		Params:   params,
		Tracker:  tracker.New(cfg.Strategy.ContractMultiplier, a.logger),
		Brackets: bracket.New(bracketConfig(cfg), venue, nil, a.logger),
		Guard:    risk.New(riskLimits(cfg), a.logger),
		Adapter:  venue,
		Metrics:  engineMetrics(deps),
		Logger:   a.logger,
		Account:  cfg.AccountValue,
	})

	driver := backtest.NewDriver(eng, venue, windowed, cfg.AccountValue, a.logger)
	res, err := driver.Run(ctx)
	if err != nil {
		return fmt.Errorf("app: backtest: %w", err)
	}

	a.logger.InfoContext(ctx, "backtest complete",
		slog.Int("bars", res.Bars),
		slog.Int("fills", res.Fills),
		slog.Float64("final_equity", res.FinalEquity),
		slog.Float64("return_pct", res.ReturnPct),
		slog.Float64("max_drawdown_pct", res.MaxDrawdownPct),
		slog.Float64("commissions", res.Commissions),
		slog.Float64("slippage", res.Slippage),
	)
	return nil
}

// MonitorMode runs the read-only safety net: event-stream tailing, breaker
// evaluation over persisted positions, and notification delivery.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	cfg := a.cfg
	a.logger.InfoContext(ctx, "starting monitor mode",
		slog.String("underlying", cfg.Strategy.Underlying),
	)

	var notifier domain.EventSink
	if deps.Notifier != nil {
		notifier = deps.Notifier
	}

	mon := monitor.New(
		monitor.Config{
			Interval:     cfg.Monitor.PollInterval.Duration,
			AccountValue: cfg.AccountValue,
			Underlying:   cfg.Strategy.Underlying,
		},
		deps.PositionStore,
		deps.Journal,
		deps.Halt,
		risk.New(riskLimits(cfg), a.logger),
		deps.EventStream,
		deps.Heartbeat,
		notifier,
		a.logger,
	)
	return mon.Run(ctx)
}

// startMetricsServer runs the ops HTTP listener and shuts it down when the
// group context ends.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group, collector *metrics.Collector) {
	srv := metrics.NewServer(a.cfg.Metrics.Port, collector, a.logger)
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// buildParams maps strategy configuration onto the rule engine's parameter
// set.
func buildParams(cfg *config.Config) (rules.Params, error) {
	s := cfg.Strategy
	p := rules.Params{
		Strategy:            s.Name,
		Underlying:          s.Underlying,
		Direction:           s.Direction,
		InitialQty:          s.InitialQty,
		AddTrigger:          s.AddTrigger,
		MaxQty:              s.MaxQty,
		StopPrice:           s.StopPrice,
		TakeProfitMult:      s.TakeProfitMult,
		EntryAbove:          s.EntryAbove,
		TimeExitDays:        s.TimeExitDays,
		StopRequiresIVBelow: s.StopRequiresIVBelow,
	}
	if s.Expiry != "" {
		expiry, err := s.ExpiryDate()
		if err != nil {
			return rules.Params{}, fmt.Errorf("app: %w", err)
		}
		p.Expiry = expiry
	}
	return p, nil
}

// bracketConfig maps strategy configuration onto the bracket manager's
// parameter set.
func bracketConfig(cfg *config.Config) bracket.Config {
	s := cfg.Strategy
	return bracket.Config{
		PerTranche:      s.BracketPerTranche,
		StopPrice:       s.StopPrice,
		TakeProfit1Frac: s.TakeProfit1Frac,
		ProfitOffset1:   s.TakeProfitOffset1,
		ProfitOffset2:   s.TakeProfitOffset2,
		TIF:             domain.TimeInForce(s.TIF),
		Trailing: bracket.TrailingConfig{
			Enabled:    s.TrailingStop.Mode == "true_range",
			Window:     s.TrailingStop.Window,
			Multiplier: s.TrailingStop.Multiplier,
		},
		TickSize: cfg.Venue.TickSize,
	}
}

func riskLimits(cfg *config.Config) domain.RiskLimits {
	return domain.RiskLimits{
		PositionLimit:       cfg.Risk.PositionLimit,
		MaxDrawdownPct:      cfg.Risk.MaxDrawdownPct,
		MaxLossPct:          cfg.Risk.MaxLossPct,
		ConnectivityTimeout: cfg.Risk.ConnectivityTimeout.Duration,
	}
}

// eventSink avoids handing the engine a typed-nil interface when Redis is
// not wired.
func eventSink(deps *Dependencies) domain.EventSink {
	if deps.EventStream == nil {
		return nil
	}
	return deps.EventStream
}

// engineMetrics avoids handing the engine a typed-nil interface when the
// collector is disabled.
func engineMetrics(deps *Dependencies) engine.Metrics {
	if deps.Metrics == nil {
		return nil
	}
	return deps.Metrics
}

// windowSource restricts a replay to the configured [start, end] date range.
// Empty bounds leave that side open.
func windowSource(src feed.Source, start, end string) (feed.Source, error) {
	w := &windowedSource{src: src}
	if start != "" {
		t, err := time.Parse("2006-01-02", start)
		if err != nil {
			return nil, fmt.Errorf("app: parse backtest start %q: %w", start, err)
		}
		w.start = t
	}
	if end != "" {
		t, err := time.Parse("2006-01-02", end)
		if err != nil {
			return nil, fmt.Errorf("app: parse backtest end %q: %w", end, err)
		}
		// Inclusive end date: keep bars through the end of that day.
		w.end = t.Add(24*time.Hour - time.Nanosecond)
	}
	if w.start.IsZero() && w.end.IsZero() {
		return src, nil
	}
	return w, nil
}

type windowedSource struct {
	src   feed.Source
	start time.Time
	end   time.Time
}

func (w *windowedSource) Next(ctx context.Context) (domain.Observation, error) {
	for {
		obs, err := w.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.Observation{}, io.EOF
			}
			return domain.Observation{}, err
		}
		if !w.start.IsZero() && obs.Timestamp.Before(w.start) {
			continue
		}
		if !w.end.IsZero() && obs.Timestamp.After(w.end) {
			return domain.Observation{}, io.EOF
		}
		return obs, nil
	}
}
