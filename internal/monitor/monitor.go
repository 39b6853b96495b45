// Package monitor is the read-only safety net that runs beside the trading
// daemon. It never submits orders: it recomputes the circuit breakers from
// persisted state, raises the shared halt flag when one trips, and forwards
// journal events to the operator channels. A wedged daemon therefore still
// gets halted, and a halted daemon still gets reported on.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tranchebot/internal/domain"
	"tranchebot/internal/risk"
)

// EventTailer follows the daemon's event fan-out stream.
type EventTailer interface {
	Tail(ctx context.Context, lastID string, count int, block time.Duration) ([]domain.Event, string, error)
}

// HeartbeatReader reports the age of the daemon's liveness beacon.
type HeartbeatReader interface {
	Age(ctx context.Context) (time.Duration, error)
}

// Config holds the monitor's polling parameters.
type Config struct {
	// Interval between breaker evaluations.
	Interval time.Duration
	// AccountValue is the equity baseline, matching the daemon's configuration.
	AccountValue float64
	// Underlying scopes the position-history query behind realized PnL.
	Underlying string
}

// Monitor polls persisted positions, evaluates the risk breakers, and tails
// the event stream.
type Monitor struct {
	cfg       Config
	positions domain.PositionStore
	journal   domain.EventJournal
	halt      domain.HaltFlag
	guard     *risk.Guard
	stream    EventTailer
	heartbeat HeartbeatReader
	notifier  domain.EventSink
	logger    *slog.Logger

	lastID string
	peak   float64
	raised domain.RejectReason
}

// New creates a Monitor. stream, heartbeat, and notifier may be nil; the
// corresponding duties are skipped.
func New(
	cfg Config,
	positions domain.PositionStore,
	journal domain.EventJournal,
	halt domain.HaltFlag,
	guard *risk.Guard,
	stream EventTailer,
	heartbeat HeartbeatReader,
	notifier domain.EventSink,
	logger *slog.Logger,
) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Monitor{
		cfg:       cfg,
		positions: positions,
		journal:   journal,
		halt:      halt,
		guard:     guard,
		stream:    stream,
		heartbeat: heartbeat,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "monitor")),
		lastID:    "$",
		peak:      cfg.AccountValue,
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Float64("account_value", m.cfg.AccountValue),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle runs one forward-events-then-evaluate pass. Errors are logged, never
// fatal: the monitor outliving a flaky dependency is the point.
func (m *Monitor) cycle(ctx context.Context) {
	m.forwardEvents(ctx)
	m.evaluate(ctx)
}

func (m *Monitor) forwardEvents(ctx context.Context) {
	if m.stream == nil {
		return
	}
	events, lastID, err := m.stream.Tail(ctx, m.lastID, 100, 0)
	if err != nil {
		m.logger.Warn("event tail failed", slog.String("error", err.Error()))
		return
	}
	m.lastID = lastID

	for _, ev := range events {
		m.logger.Info("journal event",
			slog.String("type", string(ev.Type)),
			slog.String("position_id", ev.PositionID),
			slog.String("reason", ev.Reason),
		)
		if m.notifier != nil {
			if err := m.notifier.Emit(ctx, ev); err != nil {
				m.logger.Warn("notify failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context) {
	acct, err := m.accountSnapshot(ctx)
	if err != nil {
		m.logger.Warn("account snapshot failed", slog.String("error", err.Error()))
		return
	}

	hbAge := time.Duration(0)
	if m.heartbeat != nil {
		hbAge, err = m.heartbeat.Age(ctx)
		if err != nil {
			m.logger.Warn("heartbeat read failed", slog.String("error", err.Error()))
			return
		}
	}

	reason, halted := m.guard.Evaluate(acct, hbAge)
	if !halted {
		// Breakers clearing never lowers a raised flag; only an operator does.
		m.raised = ""
		return
	}
	if reason == m.raised {
		return
	}

	// Re-check the shared flag so two monitor replicas do not double-report.
	if current, _, ok, err := m.halt.Current(ctx); err == nil && ok && current == reason {
		m.raised = reason
		return
	}

	m.logger.Error("circuit breaker tripped",
		slog.String("reason", string(reason)),
		slog.Float64("equity", acct.Equity),
		slog.Float64("peak_equity", acct.PeakEquity),
		slog.Duration("heartbeat_age", hbAge),
	)

	if err := m.halt.Raise(ctx, reason, "raised by monitor"); err != nil {
		m.logger.Error("halt raise failed", slog.String("error", err.Error()))
		return
	}
	m.raised = reason

	ev := domain.Event{
		ID:     domain.NewEventID("monitor|"+string(reason), domain.EventRiskHalted, time.Now().Unix()),
		Type:   domain.EventRiskHalted,
		Reason: string(reason),
		At:     time.Now().UTC(),
	}
	if err := m.journal.Append(ctx, ev); err != nil {
		m.logger.Warn("journal append failed", slog.String("error", err.Error()))
	}
	if m.notifier != nil {
		if err := m.notifier.Emit(ctx, ev); err != nil {
			m.logger.Warn("notify failed", slog.String("error", err.Error()))
		}
	}
}

// accountSnapshot rebuilds the equity view from persisted position snapshots:
// the configured baseline, plus realized PnL from closed positions in history,
// plus the running PnL of every open position. This mirrors the daemon's own
// equity computation, so both processes trip the same breakers at the same
// levels.
func (m *Monitor) accountSnapshot(ctx context.Context) (domain.AccountSnapshot, error) {
	positions, err := m.positions.ListOpen(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.AccountSnapshot{}, err
	}
	history, err := m.positions.ListHistory(ctx, m.cfg.Underlying, domain.ListOpts{})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.AccountSnapshot{}, err
	}

	equity := m.cfg.AccountValue
	for _, p := range history {
		if p.Status == domain.PositionStatusClosed {
			equity += p.RealizedPnL
		}
	}
	for _, p := range positions {
		equity += p.RealizedPnL + p.UnrealizedPnL
	}
	if equity > m.peak {
		m.peak = equity
	}
	return domain.AccountSnapshot{
		Equity:     equity,
		PeakEquity: m.peak,
		Account:    m.cfg.AccountValue,
	}, nil
}
