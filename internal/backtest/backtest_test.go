package backtest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"tranchebot/internal/bracket"
	"tranchebot/internal/domain"
	"tranchebot/internal/engine"
	"tranchebot/internal/risk"
	"tranchebot/internal/rules"
	"tranchebot/internal/tracker"
	"tranchebot/internal/venue/sim"
)

type sliceSource struct {
	rows []domain.Observation
	next int
}

func (s *sliceSource) Next(_ context.Context) (domain.Observation, error) {
	if s.next >= len(s.rows) {
		return domain.Observation{}, io.EOF
	}
	obs := s.rows[s.next]
	s.next++
	return obs, nil
}

type memJournal struct {
	events []domain.Event
}

func (j *memJournal) Append(_ context.Context, ev domain.Event) error {
	j.events = append(j.events, ev)
	return nil
}
func (j *memJournal) ListByPosition(_ context.Context, positionID string) ([]domain.Event, error) {
	var out []domain.Event
	for _, ev := range j.events {
		if ev.PositionID == positionID {
			out = append(out, ev)
		}
	}
	return out, nil
}
func (j *memJournal) ListSince(_ context.Context, since time.Time, _ domain.ListOpts) ([]domain.Event, error) {
	var out []domain.Event
	for _, ev := range j.events {
		if !ev.At.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}
func (j *memJournal) Compact(_ context.Context, _ string) error { return nil }

func bars(prices ...float64) []domain.Observation {
	base := time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC)
	out := make([]domain.Observation, len(prices))
	for i, p := range prices {
		out[i] = domain.Observation{
			Seq:        int64(i + 1),
			Timestamp:  base.AddDate(0, 0, i),
			Underlying: "MSTR",
			Price:      p,
			High:       p,
			Low:        p,
		}
	}
	return out
}

func scenarioParams() rules.Params {
	return rules.Params{
		Strategy:   "tranche",
		Underlying: "MSTR",
		Direction:  1,
		InitialQty: 5,
		AddTrigger: 15,
		MaxQty:     25,
		StopPrice:  369.51,
		EntryAbove: 400,
	}
}

// buildRun wires a full pipeline over the given bars and returns the pieces
// needed for assertions.
func buildRun(t *testing.T, rows []domain.Observation, params rules.Params) (*Driver, *sim.Venue, *tracker.Tracker, *memJournal) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v := sim.New(sim.Config{TickSize: 0.01, Multiplier: 100}, logger)
	tr := tracker.New(100, logger)
	br := bracket.New(bracket.Config{
		StopPrice:      params.StopPrice,
		TIF:            domain.TIFGoodTillCancel,
		TickSize:       0.01,
		CancelAttempts: 3,
		CancelBackoff:  time.Millisecond,
	}, v, nil, logger)
	guard := risk.New(domain.RiskLimits{PositionLimit: params.MaxQty}, logger)
	journal := &memJournal{}

	e := engine.New(engine.Deps{
		Params:   params,
		Tracker:  tr,
		Brackets: br,
		Guard:    guard,
		Adapter:  v,
		Journal:  journal,
		Logger:   logger,
		Account:  1_400_000,
	})
	d := NewDriver(e, v, &sliceSource{rows: rows}, 1_400_000, logger)
	return d, v, tr, journal
}

func TestTrancheScenario(t *testing.T) {
	// Enter 5 at 404.90; the +15 trigger adds 5 more at 421.61; the stop at
	// 369.51 then takes the whole position out on the gap to 365.
	rows := bars(404.90, 415.00, 421.61, 380.00, 365.00)
	d, v, _, journal := buildRun(t, rows, scenarioParams())

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Bars != 5 {
		t.Fatalf("bars = %d, want 5", res.Bars)
	}

	var opened, closed []domain.Event
	for _, ev := range journal.events {
		switch ev.Type {
		case domain.EventTrancheOpened:
			opened = append(opened, ev)
		case domain.EventTrancheClosed:
			closed = append(closed, ev)
		}
	}
	if len(opened) != 2 {
		t.Fatalf("opened tranches = %d, want 2 (entry + one add)", len(opened))
	}
	if opened[0].Price != 404.90 || opened[1].Price != 421.61 {
		t.Fatalf("tranche entries = %v/%v, want 404.90/421.61", opened[0].Price, opened[1].Price)
	}
	if len(closed) != 2 {
		t.Fatalf("closed tranches = %d, want 2", len(closed))
	}
	for _, ev := range closed {
		if ev.Reason != domain.ReasonStop {
			t.Fatalf("close reason = %q, want stop", ev.Reason)
		}
		// Gap through the trigger fills at the open, not the stop price.
		if ev.Price != 365.00 {
			t.Fatalf("close price = %v, want 365.00", ev.Price)
		}
	}

	// 5*(365-404.90)*100 + 5*(365-421.61)*100
	wantPnL := 5*(365.00-404.90)*100 + 5*(365.00-421.61)*100
	wantEquity := 1_400_000 + wantPnL
	if diff := res.FinalEquity - wantEquity; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("final equity = %v, want %v", res.FinalEquity, wantEquity)
	}
	if v.RestingCount() != 0 {
		t.Fatalf("resting orders after run = %d, want 0", v.RestingCount())
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	rows := bars(404.90, 415.00, 421.61, 430.00, 426.00, 380.00, 365.00)

	run := func() ([]domain.Event, Result) {
		d, _, _, journal := buildRun(t, rows, scenarioParams())
		res, err := d.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return journal.events, res
	}

	ev1, res1 := run()
	ev2, res2 := run()

	if len(ev1) != len(ev2) {
		t.Fatalf("event counts differ: %d vs %d", len(ev1), len(ev2))
	}
	for i := range ev1 {
		if ev1[i].ID != ev2[i].ID || ev1[i].Type != ev2[i].Type ||
			ev1[i].Price != ev2[i].Price || ev1[i].Quantity != ev2[i].Quantity ||
			ev1[i].Seq != ev2[i].Seq {
			t.Fatalf("event %d differs:\n%+v\n%+v", i, ev1[i], ev2[i])
		}
	}
	if res1.FinalEquity != res2.FinalEquity || res1.Fills != res2.Fills {
		t.Fatalf("results differ: %+v vs %+v", res1, res2)
	}
	if len(res1.EquityCurve) != len(res2.EquityCurve) {
		t.Fatalf("equity curves differ in length")
	}
	for i := range res1.EquityCurve {
		if res1.EquityCurve[i].Equity != res2.EquityCurve[i].Equity {
			t.Fatalf("equity curve diverges at %d", i)
		}
	}
}

func TestCostModelAccrues(t *testing.T) {
	rows := bars(404.90, 421.61, 365.00)
	params := scenarioParams()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := sim.New(sim.Config{FeePerContract: 0.65, SlippagePct: 0.1, TickSize: 0.01, Multiplier: 100}, logger)
	tr := tracker.New(100, logger)
	br := bracket.New(bracket.Config{
		StopPrice:      params.StopPrice,
		TIF:            domain.TIFGoodTillCancel,
		TickSize:       0.01,
		CancelAttempts: 3,
		CancelBackoff:  time.Millisecond,
	}, v, nil, logger)
	guard := risk.New(domain.RiskLimits{PositionLimit: params.MaxQty}, logger)
	e := engine.New(engine.Deps{
		Params: params, Tracker: tr, Brackets: br, Guard: guard,
		Adapter: v, Logger: logger, Account: 1_400_000,
	})
	d := NewDriver(e, v, &sliceSource{rows: rows}, 1_400_000, logger)

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Entry 5 + add 5 + stop exit 10 = 20 contracts of commission.
	if res.Commissions != 0.65*20 {
		t.Fatalf("commissions = %v, want %v", res.Commissions, 0.65*20)
	}
	if res.Slippage <= 0 {
		t.Fatalf("slippage = %v, want > 0 (market entries pay slippage)", res.Slippage)
	}
	if res.Fills != 3 {
		t.Fatalf("fills = %d, want 3", res.Fills)
	}
}
