package risk

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tranchebot/internal/domain"
)

func testGuard() *Guard {
	return New(domain.RiskLimits{
		PositionLimit:       25,
		MaxDrawdownPct:      5,
		MaxLossPct:          10,
		ConnectivityTimeout: 30 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func healthyAccount() domain.AccountSnapshot {
	return domain.AccountSnapshot{Equity: 1_400_000, PeakEquity: 1_400_000, Account: 1_400_000}
}

func openPos(net int) *domain.Position {
	return &domain.Position{
		ID:          "pos-1",
		Status:      domain.PositionStatusOpen,
		Tranches:    []domain.Tranche{{ID: "tr-1", Quantity: net, EntryPrice: 400}},
		NetQuantity: net,
	}
}

func rejectCode(t *testing.T, err error) domain.RejectReason {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want *Rejection", err)
	}
	return rej.Code
}

func TestAllowsActionWithinLimits(t *testing.T) {
	g := testGuard()
	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5}
	if err := g.Check(add, openPos(10), healthyAccount(), Conditions{}); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestPositionLimitRejectsBreachingAdd(t *testing.T) {
	g := testGuard()
	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 10}
	err := g.Check(add, openPos(20), healthyAccount(), Conditions{})
	if got := rejectCode(t, err); got != domain.RejectPositionLimit {
		t.Fatalf("code = %s, want POSITION_LIMIT", got)
	}
	// A position-limit veto is not a halt.
	if errors.Is(err, domain.ErrHalted) {
		t.Fatal("POSITION_LIMIT matched ErrHalted")
	}
	// An add that exactly reaches the limit passes.
	exact := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5}
	if err := g.Check(exact, openPos(20), healthyAccount(), Conditions{}); err != nil {
		t.Fatalf("Check(exact limit): %v", err)
	}
}

func TestDrawdownHaltRejectsAddsButAllowsCloses(t *testing.T) {
	g := testGuard()
	drawn := domain.AccountSnapshot{Equity: 1_300_000, PeakEquity: 1_400_000, Account: 1_400_000} // 7.1% drawdown

	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5}
	err := g.Check(add, openPos(10), drawn, Conditions{})
	if got := rejectCode(t, err); got != domain.RejectDrawdownHalt {
		t.Fatalf("code = %s, want DRAWDOWN_HALT", got)
	}
	if !errors.Is(err, domain.ErrHalted) {
		t.Fatal("DRAWDOWN_HALT did not match ErrHalted")
	}

	closeAll := domain.Action{Kind: domain.ActionCloseAll, PositionID: "pos-1", Reason: domain.ReasonStop}
	if err := g.Check(closeAll, openPos(10), drawn, Conditions{}); err != nil {
		t.Fatalf("close rejected during drawdown halt: %v", err)
	}
	tighten := domain.Action{Kind: domain.ActionTightenStop, PositionID: "pos-1", Price: 390}
	if err := g.Check(tighten, openPos(10), drawn, Conditions{}); err != nil {
		t.Fatalf("tighten rejected during drawdown halt: %v", err)
	}
}

func TestLossHaltRejectsOpens(t *testing.T) {
	g := testGuard()
	// 12% below configured account value but equal to peak: loss halt, not drawdown.
	lossy := domain.AccountSnapshot{Equity: 1_232_000, PeakEquity: 1_232_000, Account: 1_400_000}

	open := domain.Action{Kind: domain.ActionOpenTranche, PositionID: "pos-2", Quantity: 5}
	err := g.Check(open, nil, lossy, Conditions{})
	if got := rejectCode(t, err); got != domain.RejectLossHalt {
		t.Fatalf("code = %s, want LOSS_HALT", got)
	}
}

func TestStaleHeartbeatHaltsEverything(t *testing.T) {
	g := testGuard()
	cond := Conditions{HeartbeatAge: time.Minute}

	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5}
	if got := rejectCode(t, g.Check(add, openPos(10), healthyAccount(), cond)); got != domain.RejectConnectivityHalt {
		t.Fatalf("add code = %s, want CONNECTIVITY_HALT", got)
	}
	// Unlike drawdown/loss halts, closes are also blocked: nothing can be
	// confirmed over a dead connection.
	closeAll := domain.Action{Kind: domain.ActionCloseAll, PositionID: "pos-1", Reason: domain.ReasonStop}
	if got := rejectCode(t, g.Check(closeAll, openPos(10), healthyAccount(), cond)); got != domain.RejectConnectivityHalt {
		t.Fatalf("close code = %s, want CONNECTIVITY_HALT", got)
	}
}

func TestExternalHaltFlagRejectsIncreases(t *testing.T) {
	g := testGuard()
	cond := Conditions{Halt: domain.RejectDrawdownHalt}

	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5}
	if got := rejectCode(t, g.Check(add, openPos(10), healthyAccount(), cond)); got != domain.RejectDrawdownHalt {
		t.Fatalf("code = %s, want DRAWDOWN_HALT from flag", got)
	}
	closeAll := domain.Action{Kind: domain.ActionCloseAll, PositionID: "pos-1", Reason: domain.ReasonManual}
	if err := g.Check(closeAll, openPos(10), healthyAccount(), cond); err != nil {
		t.Fatalf("close rejected under external flag: %v", err)
	}
}

func TestEvaluate(t *testing.T) {
	g := testGuard()

	if code, halted := g.Evaluate(healthyAccount(), 0); halted {
		t.Fatalf("healthy account halted: %s", code)
	}
	drawn := domain.AccountSnapshot{Equity: 1_300_000, PeakEquity: 1_400_000, Account: 1_400_000}
	if code, halted := g.Evaluate(drawn, 0); !halted || code != domain.RejectDrawdownHalt {
		t.Fatalf("Evaluate(drawn) = %s,%v", code, halted)
	}
	if code, halted := g.Evaluate(healthyAccount(), time.Minute); !halted || code != domain.RejectConnectivityHalt {
		t.Fatalf("Evaluate(stale) = %s,%v", code, halted)
	}
}
