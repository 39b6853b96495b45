package tracker

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tranchebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entryFill(reqID string, kind domain.OrderKind, qty int, price float64, at time.Time) domain.Fill {
	return domain.Fill{
		VenueOrderID: "v-" + reqID,
		RequestID:    reqID,
		Kind:         kind,
		Side:         domain.OrderSideBuy,
		Price:        price,
		Quantity:     qty,
		At:           at,
	}
}

func openPosition(t *testing.T, tr *Tracker, qty int, price float64, at time.Time) *domain.Position {
	t.Helper()
	open := domain.Action{
		Kind:       domain.ActionOpenTranche,
		PositionID: "pos-1",
		Underlying: "MSTR",
		Quantity:   qty,
		RequestID:  "req-entry",
	}
	if err := tr.Begin(open); err != nil {
		t.Fatalf("Begin(open): %v", err)
	}
	if _, err := tr.ApplyFill(entryFill("req-entry", domain.OrderKindEntry, qty, price, at), 1); err != nil {
		t.Fatalf("ApplyFill(entry): %v", err)
	}
	return tr.Position()
}

func TestOpenTrancheTransitionsFlatToOpen(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	pos := openPosition(t, tr, 5, 404.90, at)

	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %s, want open", pos.Status)
	}
	if pos.NetQuantity != 5 {
		t.Fatalf("net quantity = %d, want 5", pos.NetQuantity)
	}
	if pos.LastAddPrice != 404.90 {
		t.Fatalf("last add price = %v, want 404.90", pos.LastAddPrice)
	}
	if len(pos.Tranches) != 1 || pos.Tranches[0].Tag != "initial" {
		t.Fatalf("tranches = %+v, want one initial tranche", pos.Tranches)
	}
	if !pos.OpenedAt.Equal(at) {
		t.Fatalf("opened at = %v, want %v", pos.OpenedAt, at)
	}
}

func TestOpenTrancheHoldsOpeningUntilFill(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

	open := domain.Action{
		Kind:       domain.ActionOpenTranche,
		PositionID: "pos-1",
		Underlying: "MSTR",
		Quantity:   5,
		RequestID:  "req-entry",
	}
	if err := tr.Begin(open); err != nil {
		t.Fatalf("Begin(open): %v", err)
	}
	pos := tr.Position()
	if pos == nil || pos.Status != domain.PositionStatusOpening {
		t.Fatalf("position after Begin = %+v, want opening", pos)
	}
	if !pos.Active() {
		t.Fatal("opening position not active")
	}

	// A second entry cannot start while the first is unconfirmed.
	second := open
	second.RequestID = "req-entry-2"
	if err := tr.Begin(second); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Begin(open) while opening: err = %v, want ErrInvalidTransition", err)
	}

	if _, err := tr.ApplyFill(entryFill("req-entry", domain.OrderKindEntry, 5, 404.90, at), 1); err != nil {
		t.Fatalf("ApplyFill(entry): %v", err)
	}
	if got := tr.Position().Status; got != domain.PositionStatusOpen {
		t.Fatalf("status after fill = %s, want open", got)
	}
}

func TestOpenTrancheRejectReturnsToFlat(t *testing.T) {
	tr := New(100, testLogger())

	open := domain.Action{
		Kind:       domain.ActionOpenTranche,
		PositionID: "pos-1",
		Underlying: "MSTR",
		Quantity:   5,
		RequestID:  "req-entry",
	}
	if err := tr.Begin(open); err != nil {
		t.Fatalf("Begin(open): %v", err)
	}
	tr.Reject(open)

	if pos := tr.Position(); pos != nil {
		t.Fatalf("position after reject = %+v, want nil", pos)
	}
	if err := tr.Begin(open); err != nil {
		t.Fatalf("Begin(open) after reject: %v", err)
	}
}

func TestRestoreDropsOrphanedInFlightEntry(t *testing.T) {
	// The daemon died between routing the entry and seeing its fill. The
	// order died with the session, so the restored tracker starts flat.
	tr := New(100, testLogger())
	tr.Restore(domain.Position{
		ID:         "pos-1",
		Underlying: "MSTR",
		Status:     domain.PositionStatusOpening,
	})

	if pos := tr.Position(); pos != nil {
		t.Fatalf("position after restore = %+v, want nil", pos)
	}
}

func TestAddTrancheScalingCollapsesOnFill(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)

	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5, RequestID: "req-add"}
	if err := tr.Begin(add); err != nil {
		t.Fatalf("Begin(add): %v", err)
	}
	if got := tr.Position().Status; got != domain.PositionStatusScaling {
		t.Fatalf("status after Begin = %s, want scaling", got)
	}

	events, err := tr.ApplyFill(entryFill("req-add", domain.OrderKindScaleIn, 5, 421.61, at.Add(time.Hour)), 2)
	if err != nil {
		t.Fatalf("ApplyFill(add): %v", err)
	}
	pos := tr.Position()
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %s, want open", pos.Status)
	}
	if pos.NetQuantity != 10 {
		t.Fatalf("net quantity = %d, want 10", pos.NetQuantity)
	}
	if pos.LastAddPrice != 421.61 {
		t.Fatalf("last add price = %v, want 421.61", pos.LastAddPrice)
	}
	if len(events) != 1 || events[0].Type != domain.EventTrancheOpened || events[0].Reason != "scale-in" {
		t.Fatalf("events = %+v, want one scale-in TrancheOpened", events)
	}
}

func TestAddTrancheRejectRestoresOpen(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)

	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5, RequestID: "req-add"}
	if err := tr.Begin(add); err != nil {
		t.Fatalf("Begin(add): %v", err)
	}
	tr.Reject(add)

	pos := tr.Position()
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %s, want open after reject", pos.Status)
	}
	if pos.NetQuantity != 5 || len(pos.Tranches) != 1 {
		t.Fatalf("position changed on reject: net=%d tranches=%d", pos.NetQuantity, len(pos.Tranches))
	}
}

func TestDuplicateFillIsIgnored(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)

	dup := entryFill("req-entry", domain.OrderKindEntry, 5, 404.90, at)
	events, err := tr.ApplyFill(dup, 1)
	if err != nil {
		t.Fatalf("ApplyFill(duplicate): %v", err)
	}
	if events != nil {
		t.Fatalf("duplicate fill produced events: %+v", events)
	}
	if got := tr.Position().NetQuantity; got != 5 {
		t.Fatalf("net quantity after duplicate = %d, want 5", got)
	}
}

func TestCloseAllClosesEveryTrancheAndRealizesPnL(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)
	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5, RequestID: "req-add"}
	if err := tr.Begin(add); err != nil {
		t.Fatalf("Begin(add): %v", err)
	}
	if _, err := tr.ApplyFill(entryFill("req-add", domain.OrderKindScaleIn, 5, 421.61, at.Add(time.Hour)), 2); err != nil {
		t.Fatalf("ApplyFill(add): %v", err)
	}

	closeAll := domain.Action{
		Kind:       domain.ActionCloseAll,
		PositionID: "pos-1",
		Reason:     domain.ReasonTimeExit,
		RequestID:  "req-close",
	}
	if err := tr.Begin(closeAll); err != nil {
		t.Fatalf("Begin(close): %v", err)
	}
	if got := tr.Position().Status; got != domain.PositionStatusClosing {
		t.Fatalf("status after Begin(close) = %s, want closing", got)
	}

	exitAt := at.Add(48 * time.Hour)
	fill := domain.Fill{
		RequestID: "req-close",
		Kind:      domain.OrderKindClose,
		Side:      domain.OrderSideSell,
		Price:     430.00,
		Quantity:  10,
		At:        exitAt,
	}
	events, err := tr.ApplyFill(fill, 3)
	if err != nil {
		t.Fatalf("ApplyFill(close): %v", err)
	}

	pos := tr.Position()
	if pos.Status != domain.PositionStatusClosed {
		t.Fatalf("status = %s, want closed", pos.Status)
	}
	if pos.NetQuantity != 0 {
		t.Fatalf("net quantity = %d, want 0", pos.NetQuantity)
	}
	if pos.ClosedAt == nil || !pos.ClosedAt.Equal(exitAt) {
		t.Fatalf("closed at = %v, want %v", pos.ClosedAt, exitAt)
	}
	// 5 * (430 - 404.90) * 100 + 5 * (430 - 421.61) * 100
	want := 5*(430.00-404.90)*100 + 5*(430.00-421.61)*100
	if diff := pos.RealizedPnL - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("realized pnl = %v, want %v", pos.RealizedPnL, want)
	}
	if len(events) != 2 {
		t.Fatalf("got %d close events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Type != domain.EventTrancheClosed || ev.Reason != domain.ReasonTimeExit {
			t.Fatalf("event = %+v, want TrancheClosed/time_exit", ev)
		}
	}
	for _, tranche := range pos.Tranches {
		if !tranche.Closed || tranche.ExitTime == nil {
			t.Fatalf("tranche %s not fully closed: %+v", tranche.ID, tranche)
		}
	}
}

func TestExitFillWithoutCloseActionUsesKindReason(t *testing.T) {
	// A bracket stop leg fills venue-side without a prior CloseAll.
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)

	fill := domain.Fill{
		RequestID: "req-stop-leg",
		Kind:      domain.OrderKindStop,
		Side:      domain.OrderSideSell,
		Price:     369.51,
		Quantity:  5,
		At:        at.Add(time.Hour),
	}
	events, err := tr.ApplyFill(fill, 4)
	if err != nil {
		t.Fatalf("ApplyFill(stop): %v", err)
	}
	if len(events) != 1 || events[0].Reason != domain.ReasonStop {
		t.Fatalf("events = %+v, want one stop-reason close", events)
	}
	if got := tr.Position().Status; got != domain.PositionStatusClosed {
		t.Fatalf("status = %s, want closed", got)
	}
}

func TestInvalidTransitions(t *testing.T) {
	tr := New(100, testLogger())

	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5}
	if err := tr.Begin(add); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Begin(add) while flat: err = %v, want ErrInvalidTransition", err)
	}
	closeAll := domain.Action{Kind: domain.ActionCloseAll, PositionID: "pos-1"}
	if err := tr.Begin(closeAll); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Begin(close) while flat: err = %v, want ErrInvalidTransition", err)
	}
}

func TestMarkToMarket(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)

	tr.MarkToMarket(domain.Observation{Seq: 2, Price: 414.90, Timestamp: at.Add(time.Minute)})
	want := 5 * 10.0 * 100.0
	if got := tr.Position().UnrealizedPnL; got != want {
		t.Fatalf("unrealized pnl = %v, want %v", got, want)
	}
}

func TestNetQuantityRecomputedFromTranches(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	pos := openPosition(t, tr, 5, 404.90, at)

	// Corrupt the cached net; the next apply must restore tranche truth.
	pos.NetQuantity = 99
	add := domain.Action{Kind: domain.ActionAddTranche, PositionID: "pos-1", Quantity: 5, RequestID: "req-add"}
	if err := tr.Begin(add); err != nil {
		t.Fatalf("Begin(add): %v", err)
	}
	if _, err := tr.ApplyFill(entryFill("req-add", domain.OrderKindScaleIn, 5, 421.61, at.Add(time.Hour)), 2); err != nil {
		t.Fatalf("ApplyFill(add): %v", err)
	}
	if got := tr.Position().NetQuantity; got != 10 {
		t.Fatalf("net quantity = %d, want 10 (recomputed)", got)
	}
}

func TestPartialExitSplitsTranche(t *testing.T) {
	// A split take-profit leg exits 3 of 5 contracts; the rest stays open.
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)

	fill := domain.Fill{
		RequestID: "req-tp1-leg",
		Kind:      domain.OrderKindTakeProfit,
		Side:      domain.OrderSideSell,
		Price:     424.90,
		Quantity:  3,
		At:        at.Add(time.Hour),
	}
	events, err := tr.ApplyFill(fill, 2)
	if err != nil {
		t.Fatalf("ApplyFill(partial tp): %v", err)
	}
	pos := tr.Position()
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %s, want open after partial exit", pos.Status)
	}
	if pos.NetQuantity != 2 {
		t.Fatalf("net quantity = %d, want 2", pos.NetQuantity)
	}
	if len(pos.Tranches) != 2 {
		t.Fatalf("tranches = %d, want 2 after split", len(pos.Tranches))
	}
	want := 3 * (424.90 - 404.90) * 100
	if diff := pos.RealizedPnL - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("realized pnl = %v, want %v", pos.RealizedPnL, want)
	}
	if len(events) != 1 || events[0].Quantity != 3 {
		t.Fatalf("events = %+v, want one 3-lot close", events)
	}
}

func TestRetire(t *testing.T) {
	tr := New(100, testLogger())
	at := time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)
	openPosition(t, tr, 5, 404.90, at)

	if err := tr.Retire(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Retire(open) err = %v, want ErrInvalidTransition", err)
	}

	closeAll := domain.Action{Kind: domain.ActionCloseAll, PositionID: "pos-1", Reason: domain.ReasonManual, RequestID: "req-close"}
	if err := tr.Begin(closeAll); err != nil {
		t.Fatalf("Begin(close): %v", err)
	}
	fill := domain.Fill{RequestID: "req-close", Kind: domain.OrderKindClose, Side: domain.OrderSideSell, Price: 400, Quantity: 5, At: at.Add(time.Hour)}
	if _, err := tr.ApplyFill(fill, 2); err != nil {
		t.Fatalf("ApplyFill(close): %v", err)
	}
	if err := tr.Retire(); err != nil {
		t.Fatalf("Retire(closed): %v", err)
	}
	if tr.Position() != nil {
		t.Fatal("position not cleared after retire")
	}
}
