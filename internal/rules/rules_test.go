package rules

import (
	"testing"
	"time"

	"tranchebot/internal/domain"
)

func params() Params {
	return Params{
		Strategy:       "tranche",
		Underlying:     "MSTR",
		Direction:      1,
		InitialQty:     5,
		AddTrigger:     15,
		MaxQty:         25,
		StopPrice:      369.51,
		TakeProfitMult: 1.5,
		EntryAbove:     400,
		Expiry:         time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC),
		TimeExitDays:   5,
	}
}

func obs(seq int64, price float64, day int) domain.Observation {
	return domain.Observation{
		Seq:        seq,
		Timestamp:  time.Date(2025, 6, day, 21, 0, 0, 0, time.UTC),
		Underlying: "MSTR",
		Price:      price,
		High:       price,
		Low:        price,
	}
}

func position(status domain.PositionStatus, qty int, entry, lastAdd float64) *domain.Position {
	return &domain.Position{
		ID:           "pos-1",
		Underlying:   "MSTR",
		Status:       status,
		Tranches:     []domain.Tranche{{ID: "tr-1", Quantity: qty, EntryPrice: entry}},
		NetQuantity:  qty,
		LastAddPrice: lastAdd,
	}
}

func TestEntryRequiresTriggerLevel(t *testing.T) {
	p := params()

	if _, ok := Evaluate(nil, obs(1, 399.00, 2), p); ok {
		t.Fatal("entered below the entry level")
	}

	a, ok := Evaluate(nil, obs(1, 404.90, 2), p)
	if !ok {
		t.Fatal("no entry above the level")
	}
	if a.Kind != domain.ActionOpenTranche || a.Quantity != 5 {
		t.Fatalf("action = %+v, want open_tranche of 5", a)
	}
	if a.PositionID == "" || a.RequestID == "" {
		t.Fatal("entry action missing derived IDs")
	}
}

func TestEntryIDsAreDeterministic(t *testing.T) {
	p := params()
	a1, _ := Evaluate(nil, obs(7, 404.90, 2), p)
	a2, _ := Evaluate(nil, obs(7, 404.90, 2), p)
	if a1.PositionID != a2.PositionID || a1.RequestID != a2.RequestID {
		t.Fatalf("same observation produced different IDs: %+v vs %+v", a1, a2)
	}
	a3, _ := Evaluate(nil, obs(8, 404.90, 2), p)
	if a3.RequestID == a1.RequestID {
		t.Fatal("different observations share a request ID")
	}
}

func TestNoEntryAtOrAfterExpiry(t *testing.T) {
	p := params()
	if _, ok := Evaluate(nil, obs(1, 404.90, 20), p); ok {
		t.Fatal("entered on expiry day")
	}
}

func TestScaleInTriggersBeyondLastAdd(t *testing.T) {
	p := params()
	pos := position(domain.PositionStatusOpen, 5, 404.90, 404.90)

	// 419.89 is one cent short of the +15 trigger.
	if a, ok := Evaluate(pos, obs(2, 419.89, 3), p); ok {
		t.Fatalf("scaled in below trigger: %+v", a)
	}

	a, ok := Evaluate(pos, obs(3, 421.61, 3), p)
	if !ok {
		t.Fatal("no scale-in at 421.61")
	}
	if a.Kind != domain.ActionAddTranche || a.Quantity != 5 {
		t.Fatalf("action = %+v, want add_tranche of 5", a)
	}
}

func TestScaleInMeasuresFromLastAddNotEntry(t *testing.T) {
	p := params()
	// Last add was at 421.61; entry was 404.90. 425 clears entry+15 but not
	// lastAdd+15.
	pos := position(domain.PositionStatusOpen, 10, 404.90, 421.61)
	if a, ok := Evaluate(pos, obs(4, 425.00, 4), p); ok {
		t.Fatalf("scale-in measured from stale level: %+v", a)
	}
	if _, ok := Evaluate(pos, obs(5, 436.70, 4), p); !ok {
		t.Fatal("no scale-in beyond lastAdd+15")
	}
}

func TestScaleInCappedAtMaxQty(t *testing.T) {
	p := params()

	pos := position(domain.PositionStatusOpen, 22, 404.90, 404.90)
	a, ok := Evaluate(pos, obs(2, 421.61, 3), p)
	if !ok {
		t.Fatal("no capped scale-in")
	}
	if a.Quantity != 3 {
		t.Fatalf("quantity = %d, want 3 (headroom to 25)", a.Quantity)
	}

	full := position(domain.PositionStatusOpen, 25, 404.90, 404.90)
	if a, ok := Evaluate(full, obs(3, 450.00, 3), p); ok {
		t.Fatalf("scaled in past the cap: %+v", a)
	}
}

func TestNoScaleInWhileScaling(t *testing.T) {
	p := params()
	pos := position(domain.PositionStatusScaling, 5, 404.90, 404.90)
	if a, ok := Evaluate(pos, obs(2, 421.61, 3), p); ok {
		t.Fatalf("scaled in while previous add in flight: %+v", a)
	}
}

func TestStopBeatsEverything(t *testing.T) {
	p := params()
	p.TakeProfitMult = 1.01 // take-profit would also fire at this price
	pos := position(domain.PositionStatusOpen, 5, 360.00, 360.00)

	a, ok := Evaluate(pos, obs(6, 365.00, 16), p) // stop, time exit, and tp all true
	if !ok {
		t.Fatal("no action")
	}
	if a.Kind != domain.ActionCloseAll || a.Reason != domain.ReasonStop {
		t.Fatalf("action = %+v, want close_all/stop", a)
	}
}

func TestStopSuppressedByHighIV(t *testing.T) {
	p := params()
	threshold := 0.50
	p.StopRequiresIVBelow = &threshold
	pos := position(domain.PositionStatusOpen, 5, 404.90, 404.90)

	high := 0.80
	o := obs(6, 365.00, 10)
	o.IV = &high
	if a, ok := Evaluate(pos, o, p); ok && a.Reason == domain.ReasonStop {
		t.Fatalf("stop fired with IV above threshold: %+v", a)
	}

	low := 0.40
	o.IV = &low
	a, ok := Evaluate(pos, o, p)
	if !ok || a.Reason != domain.ReasonStop {
		t.Fatalf("stop did not fire with IV below threshold: %+v", a)
	}

	// Missing IV never holds a stop open.
	o.IV = nil
	a, ok = Evaluate(pos, o, p)
	if !ok || a.Reason != domain.ReasonStop {
		t.Fatalf("stop did not fire with missing IV: %+v", a)
	}
}

func TestTimeExitBeatsTakeProfit(t *testing.T) {
	p := params()
	p.TakeProfitMult = 1.2
	pos := position(domain.PositionStatusOpen, 5, 404.90, 404.90)

	// Day 16 is 4 days to the Jun 20 expiry, inside the 5-day window, and
	// the price is past the take-profit multiple.
	a, ok := Evaluate(pos, obs(8, 500.00, 16), p)
	if !ok {
		t.Fatal("no action")
	}
	if a.Reason != domain.ReasonTimeExit {
		t.Fatalf("reason = %q, want time_exit (beats take_profit)", a.Reason)
	}
}

func TestTakeProfitAtMultiple(t *testing.T) {
	p := params()
	// LastAddPrice sits just under the target so scale-in stays quiet.
	pos := position(domain.PositionStatusOpen, 5, 404.90, 595.00)

	// +49% is short of the 1.5x target.
	if a, ok := Evaluate(pos, obs(9, 603.30, 4), p); ok {
		t.Fatalf("take-profit fired early: %+v", a)
	}

	a, ok := Evaluate(pos, obs(10, 607.35, 4), p) // +50.0%
	if !ok || a.Reason != domain.ReasonTakeProfit {
		t.Fatalf("action = %+v, want take_profit", a)
	}
}

func TestTakeProfitMeasuredFromInitialEntry(t *testing.T) {
	p := params()
	pos := &domain.Position{
		ID:         "pos-1",
		Underlying: "MSTR",
		Status:     domain.PositionStatusOpen,
		Tranches: []domain.Tranche{
			{ID: "tr-1", Quantity: 5, EntryPrice: 400.00},
			{ID: "tr-2", Quantity: 5, EntryPrice: 590.00},
		},
		NetQuantity:  10,
		LastAddPrice: 590.00,
	}
	// 600 is +50% on the initial 400 entry even though the average is ~495.
	a, ok := Evaluate(pos, obs(11, 600.00, 4), p)
	if !ok || a.Reason != domain.ReasonTakeProfit {
		t.Fatalf("action = %+v, want take_profit from initial entry", a)
	}
}

func TestNeedsReconciliationFreezesAutomation(t *testing.T) {
	p := params()
	pos := position(domain.PositionStatusNeedsReconciliation, 5, 404.90, 404.90)
	if a, ok := Evaluate(pos, obs(12, 300.00, 4), p); ok {
		t.Fatalf("action emitted for frozen position: %+v", a)
	}
}

func TestShortDirection(t *testing.T) {
	p := params()
	p.Direction = -1
	p.EntryAbove = 400
	p.StopPrice = 440

	// Short entry gate: price must be below the level.
	if _, ok := Evaluate(nil, obs(1, 405.00, 2), p); ok {
		t.Fatal("short entered above the level")
	}
	a, ok := Evaluate(nil, obs(1, 395.00, 2), p)
	if !ok || a.Quantity != -5 {
		t.Fatalf("action = %+v, want open of -5", a)
	}

	pos := position(domain.PositionStatusOpen, -5, 395.00, 395.00)
	a, ok = Evaluate(pos, obs(2, 441.00, 3), p)
	if !ok || a.Reason != domain.ReasonStop {
		t.Fatalf("action = %+v, want short stop above entry", a)
	}

	a, ok = Evaluate(pos, obs(3, 379.00, 3), p)
	if !ok || a.Kind != domain.ActionAddTranche || a.Quantity != -5 {
		t.Fatalf("action = %+v, want short add of -5", a)
	}
}
