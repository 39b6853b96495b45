// Package bracket places and maintains one-cancels-other exit sets for open
// positions: take-profit legs above the entry and a stop leg below it, with
// an optional volatility trailing stop that only ever tightens.
package bracket

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"tranchebot/internal/domain"
)

// Venue is the slice of the execution adapter the bracket manager needs.
type Venue interface {
	Submit(ctx context.Context, o domain.Order) (domain.OrderAck, error)
	Cancel(ctx context.Context, venueOrderID string) error
	ModifyPrice(ctx context.Context, venueOrderID string, price float64) error
}

// TrailingConfig controls the volatility trailing stop.
type TrailingConfig struct {
	Enabled    bool
	Window     int     // true-range observations averaged
	Multiplier float64 // stop distance = Multiplier * avg true range
}

// Config is the bracket manager's parameter set.
type Config struct {
	// PerTranche brackets each tranche individually instead of re-issuing one
	// bracket against the whole position after every add.
	PerTranche bool
	// StopPrice is the initial hard stop trigger. The trailing stop may move
	// it toward the market but never away.
	StopPrice float64
	// TakeProfit1Frac is the fraction of quantity exiting at the first profit
	// target; the remainder exits at the second. Zero disables the split and
	// a single take-profit leg covers the full quantity.
	TakeProfit1Frac float64
	ProfitOffset1   float64 // distance from avg entry to the first target
	ProfitOffset2   float64 // distance from avg entry to the second target
	TIF             domain.TimeInForce
	Trailing        TrailingConfig
	// CancelAttempts/CancelBackoff bound the venue-side sibling cancellation
	// retry loop. Exhaustion surfaces ErrBracketInconsistent so the position
	// can be flagged for reconciliation.
	CancelAttempts int
	CancelBackoff  time.Duration
	TickSize       float64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CancelAttempts <= 0 {
		out.CancelAttempts = 4
	}
	if out.CancelBackoff <= 0 {
		out.CancelBackoff = 250 * time.Millisecond
	}
	if out.TIF == "" {
		out.TIF = domain.TIFGoodTillCancel
	}
	return out
}

// Manager owns every bracket for a single position pipeline. Like the
// tracker it is driven by one goroutine; the engine serializes calls.
type Manager struct {
	cfg    Config
	venue  Venue
	store  domain.BracketStore
	logger *slog.Logger

	brackets []*domain.OCOBracket
	trail    *trail
	// sleep is swapped out in tests so retry backoff does not wall-clock.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Manager. store may be nil when running without persistence
// (backtests keep brackets purely in memory).
func New(cfg Config, venue Venue, store domain.BracketStore, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		venue:  venue,
		store:  store,
		logger: logger.With(slog.String("component", "bracket")),
		sleep:  sleepCtx,
	}
	if cfg.Trailing.Enabled {
		m.trail = newTrail(cfg.Trailing.Window, cfg.Trailing.Multiplier)
	}
	return m
}

// Load restores persisted brackets for a position from the store.
func (m *Manager) Load(ctx context.Context, positionID string) error {
	if m.store == nil {
		return nil
	}
	brackets, err := m.store.ListActive(ctx, positionID)
	if err != nil {
		return fmt.Errorf("bracket: load %s: %w", positionID, err)
	}
	m.Restore(brackets)
	return nil
}

// Restore seeds the manager with persisted brackets on startup.
func (m *Manager) Restore(brackets []domain.OCOBracket) {
	m.brackets = m.brackets[:0]
	for i := range brackets {
		b := brackets[i]
		m.brackets = append(m.brackets, &b)
	}
}

// Active returns the brackets that still carry working legs.
func (m *Manager) Active() []*domain.OCOBracket {
	out := make([]*domain.OCOBracket, 0, len(m.brackets))
	for _, b := range m.brackets {
		for _, leg := range b.Legs {
			if leg.State == domain.LegStateWorking || leg.State == domain.LegStatePending {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// Place (re)issues exit legs after an entry or scale-in fill. In the default
// per-position mode any existing working legs are cancelled first and a fresh
// bracket is sized against the whole open quantity at the weighted-average
// entry. In per-tranche mode only the newest tranche gets a bracket and
// earlier ones are left alone.
func (m *Manager) Place(ctx context.Context, pos *domain.Position, obs domain.Observation) error {
	if pos.NetQuantity == 0 {
		return nil
	}

	trancheID := ""
	qty := pos.OpenQuantity()
	ref := pos.AvgEntryPrice()
	if m.cfg.PerTranche {
		last := latestOpenTranche(pos)
		if last == nil {
			return nil
		}
		trancheID = last.ID
		qty = last.Quantity
		ref = last.EntryPrice
	} else if err := m.CancelAll(ctx, pos.ID); err != nil {
		return err
	}

	b := m.buildBracket(pos, trancheID, qty, ref, obs)
	if err := m.submitLegs(ctx, pos, b); err != nil {
		return err
	}
	m.brackets = append(m.brackets, b)
	return m.persist(ctx, b)
}

func (m *Manager) buildBracket(pos *domain.Position, trancheID string, qty int, refPrice float64, obs domain.Observation) *domain.OCOBracket {
	dir := 1.0
	if qty < 0 {
		dir = -1.0
		qty = -qty
	}

	b := &domain.OCOBracket{
		ID:             domain.NewBracketID(pos.ID, trancheID, obs.Seq),
		PositionID:     pos.ID,
		TrancheID:      trancheID,
		TrailingActive: m.trail != nil,
		CreatedAt:      obs.Timestamp,
		UpdatedAt:      obs.Timestamp,
	}

	// The stop seed is the configured hard level, or the current trailing
	// distance when no hard stop is set. With neither, no stop leg is
	// issued for this bracket.
	stop := m.cfg.StopPrice
	if stop == 0 {
		if dist, ok := m.trailDistance(); ok {
			stop = refPrice - dir*dist
		}
	}
	stop = roundToTick(stop, m.cfg.TickSize)

	var legs []domain.BracketLeg
	if m.cfg.ProfitOffset1 > 0 {
		qty1 := qty
		var qty2 int
		if m.cfg.TakeProfit1Frac > 0 && m.cfg.TakeProfit1Frac < 1 && m.cfg.ProfitOffset2 > 0 {
			qty1 = int(math.Round(m.cfg.TakeProfit1Frac * float64(qty)))
			if qty1 < 1 {
				qty1 = 1
			}
			if qty1 >= qty {
				qty1 = qty - 1
			}
			qty2 = qty - qty1
		}
		legs = append(legs, domain.BracketLeg{
			Kind:         domain.LegTakeProfit1,
			TriggerPrice: roundToTick(refPrice+dir*m.cfg.ProfitOffset1, m.cfg.TickSize),
			Quantity:     qty1,
			TIF:          m.cfg.TIF,
			RequestID:    domain.NewLegRequestID(b.ID, domain.LegTakeProfit1),
			State:        domain.LegStatePending,
		})
		if qty2 > 0 {
			legs = append(legs, domain.BracketLeg{
				Kind:         domain.LegTakeProfit2,
				TriggerPrice: roundToTick(refPrice+dir*m.cfg.ProfitOffset2, m.cfg.TickSize),
				Quantity:     qty2,
				TIF:          m.cfg.TIF,
				RequestID:    domain.NewLegRequestID(b.ID, domain.LegTakeProfit2),
				State:        domain.LegStatePending,
			})
		}
	}
	if stop > 0 && dir*(refPrice-stop) > 0 {
		legs = append(legs, domain.BracketLeg{
			Kind:         domain.LegStop,
			TriggerPrice: stop,
			Quantity:     qty,
			TIF:          m.cfg.TIF,
			RequestID:    domain.NewLegRequestID(b.ID, domain.LegStop),
			State:        domain.LegStatePending,
		})
	}
	b.Legs = legs
	return b
}

func (m *Manager) submitLegs(ctx context.Context, pos *domain.Position, b *domain.OCOBracket) error {
	exitSide := domain.OrderSideSell
	if !pos.IsLong() {
		exitSide = domain.OrderSideBuy
	}
	for i := range b.Legs {
		leg := &b.Legs[i]
		typ := domain.OrderTypeLimit
		kind := domain.OrderKindTakeProfit
		if leg.Kind == domain.LegStop {
			typ = domain.OrderTypeStop
			kind = domain.OrderKindStop
		}
		ack, err := m.venue.Submit(ctx, domain.Order{
			RequestID:  leg.RequestID,
			PositionID: pos.ID,
			Underlying: pos.Underlying,
			Side:       exitSide,
			Type:       typ,
			Kind:       kind,
			Quantity:   leg.Quantity,
			Price:      leg.TriggerPrice,
			TIF:        leg.TIF,
			ReduceOnly: true,
			CreatedAt:  b.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("bracket: submit %s leg: %w", leg.Kind, err)
		}
		leg.VenueOrderID = ack.VenueOrderID
		leg.State = domain.LegStateWorking
		m.logger.Info("bracket leg working",
			slog.String("position_id", pos.ID),
			slog.String("leg", string(leg.Kind)),
			slog.Float64("trigger", leg.TriggerPrice),
			slog.Int("quantity", leg.Quantity),
		)
	}
	return nil
}

// HandleFill checks whether the fill belongs to a bracket leg. When it does,
// the filled leg is recorded and every sibling is cancelled: locally at once,
// so no second exit can be acted on, then at the venue with bounded backoff.
// The returned events include a BracketTriggered record and, if venue-side
// cancellation could not be confirmed, a BracketInconsistent record alongside
// an error wrapping ErrBracketInconsistent.
func (m *Manager) HandleFill(ctx context.Context, fill domain.Fill, obsSeq int64) (bool, []domain.Event, error) {
	b, leg := m.findLeg(fill.RequestID)
	if b == nil {
		return false, nil, nil
	}
	if leg.State == domain.LegStateFilled {
		return true, nil, nil
	}
	leg.State = domain.LegStateFilled
	b.UpdatedAt = fill.At

	events := []domain.Event{{
		ID:         domain.NewEventID(b.ID, domain.EventBracketTriggered, obsSeq),
		Type:       domain.EventBracketTriggered,
		PositionID: b.PositionID,
		Reason:     string(leg.Kind),
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		At:         fill.At,
		Seq:        obsSeq,
	}}

	// Local OCO: siblings are dead from the position's point of view the
	// moment one leg fills, regardless of what the venue does next.
	var cancelErr error
	for _, sib := range b.SiblingsOf(leg.Kind) {
		if sib.State != domain.LegStateWorking {
			continue
		}
		venueID := sib.VenueOrderID
		sib.State = domain.LegStateCancelled
		if err := m.cancelWithBackoff(ctx, venueID); err != nil {
			cancelErr = fmt.Errorf("bracket: cancel %s sibling of %s: %w", sib.Kind, leg.Kind, err)
			events = append(events, domain.Event{
				ID:         domain.NewEventID(b.ID+"|"+string(sib.Kind), domain.EventBracketInconsistent, obsSeq),
				Type:       domain.EventBracketInconsistent,
				PositionID: b.PositionID,
				Reason:     fmt.Sprintf("%s sibling cancel unconfirmed", sib.Kind),
				At:         fill.At,
				Seq:        obsSeq,
			})
		}
	}

	if err := m.persist(ctx, b); err != nil {
		m.logger.Error("bracket persist failed", slog.String("bracket_id", b.ID), slog.Any("error", err))
	}
	return true, events, cancelErr
}

// Observe advances the trailing stop. The candidate stop is the observation
// price minus Multiplier x average true range (mirrored for shorts); the stop
// leg is modified only when the candidate is strictly tighter than the
// current trigger.
func (m *Manager) Observe(ctx context.Context, pos *domain.Position, obs domain.Observation) error {
	if m.trail != nil {
		m.trail.observe(obs)
	}
	if m.trail == nil || pos == nil || !pos.Active() {
		return nil
	}
	dist, ok := m.trail.distance()
	if !ok {
		return nil
	}

	dir := 1.0
	if !pos.IsLong() {
		dir = -1.0
	}
	candidate := roundToTick(obs.Price-dir*dist, m.cfg.TickSize)

	for _, b := range m.brackets {
		if b.PositionID != pos.ID || !b.TrailingActive {
			continue
		}
		leg := b.Leg(domain.LegStop)
		if leg == nil || leg.State != domain.LegStateWorking {
			continue
		}
		if dir*(candidate-leg.TriggerPrice) <= 0 {
			continue // never loosen
		}
		if err := m.venue.ModifyPrice(ctx, leg.VenueOrderID, candidate); err != nil {
			return fmt.Errorf("bracket: trail stop to %.2f: %w", candidate, err)
		}
		m.logger.Info("trailing stop tightened",
			slog.String("position_id", pos.ID),
			slog.Float64("from", leg.TriggerPrice),
			slog.Float64("to", candidate),
		)
		leg.TriggerPrice = candidate
		b.UpdatedAt = obs.Timestamp
		if err := m.persist(ctx, b); err != nil {
			m.logger.Error("bracket persist failed", slog.String("bracket_id", b.ID), slog.Any("error", err))
		}
	}
	return nil
}

// Tighten applies an explicit stop level (an operator or rule override). The
// monotonic constraint still holds: a looser level is ignored.
func (m *Manager) Tighten(ctx context.Context, pos *domain.Position, level float64, at time.Time) error {
	dir := 1.0
	if !pos.IsLong() {
		dir = -1.0
	}
	level = roundToTick(level, m.cfg.TickSize)
	for _, b := range m.brackets {
		if b.PositionID != pos.ID {
			continue
		}
		leg := b.Leg(domain.LegStop)
		if leg == nil || leg.State != domain.LegStateWorking {
			continue
		}
		if dir*(level-leg.TriggerPrice) <= 0 {
			continue
		}
		if err := m.venue.ModifyPrice(ctx, leg.VenueOrderID, level); err != nil {
			return fmt.Errorf("bracket: tighten stop to %.2f: %w", level, err)
		}
		leg.TriggerPrice = level
		b.UpdatedAt = at
		if err := m.persist(ctx, b); err != nil {
			m.logger.Error("bracket persist failed", slog.String("bracket_id", b.ID), slog.Any("error", err))
		}
	}
	return nil
}

// CancelAll cancels every working leg for the position, locally first and
// then at the venue with bounded backoff. Used before re-issuing a bracket
// after a scale-in and when a rule exit closes the whole position.
func (m *Manager) CancelAll(ctx context.Context, positionID string) error {
	var firstErr error
	for _, b := range m.brackets {
		if b.PositionID != positionID {
			continue
		}
		for i := range b.Legs {
			leg := &b.Legs[i]
			if leg.State != domain.LegStateWorking && leg.State != domain.LegStatePending {
				continue
			}
			venueID := leg.VenueOrderID
			wasWorking := leg.State == domain.LegStateWorking
			leg.State = domain.LegStateCancelled
			if !wasWorking {
				continue
			}
			if err := m.cancelWithBackoff(ctx, venueID); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("bracket: cancel %s leg: %w", leg.Kind, err)
			}
		}
		if err := m.persist(ctx, b); err != nil {
			m.logger.Error("bracket persist failed", slog.String("bracket_id", b.ID), slog.Any("error", err))
		}
	}
	return firstErr
}

// Drop forgets all brackets for a closed position. Persistence rows are
// removed so a restart does not resurrect dead legs.
func (m *Manager) Drop(ctx context.Context, positionID string) error {
	kept := m.brackets[:0]
	for _, b := range m.brackets {
		if b.PositionID != positionID {
			kept = append(kept, b)
		}
	}
	m.brackets = kept
	if m.store == nil {
		return nil
	}
	if err := m.store.DeleteByPosition(ctx, positionID); err != nil {
		return fmt.Errorf("bracket: drop %s: %w", positionID, err)
	}
	return nil
}

func (m *Manager) cancelWithBackoff(ctx context.Context, venueOrderID string) error {
	backoff := m.cfg.CancelBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.CancelAttempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
		if err := m.venue.Cancel(ctx, venueOrderID); err != nil {
			lastErr = err
			m.logger.Warn("venue cancel failed",
				slog.String("venue_order_id", venueOrderID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}
		return nil
	}
	return fmt.Errorf("after %d attempts: %w (last: %v)", m.cfg.CancelAttempts, domain.ErrBracketInconsistent, lastErr)
}

func (m *Manager) findLeg(requestID string) (*domain.OCOBracket, *domain.BracketLeg) {
	for _, b := range m.brackets {
		for i := range b.Legs {
			if b.Legs[i].RequestID == requestID {
				return b, &b.Legs[i]
			}
		}
	}
	return nil, nil
}

func (m *Manager) persist(ctx context.Context, b *domain.OCOBracket) error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(ctx, *b)
}

func (m *Manager) trailDistance() (float64, bool) {
	if m.trail == nil {
		return 0, false
	}
	return m.trail.distance()
}

func latestOpenTranche(pos *domain.Position) *domain.Tranche {
	for i := len(pos.Tranches) - 1; i >= 0; i-- {
		if !pos.Tranches[i].Closed {
			return &pos.Tranches[i]
		}
	}
	return nil
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
