// Package sim is the backtest execution adapter: a deterministic in-process
// venue with a configurable cost model. Market orders fill synchronously at
// the current observation price adjusted for slippage; resting stop and
// limit orders fill when a later observation crosses their trigger.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"tranchebot/internal/domain"
	"tranchebot/internal/venue"
)

// Config is the simulator's cost model.
type Config struct {
	FeePerContract float64 // flat commission per contract per side
	SlippagePct    float64 // e.g. 0.1 for 0.1% adverse slippage on market fills
	TickSize       float64
	Multiplier     float64 // currency per point per contract
}

// Costs accumulates what the simulated executions paid.
type Costs struct {
	Commissions float64
	Slippage    float64
	FillCount   int
}

type restingOrder struct {
	order        domain.Order
	venueOrderID string
}

// Venue is the simulated execution adapter. It is driven by the backtest
// loop: Step is called with each observation before the engine processes it,
// so resting orders triggered by a bar fill before decisions are made on
// that bar. Not safe for concurrent use; backtests are single-threaded.
type Venue struct {
	cfg    Config
	logger *slog.Logger

	price     float64
	now       time.Time
	seen      map[string]domain.OrderAck // RequestID -> original outcome
	resting   map[string]*restingOrder   // venueOrderID -> order
	pending   []domain.Fill
	net       map[string]int // underlying -> net quantity
	avg       map[string]float64
	costs     Costs
	orderSeq  int
	lastObsOK bool
}

var _ venue.Adapter = (*Venue)(nil)

func New(cfg Config, logger *slog.Logger) *Venue {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 100
	}
	return &Venue{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "sim")),
		seen:    make(map[string]domain.OrderAck),
		resting: make(map[string]*restingOrder),
		net:     make(map[string]int),
		avg:     make(map[string]float64),
	}
}

// Step advances the simulated market to the next observation and fills any
// resting orders the move crossed. Stop sells trigger on Low, limit sells on
// High (mirrored for buys), so intrabar touches count. Orders are checked in
// venue-ID order, which is submission order: replays must fill identically
// every run.
func (v *Venue) Step(obs domain.Observation) {
	v.price = obs.Price
	v.now = obs.Timestamp
	v.lastObsOK = true

	ids := make([]string, 0, len(v.resting))
	for id := range v.resting {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := v.resting[id]
		price, crossed := v.crossPrice(r.order, obs)
		if !crossed {
			continue
		}
		delete(v.resting, id)
		v.execute(r.order, id, price)
	}
}

func (v *Venue) crossPrice(o domain.Order, obs domain.Observation) (float64, bool) {
	switch o.Type {
	case domain.OrderTypeStop:
		if o.Side == domain.OrderSideSell && obs.Low <= o.Price {
			return math.Min(o.Price, obs.Price), true
		}
		if o.Side == domain.OrderSideBuy && obs.High >= o.Price {
			return math.Max(o.Price, obs.Price), true
		}
	case domain.OrderTypeLimit:
		if o.Side == domain.OrderSideSell && obs.High >= o.Price {
			return o.Price, true
		}
		if o.Side == domain.OrderSideBuy && obs.Low <= o.Price {
			return o.Price, true
		}
	}
	return 0, false
}

// Submit implements venue.Adapter. Duplicate request IDs return the original
// ack with AckDuplicate status and no new execution.
func (v *Venue) Submit(_ context.Context, o domain.Order) (domain.OrderAck, error) {
	if prev, ok := v.seen[o.RequestID]; ok {
		dup := prev
		dup.Status = domain.AckDuplicate
		return dup, nil
	}
	if o.Quantity <= 0 {
		return domain.OrderAck{}, fmt.Errorf("sim: submit %s: non-positive quantity %d", o.RequestID, o.Quantity)
	}

	v.orderSeq++
	venueID := fmt.Sprintf("sim-%06d", v.orderSeq)

	switch o.Type {
	case domain.OrderTypeMarket:
		price := v.slip(o.Side, v.price)
		fill := v.execute(o, venueID, price)
		ack := domain.OrderAck{
			VenueOrderID: venueID,
			RequestID:    o.RequestID,
			Status:       domain.AckFilled,
			FilledPrice:  fill.Price,
			FilledQty:    fill.Quantity,
			At:           v.now,
		}
		v.seen[o.RequestID] = ack
		return ack, nil

	case domain.OrderTypeLimit, domain.OrderTypeStop:
		v.resting[venueID] = &restingOrder{order: o, venueOrderID: venueID}
		ack := domain.OrderAck{
			VenueOrderID: venueID,
			RequestID:    o.RequestID,
			Status:       domain.AckAccepted,
			At:           v.now,
		}
		v.seen[o.RequestID] = ack
		return ack, nil

	default:
		return domain.OrderAck{}, fmt.Errorf("sim: submit %s: unsupported order type %q", o.RequestID, o.Type)
	}
}

func (v *Venue) execute(o domain.Order, venueID string, price float64) domain.Fill {
	price = roundToTick(price, v.cfg.TickSize)

	qty := o.Quantity
	signed := qty
	if o.Side == domain.OrderSideSell {
		signed = -qty
	}
	v.net[o.Underlying] += signed
	if signed > 0 {
		v.avg[o.Underlying] = price // last add; startup reconciliation only needs a rough mark
	}

	v.costs.Commissions += v.cfg.FeePerContract * float64(qty)
	v.costs.FillCount++

	fill := domain.Fill{
		VenueOrderID: venueID,
		RequestID:    o.RequestID,
		Kind:         o.Kind,
		PositionID:   o.PositionID,
		Side:         o.Side,
		Price:        price,
		Quantity:     qty,
		At:           v.now,
	}
	v.pending = append(v.pending, fill)
	v.logger.Debug("simulated fill",
		slog.String("request_id", o.RequestID),
		slog.String("kind", string(o.Kind)),
		slog.Float64("price", price),
		slog.Int("quantity", qty),
	)
	return fill
}

// slip applies adverse slippage to a market execution and records its cost.
func (v *Venue) slip(side domain.OrderSide, price float64) float64 {
	if v.cfg.SlippagePct <= 0 {
		return price
	}
	adj := price * v.cfg.SlippagePct / 100
	v.costs.Slippage += adj * v.cfg.Multiplier
	if side == domain.OrderSideBuy {
		return price + adj
	}
	return price - adj
}

// Cancel implements venue.Adapter.
func (v *Venue) Cancel(_ context.Context, venueOrderID string) error {
	if _, ok := v.resting[venueOrderID]; !ok {
		return fmt.Errorf("sim: cancel %s: %w", venueOrderID, domain.ErrNotFound)
	}
	delete(v.resting, venueOrderID)
	return nil
}

// ModifyPrice implements venue.Adapter.
func (v *Venue) ModifyPrice(_ context.Context, venueOrderID string, price float64) error {
	r, ok := v.resting[venueOrderID]
	if !ok {
		return fmt.Errorf("sim: modify %s: %w", venueOrderID, domain.ErrNotFound)
	}
	r.order.Price = roundToTick(price, v.cfg.TickSize)
	return nil
}

// Positions implements venue.Adapter.
func (v *Venue) Positions(_ context.Context) ([]domain.VenuePosition, error) {
	out := make([]domain.VenuePosition, 0, len(v.net))
	for underlying, net := range v.net {
		if net == 0 {
			continue
		}
		out = append(out, domain.VenuePosition{
			Underlying:  underlying,
			NetQuantity: net,
			AvgPrice:    v.avg[underlying],
		})
	}
	return out, nil
}

// Fills implements venue.Adapter, draining pending fill reports.
func (v *Venue) Fills() []domain.Fill {
	out := v.pending
	v.pending = nil
	return out
}

// Heartbeat implements venue.Adapter. The simulator is always reachable; it
// reports the current simulated time so connectivity checks never trip.
func (v *Venue) Heartbeat() time.Time {
	if !v.lastObsOK {
		return time.Now()
	}
	return v.now
}

// Costs returns the accumulated commission and slippage totals.
func (v *Venue) Costs() Costs { return v.costs }

// RestingCount reports how many orders are working, for test assertions and
// end-of-run sanity checks.
func (v *Venue) RestingCount() int { return len(v.resting) }

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}
