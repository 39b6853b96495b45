// Package engine wires the decision pipeline: drain fills, mark to market,
// evaluate rules, vet with the risk guard, route orders, maintain brackets,
// and journal everything. The same pipeline runs under the backtest driver
// and the live runner; only the venue adapter and feed differ.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tranchebot/internal/bracket"
	"tranchebot/internal/domain"
	"tranchebot/internal/feed"
	"tranchebot/internal/risk"
	"tranchebot/internal/rules"
	"tranchebot/internal/tracker"
	"tranchebot/internal/venue"
)

// Metrics is the slice of the ops surface the engine reports into. A nil
// implementation is valid (backtests run without a listener).
type Metrics interface {
	ObserveDecision(kind string)
	RecordFill(kind string)
	RecordReject(code string)
	SetEquity(equity, peak float64)
	SetNetQuantity(n int)
}

// Deps bundles the engine's collaborators. Stores, sink, flag, archiver and
// metrics may each be nil; the engine degrades to in-memory operation.
type Deps struct {
	Params    rules.Params
	Tracker   *tracker.Tracker
	Brackets  *bracket.Manager
	Guard     *risk.Guard
	Adapter   venue.Adapter
	Positions domain.PositionStore
	Journal   domain.EventJournal
	Halt      domain.HaltFlag
	Sink      domain.EventSink
	Archiver  domain.PositionArchiver
	Metrics   Metrics
	Clock     feed.Clock
	Logger    *slog.Logger
	// Account is the configured equity baseline.
	Account float64
	// Live switches the connectivity check to wall-clock heartbeat age.
	// Backtests always see a fresh heartbeat.
	Live bool
}

// Engine processes one observation at a time. It is single-threaded by
// contract: the runner or backtest driver is the only caller.
type Engine struct {
	params   rules.Params
	tracker  *tracker.Tracker
	brackets *bracket.Manager
	guard    *risk.Guard
	adapter  venue.Adapter
	pstore   domain.PositionStore
	journal  domain.EventJournal
	halt     domain.HaltFlag
	sink     domain.EventSink
	archiver domain.PositionArchiver
	metrics  Metrics
	clock    feed.Clock
	logger   *slog.Logger

	account       float64
	realizedTotal float64
	peakEquity    float64
	live          bool
	haltRaised    domain.RejectReason

	// orderMeta recovers Kind/PositionID for live fills, which the venue
	// reports only by request ID.
	orderMeta map[string]orderMeta

	// closedEvents buffers journal events per position for archiving.
	positionEvents map[string][]domain.Event
}

type orderMeta struct {
	kind       domain.OrderKind
	positionID string
}

func New(d Deps) *Engine {
	clock := d.Clock
	if clock == nil {
		clock = feed.RealClock{}
	}
	return &Engine{
		params:         d.Params,
		tracker:        d.Tracker,
		brackets:       d.Brackets,
		guard:          d.Guard,
		adapter:        d.Adapter,
		pstore:         d.Positions,
		journal:        d.Journal,
		halt:           d.Halt,
		sink:           d.Sink,
		archiver:       d.Archiver,
		metrics:        d.Metrics,
		clock:          clock,
		logger:         d.Logger.With(slog.String("component", "engine")),
		account:        d.Account,
		peakEquity:     d.Account,
		live:           d.Live,
		orderMeta:      make(map[string]orderMeta),
		positionEvents: make(map[string][]domain.Event),
	}
}

// Equity returns the current account snapshot.
func (e *Engine) Equity() domain.AccountSnapshot {
	equity := e.account + e.realizedTotal
	if pos := e.tracker.Position(); pos != nil {
		equity += pos.RealizedPnL + pos.UnrealizedPnL
	}
	if equity > e.peakEquity {
		e.peakEquity = equity
	}
	return domain.AccountSnapshot{Equity: equity, PeakEquity: e.peakEquity, Account: e.account}
}

// Process runs the full decision cycle for one observation. Fills are always
// applied before any new decision: an exit that executed at the venue takes
// effect before the rules can act on stale position state.
func (e *Engine) Process(ctx context.Context, obs domain.Observation) error {
	if err := e.applyFills(ctx, obs); err != nil {
		return err
	}

	e.tracker.MarkToMarket(obs)
	if err := e.brackets.Observe(ctx, e.tracker.Position(), obs); err != nil {
		e.logger.Warn("trailing stop maintenance failed", slog.Any("error", err))
	}

	acct := e.Equity()
	cond := e.conditions(ctx, acct, obs)
	if e.metrics != nil {
		e.metrics.SetEquity(acct.Equity, acct.PeakEquity)
		if pos := e.tracker.Position(); pos != nil {
			e.metrics.SetNetQuantity(pos.NetQuantity)
		} else {
			e.metrics.SetNetQuantity(0)
		}
	}

	action, ok := rules.Evaluate(e.tracker.Position(), obs, e.params)
	if !ok {
		return e.persistPosition(ctx)
	}
	if e.metrics != nil {
		e.metrics.ObserveDecision(string(action.Kind))
	}

	if err := e.guard.Check(action, e.tracker.Position(), acct, cond); err != nil {
		e.recordRejection(ctx, action, err, obs)
		return e.persistPosition(ctx)
	}

	if err := e.route(ctx, action, obs); err != nil {
		return err
	}

	// Synchronous venues (the simulator) report fills immediately; applying
	// them inside the same cycle lets SCALING collapse on the observation
	// that caused it.
	if err := e.applyFills(ctx, obs); err != nil {
		return err
	}
	return e.persistPosition(ctx)
}

// conditions assembles the guard inputs: shared halt flag and heartbeat age.
func (e *Engine) conditions(ctx context.Context, acct domain.AccountSnapshot, obs domain.Observation) risk.Conditions {
	cond := risk.Conditions{}
	if e.live {
		cond.HeartbeatAge = e.clock.Now().Sub(e.adapter.Heartbeat())
	}
	if e.halt != nil {
		if reason, _, ok, err := e.halt.Current(ctx); err != nil {
			e.logger.Warn("halt flag read failed", slog.Any("error", err))
		} else if ok {
			cond.Halt = reason
		}
	}

	// The engine also evaluates its own breakers so a halt is raised even
	// when the monitor process is down.
	if reason, halted := e.guard.Evaluate(acct, cond.HeartbeatAge); halted {
		if cond.Halt == "" {
			cond.Halt = reason
		}
		if e.haltRaised != reason {
			e.haltRaised = reason
			e.journalEvent(ctx, domain.Event{
				ID:         domain.NewEventID("engine", domain.EventRiskHalted, obs.Seq),
				Type:       domain.EventRiskHalted,
				Underlying: e.params.Underlying,
				Reason:     string(reason),
				Price:      obs.Price,
				At:         obs.Timestamp,
				Seq:        obs.Seq,
			})
			if e.halt != nil {
				if err := e.halt.Raise(ctx, reason, "engine breaker"); err != nil {
					e.logger.Error("halt raise failed", slog.Any("error", err))
				}
			}
		}
	} else if e.haltRaised != "" && cond.Halt == "" {
		e.haltRaised = ""
	}
	return cond
}

// applyFills drains the adapter and applies every fill to brackets first,
// then to the position state machine. An entry or scale-in fill triggers a
// fresh bracket sized against the updated position.
func (e *Engine) applyFills(ctx context.Context, obs domain.Observation) error {
	obsSeq := obs.Seq
	for _, fill := range e.adapter.Fills() {
		fill = e.enrichFill(fill)

		_, events, err := e.brackets.HandleFill(ctx, fill, obsSeq)
		for _, ev := range events {
			e.journalEvent(ctx, ev)
		}
		if err != nil {
			if errors.Is(err, domain.ErrBracketInconsistent) {
				e.tracker.MarkNeedsReconciliation()
				e.logger.Error("bracket inconsistent, automation frozen", slog.Any("error", err))
			} else {
				return fmt.Errorf("engine: bracket fill: %w", err)
			}
		}

		trEvents, err := e.tracker.ApplyFill(fill, obsSeq)
		if err != nil {
			return fmt.Errorf("engine: apply fill %s: %w", fill.RequestID, err)
		}
		for _, ev := range trEvents {
			e.journalEvent(ctx, ev)
		}
		if e.metrics != nil {
			e.metrics.RecordFill(string(fill.Kind))
		}

		pos := e.tracker.Position()
		switch {
		case pos != nil && pos.Status == domain.PositionStatusClosed:
			if err := e.finishPosition(ctx, pos); err != nil {
				return err
			}
		case pos != nil && pos.Status == domain.PositionStatusOpen &&
			(fill.Kind == domain.OrderKindEntry || fill.Kind == domain.OrderKindScaleIn):
			if err := e.brackets.Place(ctx, pos, obs); err != nil {
				return fmt.Errorf("engine: place bracket: %w", err)
			}
		}
	}
	return nil
}

// enrichFill restores Kind and PositionID on fills that carry only a request
// ID (live stream reports).
func (e *Engine) enrichFill(fill domain.Fill) domain.Fill {
	if fill.Kind != "" {
		return fill
	}
	if meta, ok := e.orderMeta[fill.RequestID]; ok {
		fill.Kind = meta.kind
		if fill.PositionID == "" {
			fill.PositionID = meta.positionID
		}
	}
	return fill
}

func (e *Engine) route(ctx context.Context, a domain.Action, obs domain.Observation) error {
	switch a.Kind {
	case domain.ActionOpenTranche, domain.ActionAddTranche:
		return e.routeEntry(ctx, a, obs)
	case domain.ActionCloseAll:
		return e.routeClose(ctx, a)
	case domain.ActionTightenStop:
		return e.brackets.Tighten(ctx, e.tracker.Position(), a.Price, a.At)
	default:
		return fmt.Errorf("engine: unroutable action %q", a.Kind)
	}
}

func (e *Engine) routeEntry(ctx context.Context, a domain.Action, obs domain.Observation) error {
	if err := e.tracker.Begin(a); err != nil {
		return err
	}

	kind := domain.OrderKindEntry
	if a.Kind == domain.ActionAddTranche {
		kind = domain.OrderKindScaleIn
	}
	side, qty := sideAndMagnitude(a.Quantity)
	order := domain.Order{
		RequestID:  a.RequestID,
		PositionID: a.PositionID,
		Underlying: a.Underlying,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Kind:       kind,
		Quantity:   qty,
		TIF:        domain.TIFImmediate,
		CreatedAt:  a.At,
	}
	e.orderMeta[a.RequestID] = orderMeta{kind: kind, positionID: a.PositionID}

	ack, err := e.adapter.Submit(ctx, order)
	if err != nil {
		e.tracker.Reject(a)
		return fmt.Errorf("engine: submit %s: %w", a.Kind, err)
	}
	if ack.Status == domain.AckRejected {
		e.tracker.Reject(a)
		e.recordRejection(ctx, a, fmt.Errorf("venue rejected %s", a.RequestID), obs)
		return nil
	}
	e.logger.Info("order routed",
		slog.String("kind", string(kind)),
		slog.String("request_id", a.RequestID),
		slog.Int("quantity", qty),
		slog.String("status", string(ack.Status)),
	)
	return nil
}

func (e *Engine) routeClose(ctx context.Context, a domain.Action) error {
	pos := e.tracker.Position()
	if pos == nil {
		return nil
	}
	if err := e.tracker.Begin(a); err != nil {
		return err
	}

	// Exit legs come off the book before the market close goes in, so the
	// close cannot race a bracket fill.
	if err := e.brackets.CancelAll(ctx, pos.ID); err != nil {
		if errors.Is(err, domain.ErrBracketInconsistent) {
			e.tracker.MarkNeedsReconciliation()
			e.logger.Error("bracket cancel unconfirmed before close", slog.Any("error", err))
			return nil
		}
		return err
	}

	side := domain.OrderSideSell
	qty := pos.NetQuantity
	if qty < 0 {
		side = domain.OrderSideBuy
		qty = -qty
	}
	if qty == 0 {
		return nil
	}
	e.orderMeta[a.RequestID] = orderMeta{kind: domain.OrderKindClose, positionID: pos.ID}

	ack, err := e.adapter.Submit(ctx, domain.Order{
		RequestID:  a.RequestID,
		PositionID: pos.ID,
		Underlying: pos.Underlying,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Kind:       domain.OrderKindClose,
		Quantity:   qty,
		TIF:        domain.TIFImmediate,
		ReduceOnly: true,
		CreatedAt:  a.At,
	})
	if err != nil {
		e.tracker.Reject(a)
		return fmt.Errorf("engine: submit close: %w", err)
	}
	if ack.Status == domain.AckRejected {
		e.tracker.Reject(a)
		return fmt.Errorf("engine: close rejected for %s", pos.ID)
	}
	e.logger.Info("position close routed",
		slog.String("position_id", pos.ID),
		slog.String("reason", a.Reason),
		slog.Int("quantity", qty),
	)
	return nil
}

// finishPosition archives and retires a position that reached CLOSED. The
// close is persisted before any in-memory accumulator moves, so a failed
// save leaves the cycle cleanly retryable.
func (e *Engine) finishPosition(ctx context.Context, pos *domain.Position) error {
	if err := e.brackets.CancelAll(ctx, pos.ID); err != nil {
		e.logger.Warn("residual leg cancel failed", slog.Any("error", err))
	}
	if err := e.brackets.Drop(ctx, pos.ID); err != nil {
		e.logger.Warn("bracket drop failed", slog.Any("error", err))
	}
	if e.pstore != nil {
		if err := e.pstore.Save(ctx, *pos); err != nil {
			return fmt.Errorf("engine: save closed position: %w", err)
		}
	}
	e.realizedTotal += pos.RealizedPnL
	if e.archiver != nil {
		events := e.positionEvents[pos.ID]
		if err := e.archiver.ArchivePosition(ctx, *pos, events); err != nil {
			e.logger.Error("archive failed, journal left uncompacted", slog.Any("error", err))
		} else if e.journal != nil {
			if err := e.journal.Compact(ctx, pos.ID); err != nil {
				e.logger.Warn("journal compaction failed", slog.Any("error", err))
			}
		}
	}
	delete(e.positionEvents, pos.ID)
	return e.tracker.Retire()
}

func (e *Engine) recordRejection(ctx context.Context, a domain.Action, cause error, obs domain.Observation) {
	code := "VENUE_REJECT"
	var rej *risk.Rejection
	if errors.As(cause, &rej) {
		code = string(rej.Code)
	}
	if e.metrics != nil {
		e.metrics.RecordReject(code)
	}
	e.journalEvent(ctx, domain.Event{
		ID:         domain.NewEventID(a.PositionID, domain.EventActionRejected, obs.Seq),
		Type:       domain.EventActionRejected,
		PositionID: a.PositionID,
		Underlying: a.Underlying,
		Reason:     code,
		Price:      a.Price,
		Quantity:   a.Quantity,
		At:         a.At,
		Seq:        obs.Seq,
	})
}

func (e *Engine) journalEvent(ctx context.Context, ev domain.Event) {
	if ev.PositionID != "" {
		e.positionEvents[ev.PositionID] = append(e.positionEvents[ev.PositionID], ev)
	}
	if e.journal != nil {
		if err := e.journal.Append(ctx, ev); err != nil {
			e.logger.Error("journal append failed",
				slog.String("type", string(ev.Type)),
				slog.Any("error", err),
			)
		}
	}
	if e.sink != nil {
		if err := e.sink.Emit(ctx, ev); err != nil {
			e.logger.Debug("event sink emit failed", slog.Any("error", err))
		}
	}
}

func (e *Engine) persistPosition(ctx context.Context) error {
	pos := e.tracker.Position()
	if pos == nil || e.pstore == nil {
		return nil
	}
	if err := e.pstore.Save(ctx, *pos); err != nil {
		return fmt.Errorf("engine: persist position: %w", err)
	}
	return nil
}

// Restore loads the persisted open position and its brackets, if any, into
// the in-memory pipeline, and rebuilds the closed-trade PnL accumulator from
// position history so the drawdown and loss breakers survive a restart.
// Called once before Reconcile at startup.
func (e *Engine) Restore(ctx context.Context) error {
	if e.pstore == nil {
		return nil
	}
	history, err := e.pstore.ListHistory(ctx, e.params.Underlying, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("engine: restore history: %w", err)
	}
	e.realizedTotal = 0
	for _, past := range history {
		if past.Status == domain.PositionStatusClosed {
			e.realizedTotal += past.RealizedPnL
		}
	}
	if eq := e.account + e.realizedTotal; eq > e.peakEquity {
		e.peakEquity = eq
	}

	pos, err := e.pstore.GetOpen(ctx, e.params.Underlying, e.params.Strategy)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	e.tracker.Restore(pos)
	if err := e.brackets.Load(ctx, pos.ID); err != nil {
		return fmt.Errorf("engine: restore: %w", err)
	}
	e.logger.Info("position restored",
		slog.String("position_id", pos.ID),
		slog.String("status", string(pos.Status)),
		slog.Int("net_quantity", pos.NetQuantity),
	)
	return nil
}

// Reconcile compares locally persisted state against the venue's positions
// at startup. A mismatch freezes the position and journals the difference;
// trading never begins from state the venue does not confirm.
func (e *Engine) Reconcile(ctx context.Context) error {
	venuePos, err := e.adapter.Positions(ctx)
	if err != nil {
		return fmt.Errorf("engine: reconcile: %w", err)
	}
	byUnderlying := make(map[string]domain.VenuePosition, len(venuePos))
	for _, vp := range venuePos {
		byUnderlying[vp.Underlying] = vp
	}

	pos := e.tracker.Position()
	var localNet int
	if pos != nil && pos.Active() {
		localNet = pos.OpenQuantity()
	}
	venueNet := byUnderlying[e.params.Underlying].NetQuantity

	if localNet == venueNet {
		e.logger.Info("reconciled with venue",
			slog.String("underlying", e.params.Underlying),
			slog.Int("net_quantity", localNet),
		)
		return nil
	}

	e.logger.Error("venue position mismatch",
		slog.String("underlying", e.params.Underlying),
		slog.Int("local", localNet),
		slog.Int("venue", venueNet),
	)
	positionID := ""
	if pos != nil {
		positionID = pos.ID
		e.tracker.MarkNeedsReconciliation()
	}
	e.journalEvent(ctx, domain.Event{
		ID:         domain.NewEventID(positionID, domain.EventReconcileMismatch, 0),
		Type:       domain.EventReconcileMismatch,
		PositionID: positionID,
		Underlying: e.params.Underlying,
		Reason:     fmt.Sprintf("local %d vs venue %d", localNet, venueNet),
		Quantity:   venueNet - localNet,
		At:         e.clock.Now(),
	})
	return e.persistPosition(ctx)
}

func sideAndMagnitude(signedQty int) (domain.OrderSide, int) {
	if signedQty < 0 {
		return domain.OrderSideSell, -signedQty
	}
	return domain.OrderSideBuy, signedQty
}
