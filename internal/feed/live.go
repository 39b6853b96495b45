package feed

import (
	"context"
	"log/slog"
	"time"

	"tranchebot/internal/domain"
)

// Quote is one market-data snapshot.
type Quote struct {
	Price float64
	High  float64
	Low   float64
	IV    *float64
	At    time.Time
}

// QuoteFunc fetches the latest quote for a symbol. The app layer adapts the
// broker client's quote endpoint to this shape.
type QuoteFunc func(ctx context.Context, symbol string) (Quote, error)

// Live polls quotes on a fixed interval and emits them as observations, one
// decision cycle per interval. Poll errors are logged and retried rather
// than tearing the feed down; the risk guard's connectivity breaker handles
// a venue that stays unreachable.
type Live struct {
	quote    QuoteFunc
	symbol   string
	interval time.Duration
	clock    Clock
	logger   *slog.Logger

	seq     int64
	started bool
}

func NewLive(quote QuoteFunc, symbol string, interval time.Duration, clock Clock, logger *slog.Logger) *Live {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Live{
		quote:    quote,
		symbol:   symbol,
		interval: interval,
		clock:    clock,
		logger:   logger.With(slog.String("component", "feed")),
	}
}

// Next implements Source, blocking for the poll interval and then until a
// quote is obtained or ctx ends. The first call returns immediately so a
// session starts with a fresh observation.
func (l *Live) Next(ctx context.Context) (domain.Observation, error) {
	if l.started {
		if err := sleep(ctx, l.interval); err != nil {
			return domain.Observation{}, err
		}
	}
	l.started = true

	for {
		q, err := l.quote(ctx, l.symbol)
		if err == nil {
			return l.observe(q), nil
		}
		if ctx.Err() != nil {
			return domain.Observation{}, ctx.Err()
		}
		l.logger.Warn("quote poll failed", slog.String("symbol", l.symbol), slog.Any("error", err))
		if err := sleep(ctx, l.interval); err != nil {
			return domain.Observation{}, err
		}
	}
}

func (l *Live) observe(q Quote) domain.Observation {
	l.seq++
	if q.High == 0 {
		q.High = q.Price
	}
	if q.Low == 0 {
		q.Low = q.Price
	}
	if q.At.IsZero() {
		q.At = l.clock.Now()
	}
	return domain.Observation{
		Seq:        l.seq,
		Timestamp:  q.At,
		Underlying: l.symbol,
		Price:      q.Price,
		High:       q.High,
		Low:        q.Low,
		IV:         q.IV,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
