// Package feed produces the observation stream the engine consumes. Replay
// and live sources satisfy the same pull interface, so the decision pipeline
// has no way to tell a backtest from a trading session.
package feed

import (
	"context"
	"time"

	"tranchebot/internal/domain"
)

// Source yields observations in strictly increasing Seq order. Next returns
// io.EOF when the stream is exhausted (replay) and blocks for the next tick
// otherwise (live).
type Source interface {
	Next(ctx context.Context) (domain.Observation, error)
}

// Clock abstracts wall time so live components can be driven in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
