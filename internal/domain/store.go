package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PositionStore persists position snapshots (including tranches). Snapshots
// are the compacted source of truth across daemon restarts; per-change detail
// lives in the EventJournal.
type PositionStore interface {
	Save(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	GetOpen(ctx context.Context, underlying, strategy string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, underlying string, opts ListOpts) ([]Position, error)
}

// BracketStore persists OCO bracket snapshots.
type BracketStore interface {
	Save(ctx context.Context, b OCOBracket) error
	ListActive(ctx context.Context, positionID string) ([]OCOBracket, error)
	DeleteByPosition(ctx context.Context, positionID string) error
}

// EventJournal is the append-only record of everything the engine did or
// refused to do. Appends never rewrite existing rows; Compact removes journal
// rows for a closed, archived position.
type EventJournal interface {
	Append(ctx context.Context, ev Event) error
	ListByPosition(ctx context.Context, positionID string) ([]Event, error)
	ListSince(ctx context.Context, since time.Time, opts ListOpts) ([]Event, error)
	Compact(ctx context.Context, positionID string) error
}

// HaltFlag is the single cross-process control channel between the monitor
// and the daemon's risk guard. The monitor raises it; the daemon only reads
// and (after operator intervention) clears it.
type HaltFlag interface {
	Raise(ctx context.Context, reason RejectReason, detail string) error
	Clear(ctx context.Context) error
	// Current returns the active halt reason, or ok=false when trading is
	// not halted.
	Current(ctx context.Context) (reason RejectReason, detail string, ok bool, err error)
}

// EventSink receives journal events for fan-out to external consumers
// (alerting stream, notifications). Implementations must not block the
// decision pipeline.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// PositionArchiver stores the final snapshot of a closed position outside the
// hot database, enabling journal compaction.
type PositionArchiver interface {
	ArchivePosition(ctx context.Context, pos Position, events []Event) error
}
