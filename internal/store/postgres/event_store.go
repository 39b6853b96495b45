package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tranchebot/internal/domain"
)

// EventStore implements domain.EventJournal using PostgreSQL. Rows are
// append-only; the only delete path is Compact, which runs after the owning
// position has been closed and archived.
type EventStore struct {
	pool *pgxpool.Pool
}

var _ domain.EventJournal = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts one journal event. Event IDs are derived deterministically
// from their inputs, so re-appending after a crash replays as a no-op.
func (s *EventStore) Append(ctx context.Context, ev domain.Event) error {
	const query = `
		INSERT INTO events (
			id, event_type, position_id, underlying, reason,
			price, quantity, occurred_at, seq
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		ev.ID, string(ev.Type), ev.PositionID, ev.Underlying, ev.Reason,
		ev.Price, ev.Quantity, ev.At, ev.Seq,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.ID, err)
	}
	return nil
}

const eventSelectCols = `id, event_type, position_id, underlying, reason,
	price, quantity, occurred_at, seq`

func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ string
		if err := rows.Scan(
			&ev.ID, &typ, &ev.PositionID, &ev.Underlying, &ev.Reason,
			&ev.Price, &ev.Quantity, &ev.At, &ev.Seq,
		); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListByPosition returns every journal event for a position in append order.
func (s *EventStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventSelectCols+` FROM events
		 WHERE position_id = $1
		 ORDER BY seq, occurred_at`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for %s: %w", positionID, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events for %s: %w", positionID, err)
	}
	return events, nil
}

// ListSince returns journal events at or after the given time, oldest first.
func (s *EventStore) ListSince(ctx context.Context, since time.Time, opts domain.ListOpts) ([]domain.Event, error) {
	query := `SELECT ` + eventSelectCols + ` FROM events
		WHERE occurred_at >= $1
		ORDER BY occurred_at, seq`
	args := []any{since}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events since %s: %w", since.Format(time.RFC3339), err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan events: %w", err)
	}
	return events, nil
}

// Compact removes the journal rows for a closed, archived position.
func (s *EventStore) Compact(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM events WHERE position_id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("postgres: compact events for %s: %w", positionID, err)
	}
	return nil
}
