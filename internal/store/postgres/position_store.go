package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tranchebot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Tranches are
// stored inline as JSONB: they are always read and written as part of the
// owning position snapshot, never queried individually.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

type trancheRecord struct {
	ID         string     `json:"id"`
	Quantity   int        `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	EntryTime  time.Time  `json:"entry_time"`
	Tag        string     `json:"tag,omitempty"`
	Closed     bool       `json:"closed,omitempty"`
	ExitPrice  float64    `json:"exit_price,omitempty"`
	ExitTime   *time.Time `json:"exit_time,omitempty"`
}

func encodeTranches(ts []domain.Tranche) ([]byte, error) {
	recs := make([]trancheRecord, 0, len(ts))
	for _, t := range ts {
		recs = append(recs, trancheRecord(t))
	}
	return json.Marshal(recs)
}

func decodeTranches(data []byte) ([]domain.Tranche, error) {
	var recs []trancheRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	ts := make([]domain.Tranche, 0, len(recs))
	for _, r := range recs {
		ts = append(ts, domain.Tranche(r))
	}
	return ts, nil
}

const positionSelectCols = `id, underlying, strategy_name, status, tranches,
	net_quantity, last_add_price, realized_pnl, unrealized_pnl,
	opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var status string
	var tranches []byte
	var openedAt *time.Time

	err := row.Scan(
		&p.ID, &p.Underlying, &p.Strategy, &status, &tranches,
		&p.NetQuantity, &p.LastAddPrice, &p.RealizedPnL, &p.UnrealizedPnL,
		&openedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)
	if openedAt != nil {
		p.OpenedAt = *openedAt
	}
	p.Tranches, err = decodeTranches(tranches)
	if err != nil {
		return domain.Position{}, fmt.Errorf("decode tranches for %s: %w", p.ID, err)
	}
	return p, nil
}

// Save upserts a complete position snapshot, tranches included.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	tranches, err := encodeTranches(p.Tranches)
	if err != nil {
		return fmt.Errorf("postgres: encode tranches for %s: %w", p.ID, err)
	}

	var openedAt *time.Time
	if !p.OpenedAt.IsZero() {
		openedAt = &p.OpenedAt
	}

	const query = `
		INSERT INTO positions (
			id, underlying, strategy_name, status, tranches,
			net_quantity, last_add_price, realized_pnl, unrealized_pnl,
			opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status         = EXCLUDED.status,
			tranches       = EXCLUDED.tranches,
			net_quantity   = EXCLUDED.net_quantity,
			last_add_price = EXCLUDED.last_add_price,
			realized_pnl   = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			opened_at      = EXCLUDED.opened_at,
			closed_at      = EXCLUDED.closed_at,
			updated_at     = NOW()`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Underlying, p.Strategy, string(p.Status), tranches,
		p.NetQuantity, p.LastAddPrice, p.RealizedPnL, p.UnrealizedPnL,
		openedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// GetOpen returns the single not-yet-closed position for an underlying and
// strategy, or domain.ErrNotFound when the book is flat.
func (s *PositionStore) GetOpen(ctx context.Context, underlying, strategy string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE underlying = $1 AND strategy_name = $2
		   AND status NOT IN ('closed', 'flat')
		 ORDER BY opened_at DESC NULLS LAST
		 LIMIT 1`, underlying, strategy)

	p, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get open position %s/%s: %w", underlying, strategy, err)
	}
	return p, nil
}

// ListOpen returns every not-yet-closed position across all underlyings.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status NOT IN ('closed', 'flat')
		 ORDER BY opened_at DESC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListHistory returns positions for the given underlying, newest first.
func (s *PositionStore) ListHistory(ctx context.Context, underlying string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE underlying = $1
		ORDER BY opened_at DESC NULLS LAST`
	args := []any{underlying}
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
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position history: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
