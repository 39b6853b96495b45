package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"tranchebot/internal/domain"
)

// BracketStore implements domain.BracketStore using PostgreSQL. Legs are
// stored as JSONB alongside the bracket row so a crash between leg
// submissions leaves a restorable snapshot.
type BracketStore struct {
	pool *pgxpool.Pool
}

var _ domain.BracketStore = (*BracketStore)(nil)

// NewBracketStore creates a new BracketStore backed by the given connection pool.
func NewBracketStore(pool *pgxpool.Pool) *BracketStore {
	return &BracketStore{pool: pool}
}

type legRecord struct {
	Kind         string  `json:"kind"`
	TriggerPrice float64 `json:"trigger_price"`
	Quantity     int     `json:"quantity"`
	TIF          string  `json:"tif"`
	RequestID    string  `json:"request_id"`
	VenueOrderID string  `json:"venue_order_id,omitempty"`
	State        string  `json:"state"`
}

func encodeLegs(legs []domain.BracketLeg) ([]byte, error) {
	recs := make([]legRecord, 0, len(legs))
	for _, l := range legs {
		recs = append(recs, legRecord{
			Kind:         string(l.Kind),
			TriggerPrice: l.TriggerPrice,
			Quantity:     l.Quantity,
			TIF:          string(l.TIF),
			RequestID:    l.RequestID,
			VenueOrderID: l.VenueOrderID,
			State:        string(l.State),
		})
	}
	return json.Marshal(recs)
}

func decodeLegs(data []byte) ([]domain.BracketLeg, error) {
	var recs []legRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, err
	}
	legs := make([]domain.BracketLeg, 0, len(recs))
	for _, r := range recs {
		legs = append(legs, domain.BracketLeg{
			Kind:         domain.LegKind(r.Kind),
			TriggerPrice: r.TriggerPrice,
			Quantity:     r.Quantity,
			TIF:          domain.TimeInForce(r.TIF),
			RequestID:    r.RequestID,
			VenueOrderID: r.VenueOrderID,
			State:        domain.LegState(r.State),
		})
	}
	return legs, nil
}

// Save upserts a bracket snapshot.
func (s *BracketStore) Save(ctx context.Context, b domain.OCOBracket) error {
	legs, err := encodeLegs(b.Legs)
	if err != nil {
		return fmt.Errorf("postgres: encode legs for bracket %s: %w", b.ID, err)
	}

	const query = `
		INSERT INTO brackets (
			id, position_id, tranche_id, legs, trailing_active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			legs            = EXCLUDED.legs,
			trailing_active = EXCLUDED.trailing_active,
			updated_at      = NOW()`

	_, err = s.pool.Exec(ctx, query,
		b.ID, b.PositionID, b.TrancheID, legs, b.TrailingActive, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save bracket %s: %w", b.ID, err)
	}
	return nil
}

// ListActive returns the bracket snapshots for a position.
func (s *BracketStore) ListActive(ctx context.Context, positionID string) ([]domain.OCOBracket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, tranche_id, legs, trailing_active, created_at, updated_at
		 FROM brackets
		 WHERE position_id = $1
		 ORDER BY created_at`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list brackets for %s: %w", positionID, err)
	}
	defer rows.Close()

	var brackets []domain.OCOBracket
	for rows.Next() {
		var b domain.OCOBracket
		var legs []byte
		if err := rows.Scan(
			&b.ID, &b.PositionID, &b.TrancheID, &legs, &b.TrailingActive,
			&b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan bracket: %w", err)
		}
		b.Legs, err = decodeLegs(legs)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode legs for bracket %s: %w", b.ID, err)
		}
		brackets = append(brackets, b)
	}
	return brackets, rows.Err()
}

// DeleteByPosition removes every bracket snapshot for a position. Called when
// the position closes or the brackets are rebuilt from scratch.
func (s *BracketStore) DeleteByPosition(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM brackets WHERE position_id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("postgres: delete brackets for %s: %w", positionID, err)
	}
	return nil
}
