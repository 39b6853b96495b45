package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tranchebot/internal/domain"
)

const (
	eventStreamKey = "tranchebot:events"

	// streamMaxLen is the approximate maximum stream length, enforced via
	// XADD MAXLEN ~. The PostgreSQL journal is the durable record; the stream
	// only feeds live consumers.
	streamMaxLen int64 = 10000
)

// EventStream fans journal events out over a Redis stream so the monitor and
// any external trade tracker can tail the daemon's activity without polling
// the database. It implements domain.EventSink.
type EventStream struct {
	rdb *redis.Client
}

var _ domain.EventSink = (*EventStream)(nil)

// NewEventStream creates an EventStream backed by the given Client.
func NewEventStream(c *Client) *EventStream {
	return &EventStream{rdb: c.Underlying()}
}

type streamEvent struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	PositionID string  `json:"position_id,omitempty"`
	Underlying string  `json:"underlying,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Price      float64 `json:"price,omitempty"`
	Quantity   int     `json:"quantity,omitempty"`
	At         string  `json:"at"`
	Seq        int64   `json:"seq,omitempty"`
}

// Emit appends one event to the stream.
func (es *EventStream) Emit(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(streamEvent{
		ID:         ev.ID,
		Type:       string(ev.Type),
		PositionID: ev.PositionID,
		Underlying: ev.Underlying,
		Reason:     ev.Reason,
		Price:      ev.Price,
		Quantity:   ev.Quantity,
		At:         ev.At.UTC().Format(time.RFC3339Nano),
		Seq:        ev.Seq,
	})
	if err != nil {
		return fmt.Errorf("redis: encode event %s: %w", ev.ID, err)
	}

	args := &redis.XAddArgs{
		Stream: eventStreamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}
	if err := es.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", ev.ID, err)
	}
	return nil
}

// Tail reads up to count events after lastID. Use "0" as lastID to read from
// the beginning, or "$" to read only new entries. It returns the stream ID of
// the last entry read so the caller can resume, and an empty slice (not an
// error) when nothing is available within block. A non-positive block makes
// the read return immediately.
func (es *EventStream) Tail(ctx context.Context, lastID string, count int, block time.Duration) ([]domain.Event, string, error) {
	args := &redis.XReadArgs{
		Streams: []string{eventStreamKey, lastID},
		Count:   int64(count),
		// go-redis sends BLOCK whenever Block >= 0, and BLOCK 0 waits forever.
		Block: -1,
	}
	if block > 0 {
		args.Block = block
	}

	results, err := es.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, lastID, nil
		}
		return nil, lastID, fmt.Errorf("redis: stream read: %w", err)
	}

	var events []domain.Event
	for _, s := range results {
		for _, msg := range s.Messages {
			raw, ok := msg.Values["payload"].(string)
			if !ok {
				continue
			}
			var se streamEvent
			if err := json.Unmarshal([]byte(raw), &se); err != nil {
				continue
			}
			at, _ := time.Parse(time.RFC3339Nano, se.At)
			events = append(events, domain.Event{
				ID:         se.ID,
				Type:       domain.EventType(se.Type),
				PositionID: se.PositionID,
				Underlying: se.Underlying,
				Reason:     se.Reason,
				Price:      se.Price,
				Quantity:   se.Quantity,
				At:         at,
				Seq:        se.Seq,
			})
			lastID = msg.ID
		}
	}

	return events, lastID, nil
}
