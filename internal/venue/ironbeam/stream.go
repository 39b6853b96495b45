package ironbeam

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"tranchebot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Stream consumes the Ironbeam execution websocket: fill reports and
// heartbeats. Each message refreshes the client's heartbeat, which is what
// the connectivity circuit breaker watches; a dead stream therefore halts
// trading without any extra plumbing.
type Stream struct {
	client *Client
	logger *slog.Logger
}

// NewStream creates a Stream feeding the given REST client's fill queue.
func NewStream(client *Client, logger *slog.Logger) *Stream {
	return &Stream{
		client: client,
		logger: logger.With(slog.String("component", "ironbeam_stream")),
	}
}

// Run connects and consumes until ctx is cancelled, reconnecting with capped
// exponential backoff after any failure.
func (s *Stream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("stream disconnected", slog.Any("error", err), slog.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

type streamMessage struct {
	Type string `json:"type"` // "fill" | "heartbeat"
	Fill struct {
		OrderID       string  `json:"order_id"`
		ClientOrderID string  `json:"client_order_id"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Price         float64 `json:"price"`
		Quantity      int     `json:"quantity"`
		Kind          string  `json:"kind"`
		PositionID    string  `json:"position_id"`
		Timestamp     int64   `json:"timestamp"` // unix millis
	} `json:"fill"`
}

func (s *Stream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	headers := s.client.cfg.Auth.Headers("GET", "/stream", "")
	h := make(map[string][]string, len(headers))
	for k, v := range headers {
		h[k] = []string{v}
	}

	conn, _, err := dialer.DialContext(ctx, s.client.cfg.WSURL, h)
	if err != nil {
		return fmt.Errorf("ironbeam: dial stream: %w", err)
	}
	defer conn.Close()
	s.logger.Info("stream connected", slog.String("url", s.client.cfg.WSURL))
	s.client.touchHeartbeat()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.client.touchHeartbeat()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Ping loop; also closes the connection when ctx ends so ReadMessage
	// unblocks.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-pingDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ironbeam: read stream: %w", err)
		}
		s.client.touchHeartbeat()

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("undecodable stream message", slog.Any("error", err))
			continue
		}

		switch msg.Type {
		case "heartbeat":
			// Heartbeat already touched above.
		case "fill":
			f := msg.Fill
			s.client.pushFill(domain.Fill{
				VenueOrderID: f.OrderID,
				RequestID:    f.ClientOrderID,
				Kind:         domain.OrderKind(f.Kind),
				PositionID:   f.PositionID,
				Side:         domain.OrderSide(f.Side),
				Price:        f.Price,
				Quantity:     f.Quantity,
				At:           time.UnixMilli(f.Timestamp).UTC(),
			})
			s.logger.Info("fill received",
				slog.String("order_id", f.OrderID),
				slog.String("symbol", f.Symbol),
				slog.Float64("price", f.Price),
				slog.Int("quantity", f.Quantity),
			)
		default:
			s.logger.Debug("unhandled stream message", slog.String("type", msg.Type))
		}
	}
}
