package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"tranchebot/internal/domain"
)

// Replay reads daily bars from a CSV file and replays them as observations.
// Expected header: date,open,high,low,close[,volume][,iv]. Unknown trailing
// columns are ignored; iv is optional per row.
type Replay struct {
	underlying string
	rows       []domain.Observation
	next       int
}

// OpenReplay loads and validates the whole file up front so a malformed row
// fails the run before any trading state exists.
func OpenReplay(path, underlying string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("feed: open replay: %w", err)
	}
	defer f.Close()

	r, err := parseReplay(f, underlying)
	if err != nil {
		return nil, fmt.Errorf("feed: %s: %w", path, err)
	}
	return r, nil
}

func parseReplay(src io.Reader, underlying string) (*Replay, error) {
	cr := csv.NewReader(src)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"date", "high", "low", "close"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}
	ivCol, hasIV := col["iv"]

	var rows []domain.Observation
	var prev time.Time
	seq := int64(0)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", seq+2, err)
		}

		ts, err := time.Parse("2006-01-02", rec[col["date"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: parse date: %w", seq+2, err)
		}
		if !prev.IsZero() && !ts.After(prev) {
			return nil, fmt.Errorf("row %d: out-of-order date %s", seq+2, rec[col["date"]])
		}
		prev = ts

		high, err := parseFloat(rec[col["high"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: high: %w", seq+2, err)
		}
		low, err := parseFloat(rec[col["low"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: low: %w", seq+2, err)
		}
		closePx, err := parseFloat(rec[col["close"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: close: %w", seq+2, err)
		}
		if low > high || closePx <= 0 {
			return nil, fmt.Errorf("row %d: implausible bar h=%v l=%v c=%v", seq+2, high, low, closePx)
		}

		obs := domain.Observation{
			Seq:        seq + 1,
			Timestamp:  ts.UTC(),
			Underlying: underlying,
			Price:      closePx,
			High:       high,
			Low:        low,
		}
		if hasIV && ivCol < len(rec) && strings.TrimSpace(rec[ivCol]) != "" {
			iv, err := parseFloat(rec[ivCol])
			if err != nil {
				return nil, fmt.Errorf("row %d: iv: %w", seq+2, err)
			}
			obs.IV = &iv
		}
		rows = append(rows, obs)
		seq++
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no bars")
	}
	return &Replay{underlying: underlying, rows: rows}, nil
}

// Next implements Source.
func (r *Replay) Next(_ context.Context) (domain.Observation, error) {
	if r.next >= len(r.rows) {
		return domain.Observation{}, io.EOF
	}
	obs := r.rows[r.next]
	r.next++
	return obs, nil
}

// Len reports the number of bars loaded.
func (r *Replay) Len() int { return len(r.rows) }

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
