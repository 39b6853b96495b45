package domain

import "time"

// Observation is one price observation for an underlying: a daily bar close in
// replay mode or a last-trade tick in live mode. The schema is identical for
// both so the decision pipeline cannot tell which driver produced it.
type Observation struct {
	Seq        int64 // strictly increasing within one feed
	Timestamp  time.Time
	Underlying string
	Price      float64
	High       float64 // bar high; equals Price for ticks
	Low        float64 // bar low; equals Price for ticks
	IV         *float64
}

// TrueRange returns the observation's true range given the previous close.
// For tick observations (High == Low == Price) this degrades to the absolute
// move since the previous close.
func (o Observation) TrueRange(prevClose float64) float64 {
	hl := o.High - o.Low
	hc := abs(o.High - prevClose)
	lc := abs(o.Low - prevClose)
	tr := hl
	if hc > tr {
		tr = hc
	}
	if lc > tr {
		tr = lc
	}
	return tr
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
