package bracket

import "tranchebot/internal/domain"

// trail maintains a rolling true-range window and turns it into a stop
// distance. It reports no distance until the window has filled, so early
// observations cannot produce a degenerate stop.
type trail struct {
	window     int
	multiplier float64
	ranges     []float64
	next       int
	count      int
	prevClose  float64
	havePrev   bool
}

func newTrail(window int, multiplier float64) *trail {
	if window < 1 {
		window = 1
	}
	return &trail{
		window:     window,
		multiplier: multiplier,
		ranges:     make([]float64, window),
	}
}

func (t *trail) observe(obs domain.Observation) {
	if !t.havePrev {
		t.prevClose = obs.Price
		t.havePrev = true
		return
	}
	t.ranges[t.next] = obs.TrueRange(t.prevClose)
	t.next = (t.next + 1) % t.window
	if t.count < t.window {
		t.count++
	}
	t.prevClose = obs.Price
}

// distance returns Multiplier x average true range once the window is full.
func (t *trail) distance() (float64, bool) {
	if t.count < t.window {
		return 0, false
	}
	var sum float64
	for _, r := range t.ranges[:t.count] {
		sum += r
	}
	return t.multiplier * sum / float64(t.count), true
}
