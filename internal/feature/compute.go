// Package feature derives windowed microstructure features from linked
// order book snapshots. All computation is pure and driven by capture
// timestamps, so replaying stored snapshots reproduces the live output
// bit for bit.
package feature

import (
	"math"

	"github.com/courtside-labs/courtside/internal/market"
)

// emaAlphas are the decay factors for the order flow pressure EMAs,
// fastest first.
var emaAlphas = [3]float64{0.5, 0.3, 0.1}

// depthRatioCap bounds the bid/ask depth ratio so a near-empty ask side
// does not blow up the feature.
const depthRatioCap = 10.0

// spreadWindowTicks is the rolling window length for spread volatility.
const spreadWindowTicks = 20

// windowOFI is the order flow imbalance across one window: the change
// in total bid depth minus the change in total ask depth between the
// window's first and last snapshot. Positive values mean net buy-side
// pressure.
func windowOFI(first, last market.Snapshot) float64 {
	bidDelta := last.BidVolume() - first.BidVolume()
	askDelta := last.AskVolume() - first.AskVolume()
	return bidDelta - askDelta
}

// emaStep applies one exponential decay step.
func emaStep(prev, x, alpha float64) float64 {
	return alpha*x + (1-alpha)*prev
}

// vamp is the volume-adjusted mid price: each side's best price
// weighted by the opposite side's depth, so a thin ask pulls the price
// toward the ask.
func vamp(s market.Snapshot) (float64, bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0, false
	}
	bidVol := s.BidVolume()
	askVol := s.AskVolume()
	total := bidVol + askVol
	if total == 0 {
		return 0, false
	}
	return (s.BestBid().Price*askVol + s.BestAsk().Price*bidVol) / total, true
}

// microPrice is the size-weighted average price across both sides' top
// levels, a finer-grained fair value than the mid.
func microPrice(s market.Snapshot) (float64, bool) {
	var sum, vol float64
	for _, l := range s.Bids {
		sum += l.Price * l.Size
		vol += l.Size
	}
	for _, l := range s.Asks {
		sum += l.Price * l.Size
		vol += l.Size
	}
	if vol == 0 {
		return 0, false
	}
	return sum / vol, true
}

// depthRatio is total bid depth over total ask depth, capped. A book
// with no ask depth returns the cap.
func depthRatio(s market.Snapshot) float64 {
	bidVol := s.BidVolume()
	askVol := s.AskVolume()
	if askVol == 0 {
		if bidVol == 0 {
			return 0
		}
		return depthRatioCap
	}
	return math.Min(bidVol/askVol, depthRatioCap)
}

// spreadRing is a fixed-size rolling window of observed spreads for
// volatility estimation.
type spreadRing struct {
	vals [spreadWindowTicks]float64
	n    int
	next int
}

func (r *spreadRing) push(v float64) {
	r.vals[r.next] = v
	r.next = (r.next + 1) % len(r.vals)
	if r.n < len(r.vals) {
		r.n++
	}
}

// std is the population standard deviation of the window. Fewer than
// two observations yield zero.
func (r *spreadRing) std() float64 {
	if r.n < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < r.n; i++ {
		sum += r.vals[i]
	}
	mean := sum / float64(r.n)

	var sq float64
	for i := 0; i < r.n; i++ {
		d := r.vals[i] - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(r.n))
}

// crossVenueArb is the arbitrage spread at the window boundary: this
// venue's volume-adjusted mid minus the other venue's. Unavailable when
// either book is one-sided, since neither VAMP is defined then.
func crossVenueArb(self, other market.Snapshot) (float64, bool) {
	a, ok := vamp(self)
	if !ok {
		return 0, false
	}
	b, ok := vamp(other)
	if !ok {
		return 0, false
	}
	return a - b, true
}
