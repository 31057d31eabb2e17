package market

import "time"

// Venue identifies the source of market data.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
)

// Depth is the number of book levels retained per side.
const Depth = 3

// Level represents a single bid or ask at a given price.
type Level struct {
	Price float64
	Size  float64
}

// Snapshot is the canonical order book snapshot emitted by every venue
// collector. Downstream consumers (linkage, features, store) operate on
// this type regardless of origin. Snapshots are treated as immutable
// once emitted.
type Snapshot struct {
	Venue    Venue
	MarketID string // venue-native identifier

	// CapturedAt is the venue-side capture time; IngestedAt is stamped
	// when the collector accepts the snapshot. Both are persisted so
	// feed latency is reproducible on replay.
	CapturedAt time.Time
	IngestedAt time.Time

	// Sequence is the venue-assigned sequence number, 0 when the venue
	// does not provide one (Polymarket).
	Sequence int64

	// Bids best-first (prices strictly decreasing), Asks best-first
	// (prices strictly increasing), at most Depth levels each.
	Bids []Level
	Asks []Level
}

// BestBid returns the top-of-book bid, or a zero Level if the side is empty.
func (s *Snapshot) BestBid() Level {
	if len(s.Bids) == 0 {
		return Level{}
	}
	return s.Bids[0]
}

// BestAsk returns the top-of-book ask, or a zero Level if the side is empty.
func (s *Snapshot) BestAsk() Level {
	if len(s.Asks) == 0 {
		return Level{}
	}
	return s.Asks[0]
}

// BidVolume is the total resting bid size across retained levels.
func (s *Snapshot) BidVolume() float64 {
	var v float64
	for _, l := range s.Bids {
		v += l.Size
	}
	return v
}

// AskVolume is the total resting ask size across retained levels.
func (s *Snapshot) AskVolume() float64 {
	var v float64
	for _, l := range s.Asks {
		v += l.Size
	}
	return v
}

// MidPrice returns the midpoint of the best bid and ask, or 0 when
// either side is empty.
func (s *Snapshot) MidPrice() float64 {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0
	}
	return (s.Bids[0].Price + s.Asks[0].Price) / 2
}

// Spread returns best ask minus best bid, or 0 when either side is empty.
func (s *Snapshot) Spread() float64 {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price - s.Bids[0].Price
}

// LinkedSnapshot is a Snapshot whose venue-native market identifier has
// been resolved to a canonical event.
type LinkedSnapshot struct {
	EventID string
	Snapshot
}
