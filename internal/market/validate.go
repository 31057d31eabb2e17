package market

import (
	"errors"
	"fmt"
	"sort"
)

// Sentinel errors returned by Validate.
var (
	ErrEmptyBook       = errors.New("snapshot has no levels on either side")
	ErrCrossedBook     = errors.New("crossed book: best bid >= best ask")
	ErrBidOrder        = errors.New("bid prices not strictly decreasing")
	ErrAskOrder        = errors.New("ask prices not strictly increasing")
	ErrNegativeLevel   = errors.New("level has negative price or size")
	ErrMissingMarketID = errors.New("snapshot missing venue market id")
)

// Normalize sorts both sides best-first and truncates them to Depth
// levels. Adapters call this on raw wire levels before Validate, since
// venues deliver levels in arbitrary (or worst-first) order.
func Normalize(bids, asks []Level) ([]Level, []Level) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if len(bids) > Depth {
		bids = bids[:Depth]
	}
	if len(asks) > Depth {
		asks = asks[:Depth]
	}
	return bids, asks
}

// Validate runs all book-invariant checks on the snapshot. It fails
// fast: the first failing check returns an error and the snapshot must
// be dropped, never ingested. A one-sided book is valid (thin markets
// routinely quote only one side); a fully empty one is not.
func Validate(s *Snapshot) error {
	if s.MarketID == "" {
		return ErrMissingMarketID
	}
	if len(s.Bids) == 0 && len(s.Asks) == 0 {
		return ErrEmptyBook
	}

	for _, l := range s.Bids {
		if l.Price < 0 || l.Size < 0 {
			return fmt.Errorf("%w: bid %.4f@%.2f", ErrNegativeLevel, l.Size, l.Price)
		}
	}
	for _, l := range s.Asks {
		if l.Price < 0 || l.Size < 0 {
			return fmt.Errorf("%w: ask %.4f@%.2f", ErrNegativeLevel, l.Size, l.Price)
		}
	}

	for i := 1; i < len(s.Bids); i++ {
		if s.Bids[i].Price >= s.Bids[i-1].Price {
			return fmt.Errorf("%w: level %d (%.4f >= %.4f)",
				ErrBidOrder, i, s.Bids[i].Price, s.Bids[i-1].Price)
		}
	}
	for i := 1; i < len(s.Asks); i++ {
		if s.Asks[i].Price <= s.Asks[i-1].Price {
			return fmt.Errorf("%w: level %d (%.4f <= %.4f)",
				ErrAskOrder, i, s.Asks[i].Price, s.Asks[i-1].Price)
		}
	}

	if len(s.Bids) > 0 && len(s.Asks) > 0 && s.Bids[0].Price >= s.Asks[0].Price {
		return fmt.Errorf("%w: %.4f >= %.4f", ErrCrossedBook, s.Bids[0].Price, s.Asks[0].Price)
	}

	return nil
}
