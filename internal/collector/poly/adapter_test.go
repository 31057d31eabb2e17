package poly

import (
	"testing"
	"time"

	"github.com/courtside-labs/courtside/internal/market"
)

func TestHandleBook(t *testing.T) {
	pa := New(nil)

	raw := []byte(`{
		"event_type": "book",
		"asset_id": "tok-1",
		"market": "0xabc",
		"bids": [{"price": "0.48", "size": "30"}, {"price": "0.52", "size": "10"}],
		"asks": [{"price": "0.60", "size": "15"}, {"price": "0.55", "size": "25"}],
		"timestamp": "1700000000000"
	}`)
	pa.handleMessage(raw)

	select {
	case snap := <-pa.Updates():
		if snap.Venue != market.VenuePolymarket {
			t.Errorf("venue = %s", snap.Venue)
		}
		if snap.MarketID != "0xabc" {
			t.Errorf("market = %s, want 0xabc", snap.MarketID)
		}
		if !snap.CapturedAt.Equal(time.UnixMilli(1700000000000)) {
			t.Errorf("captured at = %v", snap.CapturedAt)
		}
		if snap.Sequence != 0 {
			t.Errorf("sequence = %d, want 0 (venue is unsequenced)", snap.Sequence)
		}
		// Normalized best-first.
		if snap.BestBid().Price != 0.52 || snap.BestBid().Size != 10 {
			t.Errorf("best bid = %+v, want 0.52/10", snap.BestBid())
		}
		if snap.BestAsk().Price != 0.55 || snap.BestAsk().Size != 25 {
			t.Errorf("best ask = %+v, want 0.55/25", snap.BestAsk())
		}
	default:
		t.Fatal("book event did not produce a snapshot")
	}
}

func TestIgnoredMessages(t *testing.T) {
	pa := New(nil)

	pa.handleMessage([]byte("PONG"))
	pa.handleMessage([]byte(`{"event_type": "price_change", "market": "0xabc"}`))
	pa.handleMessage([]byte(`{"event_type": "last_trade_price"}`))
	pa.handleMessage([]byte(`not json`))

	select {
	case snap := <-pa.Updates():
		t.Fatalf("unexpected snapshot: %+v", snap)
	default:
	}
}

func TestBookLevelTruncation(t *testing.T) {
	pa := New(nil)

	// Five bid levels on the wire; only the best three survive.
	raw := []byte(`{
		"event_type": "book",
		"market": "0xdeep",
		"bids": [
			{"price": "0.40", "size": "1"}, {"price": "0.42", "size": "2"},
			{"price": "0.44", "size": "3"}, {"price": "0.46", "size": "4"},
			{"price": "0.48", "size": "5"}
		],
		"asks": [{"price": "0.55", "size": "1"}],
		"timestamp": "1700000000000"
	}`)
	pa.handleMessage(raw)

	snap := <-pa.Updates()
	if len(snap.Bids) != market.Depth {
		t.Fatalf("bids = %d levels, want %d", len(snap.Bids), market.Depth)
	}
	if snap.Bids[0].Price != 0.48 || snap.Bids[2].Price != 0.44 {
		t.Errorf("retained wrong levels: %+v", snap.Bids)
	}
}

func TestParseTimestampFallback(t *testing.T) {
	before := time.Now()
	got := parseTimestamp("not-a-number")
	if got.Before(before) {
		t.Errorf("fallback timestamp %v predates call", got)
	}
}
