package kalshi

import (
	"math"
	"testing"
	"time"

	"github.com/courtside-labs/courtside/internal/collector"
	"github.com/courtside-labs/courtside/internal/market"
)

func newTestAdapter() *Adapter {
	ws := collector.NewWSClient(collector.DefaultWSConfig("ws://unused"))
	return New(ws)
}

const snapshotFixture = `{
	"type": "orderbook_snapshot",
	"sid": 1,
	"seq": 41,
	"msg": {
		"market_ticker": "KXNBAGAME-25DEC19MIABOS",
		"yes": [[51, 20], [52, 10]],
		"no": [[46, 8]]
	}
}`

func TestHandleSnapshot(t *testing.T) {
	ka := newTestAdapter()
	ka.handleMessage([]byte(snapshotFixture))

	select {
	case snap := <-ka.Updates():
		if snap.Venue != market.VenueKalshi {
			t.Errorf("venue = %s", snap.Venue)
		}
		if snap.MarketID != "KXNBAGAME-25DEC19MIABOS" {
			t.Errorf("market = %s", snap.MarketID)
		}
		if snap.Sequence != 41 {
			t.Errorf("sequence = %d, want 41", snap.Sequence)
		}
		// YES bids: cents to probability, best first.
		if snap.BestBid().Price != 0.52 || snap.BestBid().Size != 10 {
			t.Errorf("best bid = %+v, want 0.52/10", snap.BestBid())
		}
		// NO bid at 46c quotes the complement: ask at 0.54.
		if math.Abs(snap.BestAsk().Price-0.54) > 1e-9 || snap.BestAsk().Size != 8 {
			t.Errorf("best ask = %+v, want 0.54/8", snap.BestAsk())
		}
	default:
		t.Fatal("snapshot did not produce an update")
	}
}

func TestHandleDeltaAppliesToBook(t *testing.T) {
	ka := newTestAdapter()
	ka.handleMessage([]byte(snapshotFixture))
	<-ka.Updates()

	ka.handleMessage([]byte(`{
		"type": "orderbook_delta",
		"sid": 1,
		"seq": 42,
		"msg": {
			"market_ticker": "KXNBAGAME-25DEC19MIABOS",
			"price": 52,
			"delta": 4,
			"side": "yes",
			"ts": "2025-12-19T23:30:01Z"
		}
	}`))

	select {
	case snap := <-ka.Updates():
		if snap.Sequence != 42 {
			t.Errorf("sequence = %d, want 42", snap.Sequence)
		}
		if snap.BestBid().Price != 0.52 || snap.BestBid().Size != 14 {
			t.Errorf("best bid = %+v, want 0.52/14 after +4 delta", snap.BestBid())
		}
		want := time.Date(2025, 12, 19, 23, 30, 1, 0, time.UTC)
		if !snap.CapturedAt.Equal(want) {
			t.Errorf("captured at = %v, want %v", snap.CapturedAt, want)
		}
	default:
		t.Fatal("delta did not produce an update")
	}
}

func TestDeltaRemovesEmptiedLevel(t *testing.T) {
	ka := newTestAdapter()
	ka.handleMessage([]byte(snapshotFixture))
	<-ka.Updates()

	ka.handleMessage([]byte(`{
		"type": "orderbook_delta",
		"seq": 42,
		"msg": {
			"market_ticker": "KXNBAGAME-25DEC19MIABOS",
			"price": 52,
			"delta": -10,
			"side": "yes"
		}
	}`))

	snap := <-ka.Updates()
	if snap.BestBid().Price != 0.51 {
		t.Errorf("best bid = %+v, want 0.51 after 52c level emptied", snap.BestBid())
	}
}

// Deltas for markets without a prior snapshot are dropped; the book
// state would be wrong otherwise.
func TestDeltaWithoutSnapshotIgnored(t *testing.T) {
	ka := newTestAdapter()

	ka.handleMessage([]byte(`{
		"type": "orderbook_delta",
		"seq": 1,
		"msg": {"market_ticker": "UNKNOWN", "price": 50, "delta": 5, "side": "yes"}
	}`))

	select {
	case snap := <-ka.Updates():
		t.Fatalf("unexpected update: %+v", snap)
	default:
	}
}

func TestParseTimestampFormats(t *testing.T) {
	fixed := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return fixed }

	if got := parseTimestamp("2025-12-19T23:30:01Z", now); got.Hour() != 23 {
		t.Errorf("RFC3339 parse failed: %v", got)
	}
	if got := parseTimestamp("1700000000", now); !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("unix seconds parse failed: %v", got)
	}
	if got := parseTimestamp("", now); !got.Equal(fixed) {
		t.Errorf("empty ts should fall back to now, got %v", got)
	}
	if got := parseTimestamp("garbage", now); !got.Equal(fixed) {
		t.Errorf("unparseable ts should fall back to now, got %v", got)
	}
}
