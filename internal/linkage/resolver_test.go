package linkage

import (
	"testing"
	"time"

	"github.com/courtside-labs/courtside/internal/market"
)

func testMeta() (MarketMeta, MarketMeta) {
	poly := MarketMeta{
		Venue:    market.VenuePolymarket,
		NativeID: "0xheat-celtics",
		Title:    "Miami Heat vs. Boston Celtics",
		Slug:     "nba-mia-bos-2025-12-19",
	}
	kalshi := MarketMeta{
		Venue:    market.VenueKalshi,
		NativeID: "KXNBAGAME-25DEC19MIABOS",
		Title:    "Miami Heat vs Boston Celtics Winner?",
		Ticker:   "KXNBAGAME-25DEC19MIABOS",
	}
	return poly, kalshi
}

func TestResolverJoinsVenues(t *testing.T) {
	r := NewResolver(DefaultConfig())
	poly, kalshi := testMeta()

	polyID, tier := r.Resolve(poly)
	if tier != TierExact {
		t.Fatalf("first resolution tier = %v, want exact", tier)
	}
	if polyID != "BOS-MIA-25DEC19" {
		t.Fatalf("event ID = %q, want BOS-MIA-25DEC19", polyID)
	}

	kalshiID, tier := r.Resolve(kalshi)
	if kalshiID != polyID {
		t.Errorf("venues resolved to different events: %q vs %q", polyID, kalshiID)
	}
	if tier != TierExact {
		t.Errorf("second venue tier = %v, want exact", tier)
	}

	l, ok := r.Lookup(market.VenueKalshi, kalshi.NativeID)
	if !ok {
		t.Fatal("kalshi market not found after resolution")
	}
	if len(l.Natives) != 2 {
		t.Errorf("linkage natives = %d, want 2", len(l.Natives))
	}
}

// Resolution must be idempotent: once a native ID is mapped, later
// metadata (even drifted) returns the same event ID.
func TestResolverIdempotent(t *testing.T) {
	r := NewResolver(DefaultConfig())
	poly, _ := testMeta()

	first, _ := r.Resolve(poly)

	drifted := poly
	drifted.Title = "Heat vs. Celtics (Updated)"
	drifted.Slug = "nba-mia-bos-2025-12-20"
	second, _ := r.Resolve(drifted)

	if first != second {
		t.Errorf("re-resolution changed event ID: %q then %q", first, second)
	}
}

func TestResolverUnresolvedBuffersAndDrains(t *testing.T) {
	r := NewResolver(DefaultConfig())
	poly, _ := testMeta()

	snap := market.Snapshot{
		Venue:      market.VenuePolymarket,
		MarketID:   poly.NativeID,
		CapturedAt: time.Now(),
		Bids:       []market.Level{{Price: 0.52, Size: 10}},
		Asks:       []market.Level{{Price: 0.54, Size: 8}},
	}

	if _, ok := r.Annotate(snap); ok {
		t.Fatal("snapshot for unknown market should not annotate")
	}

	eventID, _ := r.Resolve(poly)

	select {
	case ls := <-r.Relinked():
		if ls.EventID != eventID {
			t.Errorf("relinked event = %q, want %q", ls.EventID, eventID)
		}
		if ls.MarketID != snap.MarketID {
			t.Errorf("relinked market = %q, want %q", ls.MarketID, snap.MarketID)
		}
	default:
		t.Fatal("buffered snapshot was not re-attributed after resolution")
	}

	// Subsequent snapshots annotate directly.
	ls, ok := r.Annotate(snap)
	if !ok || ls.EventID != eventID {
		t.Errorf("post-resolution annotate = (%+v, %v)", ls, ok)
	}
}

func TestResolverPendingBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = 3
	r := NewResolver(cfg)
	poly, _ := testMeta()

	for i := 0; i < 5; i++ {
		r.Annotate(market.Snapshot{
			Venue:    market.VenuePolymarket,
			MarketID: poly.NativeID,
			Sequence: int64(i),
			Bids:     []market.Level{{Price: 0.5, Size: 1}},
		})
	}

	r.Resolve(poly)

	var drained []market.LinkedSnapshot
	for {
		select {
		case ls := <-r.Relinked():
			drained = append(drained, ls)
			continue
		default:
		}
		break
	}

	if len(drained) != 3 {
		t.Fatalf("drained %d snapshots, want 3 (oldest evicted)", len(drained))
	}
	// The survivors are the newest three.
	if drained[0].Sequence != 2 || drained[2].Sequence != 4 {
		t.Errorf("unexpected survivors: first seq %d, last seq %d",
			drained[0].Sequence, drained[2].Sequence)
	}
}

func TestResolverExpireDiscardsStale(t *testing.T) {
	cfg := DefaultConfig()
	r := NewResolver(cfg)
	poly, _ := testMeta()

	base := time.Date(2025, 12, 19, 18, 0, 0, 0, time.UTC)
	now := base
	r.nowFunc = func() time.Time { return now }

	r.Annotate(market.Snapshot{
		Venue:    market.VenuePolymarket,
		MarketID: poly.NativeID,
		Bids:     []market.Level{{Price: 0.5, Size: 1}},
	})

	// Past the retention window the buffer is discarded.
	now = base.Add(cfg.Retention + time.Second)
	r.Expire(now)

	r.Resolve(poly)
	select {
	case ls := <-r.Relinked():
		t.Errorf("expired snapshot leaked through: %+v", ls)
	default:
	}
}

func TestApplyOverride(t *testing.T) {
	r := NewResolver(DefaultConfig())

	snap := market.Snapshot{
		Venue:    market.VenueKalshi,
		MarketID: "KXNBAGAME-26JAN03DENUTA",
		Bids:     []market.Level{{Price: 0.61, Size: 40}},
	}
	if _, ok := r.Annotate(snap); ok {
		t.Fatal("unresolved market should buffer")
	}

	eventID := r.ApplyOverride("0xnuggets-jazz", "KXNBAGAME-26JAN03DENUTA", "DEN-UTA-26JAN03")
	if eventID != "DEN-UTA-26JAN03" {
		t.Fatalf("override returned %q", eventID)
	}

	// Buffered snapshot re-attributed to the overridden event.
	select {
	case ls := <-r.Relinked():
		if ls.EventID != eventID {
			t.Errorf("relinked event = %q, want %q", ls.EventID, eventID)
		}
	default:
		t.Fatal("override did not drain the pending buffer")
	}

	// Both native IDs now annotate directly.
	if ls, ok := r.Annotate(snap); !ok || ls.EventID != eventID {
		t.Errorf("kalshi annotate after override = (%+v, %v)", ls, ok)
	}

	// An empty event ID mints a fresh identifier.
	minted := r.ApplyOverride("0xother", "", "")
	if minted == "" || minted == eventID {
		t.Errorf("minted event ID invalid: %q", minted)
	}
}

// Two known events can tie on fuzzy score; the winner must not depend
// on map iteration order, or every restart could re-link the same
// market to a different event.
func TestFuzzyTieBreaksDeterministically(t *testing.T) {
	meta := MarketMeta{
		Venue:    market.VenuePolymarket,
		NativeID: "0xwarriors-heat",
		Title:    "Golden State Warriors vs. Miami Heat",
		Slug:     "nba-warriors-heat-2025-12-19",
	}

	// GSW-MIA-25DEC19 is one edit from both candidates.
	for i := 0; i < 50; i++ {
		r := NewResolver(DefaultConfig())
		for _, key := range []EventKey{
			{TeamA: "GSW", TeamB: "MIN", Date: "25DEC19"},
			{TeamA: "GSW", TeamB: "MIL", Date: "25DEC19"},
		} {
			r.byEvent[key.String()] = &EventLinkage{
				EventID: key.String(),
				Key:     key,
				Tier:    TierExact,
				Natives: make(map[market.Venue]string, 2),
			}
		}

		eventID, tier := r.Resolve(meta)
		if tier != TierFuzzy {
			t.Fatalf("tier = %v, want fuzzy", tier)
		}
		if eventID != "GSW-MIL-25DEC19" {
			t.Fatalf("iteration %d resolved to %q, want GSW-MIL-25DEC19", i, eventID)
		}
	}
}
