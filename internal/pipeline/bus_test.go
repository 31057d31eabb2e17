package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/courtside-labs/courtside/internal/market"
)

type fakeSource chan market.Snapshot

func (f fakeSource) Snapshots() <-chan market.Snapshot { return f }

func snap(venue market.Venue, marketID string) market.Snapshot {
	return market.Snapshot{
		Venue:    venue,
		MarketID: marketID,
		Bids:     []market.Level{{Price: 0.5, Size: 1}},
	}
}

func recv(t *testing.T, ch <-chan market.Snapshot) market.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
		return market.Snapshot{}
	}
}

func TestBusFilteredSubscription(t *testing.T) {
	bus := NewBus()
	src := make(fakeSource, 8)
	bus.Register(src)

	sub := bus.Subscribe(market.VenuePolymarket, "0xabc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	src <- snap(market.VenuePolymarket, "0xabc")
	src <- snap(market.VenuePolymarket, "0xother")
	src <- snap(market.VenueKalshi, "0xabc")

	got := recv(t, sub)
	if got.MarketID != "0xabc" || got.Venue != market.VenuePolymarket {
		t.Errorf("got %s/%s, want polymarket/0xabc", got.Venue, got.MarketID)
	}

	// The other two must not reach this subscriber.
	select {
	case extra := <-sub:
		t.Fatalf("unexpected snapshot: %s/%s", extra.Venue, extra.MarketID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusUnifiedSubscription(t *testing.T) {
	bus := NewBus()
	polySrc := make(fakeSource, 8)
	kalshiSrc := make(fakeSource, 8)
	bus.Register(polySrc)
	bus.Register(kalshiSrc)

	all := bus.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	polySrc <- snap(market.VenuePolymarket, "0xabc")
	kalshiSrc <- snap(market.VenueKalshi, "KXNBAGAME-25DEC19MIABOS")

	seen := map[market.Venue]bool{}
	for i := 0; i < 2; i++ {
		s := recv(t, all)
		seen[s.Venue] = true
	}
	if !seen[market.VenuePolymarket] || !seen[market.VenueKalshi] {
		t.Errorf("unified stream missing a venue: %v", seen)
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	src := make(fakeSource, 8)
	bus.Register(src)

	a := bus.SubscribeAll()
	b := bus.SubscribeAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	src <- snap(market.VenuePolymarket, "0xabc")

	if got := recv(t, a); got.MarketID != "0xabc" {
		t.Errorf("subscriber a got %s", got.MarketID)
	}
	if got := recv(t, b); got.MarketID != "0xabc" {
		t.Errorf("subscriber b got %s", got.MarketID)
	}
}
