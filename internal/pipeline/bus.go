// Package pipeline carries validated snapshots from the collectors to
// every downstream consumer: the linkage stage, the store writer, and
// monitors.
package pipeline

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
)

// SnapshotSource is the interface collectors satisfy to plug into the Bus.
type SnapshotSource interface {
	Snapshots() <-chan market.Snapshot
}

// subKey identifies a filtered subscription by venue and market.
type subKey struct {
	Venue    market.Venue
	MarketID string
}

// Bus is a many-to-many hub that ingests snapshots from any number of
// collectors and distributes them to filtered subscribers and a
// unified "all" stream.
type Bus struct {
	log     *logrus.Entry
	sources []<-chan market.Snapshot

	// Filtered subscribers keyed by (venue, marketID).
	mu   sync.RWMutex
	subs map[subKey][]chan market.Snapshot

	// allMu guards the unified subscriber list.
	allMu  sync.RWMutex
	allSub []chan market.Snapshot
}

// NewBus creates a Bus ready for collector registration.
func NewBus() *Bus {
	return &Bus{
		log:  logging.Component("bus"),
		subs: make(map[subKey][]chan market.Snapshot),
	}
}

// Register adds a collector's snapshot channel as a source. Must be
// called before Run.
func (b *Bus) Register(src SnapshotSource) {
	b.sources = append(b.sources, src.Snapshots())
}

// Subscribe returns a buffered channel that receives snapshots for the
// given venue and market. The caller must drain the channel to avoid
// dropped messages.
func (b *Bus) Subscribe(venue market.Venue, marketID string) <-chan market.Snapshot {
	ch := make(chan market.Snapshot, 256)
	key := subKey{Venue: venue, MarketID: marketID}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel that receives every snapshot
// regardless of venue or market. The linkage stage and the store writer
// consume this.
func (b *Bus) SubscribeAll() <-chan market.Snapshot {
	ch := make(chan market.Snapshot, 512)

	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()

	return ch
}

// Run starts consuming from all registered sources and distributing
// snapshots. It blocks until ctx is cancelled. Each source gets its own
// goroutine, so one venue's outage never stalls the other.
func (b *Bus) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan market.Snapshot) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case snap, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(snap)
				}
			}
		}(src)
	}

	wg.Wait()
}

// distribute sends a snapshot to all matching filtered subscribers and
// all unified subscribers. Non-blocking: slow consumers get snapshots
// dropped, which downstream already tolerates as a gap.
func (b *Bus) distribute(snap market.Snapshot) {
	key := subKey{Venue: snap.Venue, MarketID: snap.MarketID}

	b.mu.RLock()
	if subs, ok := b.subs[key]; ok {
		for _, ch := range subs {
			select {
			case ch <- snap:
			default:
				b.log.Warnf("dropping snapshot for slow subscriber (%s/%s)",
					snap.Venue, snap.MarketID)
			}
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- snap:
		default:
			// Slow unified subscriber, drop.
		}
	}
	b.allMu.RUnlock()
}
