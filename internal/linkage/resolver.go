// Package linkage reconciles the two venues' native market identifiers
// into canonical events.
package linkage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
)

// Tier is the confidence of a linkage.
type Tier string

const (
	TierExact      Tier = "exact"
	TierFuzzy      Tier = "fuzzy"
	TierUnresolved Tier = "unresolved"
)

// EventLinkage maps venue-native identifiers to one canonical event.
type EventLinkage struct {
	EventID    string
	Key        EventKey
	Tier       Tier
	Natives    map[market.Venue]string
	ResolvedAt time.Time
}

type nativeKey struct {
	Venue    market.Venue
	NativeID string
}

// pendingSnap is a snapshot waiting for its market to resolve.
type pendingSnap struct {
	snap     market.Snapshot
	buffered time.Time
}

// Config holds resolver tuning. The fuzzy threshold and retention are
// pinned constants; tests assert them rather than assuming defaults.
type Config struct {
	// FuzzyThreshold is the minimum normalized similarity accepted from
	// the fuzzy matcher.
	FuzzyThreshold float64
	// Retention bounds how long unresolved markets' snapshots are
	// buffered before being discarded with a LinkageTimeout log.
	Retention time.Duration
	// MaxPending bounds the buffered snapshots per native ID; the
	// oldest are evicted first.
	MaxPending int
}

// DefaultConfig returns the pinned production constants.
func DefaultConfig() Config {
	return Config{
		FuzzyThreshold: 0.85,
		Retention:      10 * time.Minute,
		MaxPending:     600,
	}
}

// Resolver maps venue-native market identifiers to canonical event IDs.
// Resolution is idempotent: once a native ID resolves, later calls
// return the same event ID regardless of metadata drift. Unresolved
// markets never block the rest of the pipeline; their snapshots are
// buffered with bounded retention and re-attributed when a linkage or
// override lands.
type Resolver struct {
	cfg Config
	log *logrus.Entry

	exact Matcher
	fuzzy Matcher

	mu       sync.RWMutex
	byNative map[nativeKey]*EventLinkage
	byEvent  map[string]*EventLinkage
	pending  map[nativeKey][]pendingSnap

	relinked chan market.LinkedSnapshot

	nowFunc func() time.Time // injectable clock for testing
}

// NewResolver creates a Resolver with the default exact-then-fuzzy
// matching chain.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		cfg:      cfg,
		log:      logging.Component("linkage"),
		exact:    ExactMatcher{},
		fuzzy:    FuzzyMatcher{},
		byNative: make(map[nativeKey]*EventLinkage),
		byEvent:  make(map[string]*EventLinkage),
		pending:  make(map[nativeKey][]pendingSnap),
		relinked: make(chan market.LinkedSnapshot, 1024),
		nowFunc:  time.Now,
	}
}

// Relinked returns the channel of snapshots that were buffered while
// unresolved and have since been attributed to an event.
func (r *Resolver) Relinked() <-chan market.LinkedSnapshot {
	return r.relinked
}

// Resolve returns the canonical event ID for the given market, creating
// a new EventLinkage when nothing matches. Metadata is consulted only
// on first resolution.
func (r *Resolver) Resolve(meta MarketMeta) (string, Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nk := nativeKey{Venue: meta.Venue, NativeID: meta.NativeID}
	if l, ok := r.byNative[nk]; ok {
		return l.EventID, l.Tier
	}

	key, ok := DeriveKey(meta)
	if !ok {
		r.log.WithFields(logrus.Fields{
			"venue":  string(meta.Venue),
			"market": meta.NativeID,
			"title":  meta.Title,
		}).Warn("linkage unresolved")
		return "", TierUnresolved
	}

	candidates := make([]EventKey, 0, len(r.byEvent))
	for _, l := range r.byEvent {
		candidates = append(candidates, l.Key)
	}
	// Candidates come out of a map; fix their order so equal fuzzy
	// scores always resolve to the same event.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].String() < candidates[j].String()
	})

	if match, score := r.exact.Match(key, candidates); score == 1.0 {
		return r.attach(nk, r.byEvent[match.String()], TierExact), TierExact
	}
	if match, score := r.fuzzy.Match(key, candidates); score >= r.cfg.FuzzyThreshold {
		r.log.WithFields(logrus.Fields{
			"venue":  string(meta.Venue),
			"market": meta.NativeID,
			"match":  match.String(),
			"score":  score,
		}).Info("fuzzy linkage accepted")
		return r.attach(nk, r.byEvent[match.String()], TierFuzzy), TierFuzzy
	}

	// First sighting of this event: the canonical key becomes the
	// event ID, so the other venue resolves to it deterministically.
	l := &EventLinkage{
		EventID:    key.String(),
		Key:        key,
		Tier:       TierExact,
		Natives:    make(map[market.Venue]string, 2),
		ResolvedAt: r.nowFunc(),
	}
	r.byEvent[l.EventID] = l
	return r.attach(nk, l, TierExact), TierExact
}

// attach records the native→event mapping and re-attributes any
// buffered snapshots. Caller holds r.mu.
func (r *Resolver) attach(nk nativeKey, l *EventLinkage, tier Tier) string {
	l.Natives[nk.Venue] = nk.NativeID
	l.Tier = tier
	r.byNative[nk] = l
	r.drainLocked(nk, l.EventID)
	return l.EventID
}

// ApplyOverride installs a manual (polyID, kalshiID) → eventID mapping
// supplied by an operator, resolving markets the matchers could not.
// An empty eventID mints a fresh one. Buffered snapshots for both
// markets (within retention) are re-attributed immediately; the
// pipeline keeps running throughout.
func (r *Resolver) ApplyOverride(polyID, kalshiID, eventID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if eventID == "" {
		eventID = uuid.NewString()
	}

	l, ok := r.byEvent[eventID]
	if !ok {
		l = &EventLinkage{
			EventID:    eventID,
			Tier:       TierExact,
			Natives:    make(map[market.Venue]string, 2),
			ResolvedAt: r.nowFunc(),
		}
		r.byEvent[eventID] = l
	}

	if polyID != "" {
		r.attach(nativeKey{Venue: market.VenuePolymarket, NativeID: polyID}, l, TierExact)
	}
	if kalshiID != "" {
		r.attach(nativeKey{Venue: market.VenueKalshi, NativeID: kalshiID}, l, TierExact)
	}

	r.log.WithFields(logrus.Fields{
		"event":  eventID,
		"poly":   polyID,
		"kalshi": kalshiID,
	}).Info("linkage override applied")

	return eventID
}

// Lookup returns the linkage for a resolved native ID.
func (r *Resolver) Lookup(venue market.Venue, nativeID string) (*EventLinkage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byNative[nativeKey{Venue: venue, NativeID: nativeID}]
	return l, ok
}

// Annotate attributes a snapshot to its event. Snapshots for markets
// that have not resolved yet are buffered (bounded) and false is
// returned; they surface later on Relinked if the market resolves
// within retention.
func (r *Resolver) Annotate(snap market.Snapshot) (market.LinkedSnapshot, bool) {
	nk := nativeKey{Venue: snap.Venue, NativeID: snap.MarketID}

	r.mu.RLock()
	l, ok := r.byNative[nk]
	r.mu.RUnlock()
	if ok {
		return market.LinkedSnapshot{EventID: l.EventID, Snapshot: snap}, true
	}

	r.mu.Lock()
	q := append(r.pending[nk], pendingSnap{snap: snap, buffered: r.nowFunc()})
	if len(q) > r.cfg.MaxPending {
		q = q[len(q)-r.cfg.MaxPending:]
	}
	r.pending[nk] = q
	r.mu.Unlock()

	return market.LinkedSnapshot{}, false
}

// drainLocked flushes buffered snapshots for nk onto the relinked
// channel. Caller holds r.mu.
func (r *Resolver) drainLocked(nk nativeKey, eventID string) {
	q, ok := r.pending[nk]
	if !ok {
		return
	}
	delete(r.pending, nk)

	cutoff := r.nowFunc().Add(-r.cfg.Retention)
	for _, p := range q {
		if p.buffered.Before(cutoff) {
			continue
		}
		select {
		case r.relinked <- market.LinkedSnapshot{EventID: eventID, Snapshot: p.snap}:
		default:
			r.log.Warn("relinked channel full, dropping buffered snapshot")
		}
	}
}

// Expire discards buffered snapshots older than the retention window,
// logging a LinkageTimeout per affected market.
func (r *Resolver) Expire(now time.Time) {
	cutoff := now.Add(-r.cfg.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	for nk, q := range r.pending {
		kept := q[:0]
		dropped := 0
		for _, p := range q {
			if p.buffered.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, p)
		}
		if dropped > 0 {
			r.log.WithFields(logrus.Fields{
				"venue":   string(nk.Venue),
				"market":  nk.NativeID,
				"dropped": dropped,
			}).Warn("linkage timeout, discarding buffered snapshots")
		}
		if len(kept) == 0 {
			delete(r.pending, nk)
		} else {
			r.pending[nk] = kept
		}
	}
}

// Run periodically expires stale pending buffers until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) {
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			r.Expire(now)
		}
	}
}
