package feature

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
)

// Record is one venue's feature vector for one window of one event.
type Record struct {
	EventID  string
	Venue    market.Venue
	MarketID string

	// WindowStart is the capture-time window boundary; all snapshots
	// with CapturedAt in [WindowStart, WindowStart+Window) contributed.
	WindowStart   time.Time
	SnapshotCount int

	OFI        float64
	OFIEMAFast float64 // alpha 0.5
	OFIEMAMid  float64 // alpha 0.3
	OFIEMASlow float64 // alpha 0.1

	VAMP       float64
	MicroPrice float64
	MidPrice   float64
	Spread     float64
	SpreadVol  float64
	DepthRatio float64

	// ArbSpread is this venue's VAMP minus the other venue's, taken
	// against the other venue's last snapshot captured before the window
	// end. ArbAvailable is false when no such snapshot exists within the
	// staleness bound.
	ArbSpread    float64
	ArbAvailable bool

	// FeedLatency is ingest time minus venue capture time for the
	// window's last snapshot.
	FeedLatency time.Duration

	// Partial marks a window flushed at shutdown or finalization before
	// its lateness allowance elapsed.
	Partial bool
}

// Config tunes the feature engine. The defaults are the pinned
// production constants.
type Config struct {
	// Window is the feature window length, aligned to capture time.
	Window time.Duration
	// Lateness is how long after a window's end late snapshots are
	// still accepted, measured against the event watermark (the highest
	// capture time seen across both venues). A window closes only once
	// the watermark passes end+Lateness, at which point no acceptable
	// arrival can land below the window end on either venue, so every
	// emitted record is a pure function of the accepted capture-ordered
	// input.
	Lateness time.Duration
	// ArbStaleness bounds how old the other venue's book may be for the
	// arbitrage spread to be reported.
	ArbStaleness time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:       time.Second,
		Lateness:     2 * time.Second,
		ArbStaleness: 5 * time.Second,
	}
}

// windowAcc accumulates one open window for one venue, keeping its
// snapshots in capture order regardless of arrival order.
type windowAcc struct {
	start time.Time
	snaps []market.Snapshot
}

func (w *windowAcc) insert(s market.Snapshot) {
	w.snaps = append(w.snaps, s)
	for i := len(w.snaps) - 1; i > 0 && captureLess(w.snaps[i], w.snaps[i-1]); i-- {
		w.snaps[i], w.snaps[i-1] = w.snaps[i-1], w.snaps[i]
	}
}

// captureLess orders snapshots by capture time with sequence as the tie
// break, the same order ComputeBatch sorts by.
func captureLess(a, b market.Snapshot) bool {
	if !a.CapturedAt.Equal(b.CapturedAt) {
		return a.CapturedAt.Before(b.CapturedAt)
	}
	return a.Sequence < b.Sequence
}

// venueState is the per-(event, venue) running state. It is owned by a
// single event worker, so no locking is needed.
type venueState struct {
	open map[time.Time]*windowAcc

	emas    [3]float64
	emaInit bool

	spreads spreadRing

	// prev is the last snapshot folded into a closed window; ticks for
	// the EMAs span window boundaries through it.
	prev    market.Snapshot
	hasPrev bool

	// recent holds this venue's latest snapshots in capture order; the
	// other venue reads its arb reference from here at window close.
	recent []market.Snapshot
}

func newVenueState() *venueState {
	return &venueState{open: make(map[time.Time]*windowAcc)}
}

func (vs *venueState) remember(s market.Snapshot, cutoff time.Time) {
	vs.recent = append(vs.recent, s)
	for i := len(vs.recent) - 1; i > 0 && captureLess(vs.recent[i], vs.recent[i-1]); i-- {
		vs.recent[i], vs.recent[i-1] = vs.recent[i-1], vs.recent[i]
	}
	drop := 0
	for drop < len(vs.recent) && vs.recent[drop].CapturedAt.Before(cutoff) {
		drop++
	}
	vs.recent = vs.recent[drop:]
}

// lastBefore returns the venue's latest snapshot captured strictly
// before t.
func (vs *venueState) lastBefore(t time.Time) (market.Snapshot, bool) {
	for i := len(vs.recent) - 1; i >= 0; i-- {
		if vs.recent[i].CapturedAt.Before(t) {
			return vs.recent[i], true
		}
	}
	return market.Snapshot{}, false
}

// eventState is the full per-event feature state, one per worker. The
// watermark is event-wide: both venues' capture times advance it, so
// window closes and late drops agree between the live path and batch
// replay.
type eventState struct {
	eventID   string
	watermark time.Time
	venues    map[market.Venue]*venueState
}

func newEventState(eventID string) *eventState {
	return &eventState{
		eventID: eventID,
		venues:  make(map[market.Venue]*venueState, 2),
	}
}

// Engine computes windowed features. Live snapshots are routed to one
// worker goroutine per event, so events never contend with each other
// and per-event processing is strictly ordered. The same ingest and
// close code serves ComputeBatch, which is what makes replay output
// identical to live output.
type Engine struct {
	cfg Config
	log *logrus.Entry

	out chan Record

	mu      sync.Mutex
	workers map[string]chan market.LinkedSnapshot
	wg      sync.WaitGroup
	closed  bool

	lateDropped atomic.Int64
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     logging.Component("feature"),
		out:     make(chan Record, 1024),
		workers: make(map[string]chan market.LinkedSnapshot),
	}
}

// Out is the stream of closed-window feature records.
func (e *Engine) Out() <-chan Record {
	return e.out
}

// LateDropped is the count of snapshots discarded for arriving past the
// lateness allowance.
func (e *Engine) LateDropped() int64 {
	return e.lateDropped.Load()
}

// Process routes a linked snapshot to its event worker, spawning the
// worker on first sight of the event. The send happens under the lock
// so a concurrent Finalize or shutdown cannot close the channel out
// from under it.
func (e *Engine) Process(ls market.LinkedSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	ch, ok := e.workers[ls.EventID]
	if !ok {
		ch = make(chan market.LinkedSnapshot, 256)
		e.workers[ls.EventID] = ch
		e.wg.Add(1)
		go e.runWorker(ls.EventID, ch)
	}

	select {
	case ch <- ls:
	default:
		e.log.WithField("event", ls.EventID).Warn("event worker backlogged, dropping snapshot")
	}
}

// Finalize flushes an event's remaining open windows as partial records
// and releases all of its state. Call it once the event's outcome is
// final and no further snapshots are expected; a snapshot arriving
// afterwards starts the event over from fresh state.
func (e *Engine) Finalize(eventID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.workers[eventID]
	if !ok {
		return
	}
	delete(e.workers, eventID)
	close(ch)
}

// Run blocks until ctx is cancelled, then flushes every open window as
// partial and closes the output stream.
func (e *Engine) Run(ctx context.Context) {
	<-ctx.Done()

	e.mu.Lock()
	e.closed = true
	for _, ch := range e.workers {
		close(ch)
	}
	e.mu.Unlock()

	e.wg.Wait()
	close(e.out)
}

func (e *Engine) runWorker(eventID string, ch <-chan market.LinkedSnapshot) {
	defer e.wg.Done()

	st := newEventState(eventID)
	emit := func(r Record) {
		select {
		case e.out <- r:
		default:
			e.log.WithField("event", eventID).Warn("feature output backlogged, dropping record")
		}
	}

	for ls := range ch {
		e.ingest(st, ls, emit)
	}
	e.flushAll(st, emit)
}

// ingest folds one snapshot into the event state and closes any windows
// whose lateness allowance has elapsed.
func (e *Engine) ingest(st *eventState, ls market.LinkedSnapshot, emit func(Record)) {
	// Drop only when the snapshot's own window has already been emitted,
	// the exact mirror of the close condition below. Folding it in would
	// change replayed output.
	start := ls.CapturedAt.Truncate(e.cfg.Window)
	if !st.watermark.IsZero() && !start.Add(e.cfg.Window+e.cfg.Lateness).After(st.watermark) {
		e.lateDropped.Add(1)
		e.log.WithFields(logrus.Fields{
			"event":    st.eventID,
			"venue":    string(ls.Venue),
			"captured": ls.CapturedAt,
		}).Debug("dropping snapshot past lateness allowance")
		return
	}

	vs, ok := st.venues[ls.Venue]
	if !ok {
		vs = newVenueState()
		st.venues[ls.Venue] = vs
	}

	acc, ok := vs.open[start]
	if !ok {
		acc = &windowAcc{start: start}
		vs.open[start] = acc
	}
	acc.insert(ls.Snapshot)

	if ls.CapturedAt.After(st.watermark) {
		st.watermark = ls.CapturedAt
	}

	// Anything older than this can never pass the staleness gate against
	// a window that is still open, so it is safe to forget.
	cutoff := st.watermark.Add(-(2*e.cfg.Window + e.cfg.Lateness + e.cfg.ArbStaleness))
	vs.remember(ls.Snapshot, cutoff)

	e.closeReady(st, emit)
}

// closeReady emits every open window on either venue whose end plus the
// lateness allowance is behind the event watermark, ordered by window
// start with venue as the tie break.
func (e *Engine) closeReady(st *eventState, emit func(Record)) {
	type readyWindow struct {
		venue market.Venue
		start time.Time
	}
	var ready []readyWindow
	for venue, vs := range st.venues {
		for start := range vs.open {
			if !start.Add(e.cfg.Window + e.cfg.Lateness).After(st.watermark) {
				ready = append(ready, readyWindow{venue: venue, start: start})
			}
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].start.Equal(ready[j].start) {
			return ready[i].start.Before(ready[j].start)
		}
		return ready[i].venue < ready[j].venue
	})

	for _, rw := range ready {
		vs := st.venues[rw.venue]
		acc := vs.open[rw.start]
		delete(vs.open, rw.start)
		emit(e.closeWindow(st, rw.venue, vs, acc, false))
	}
}

// closeWindow computes the feature record for one completed window and
// advances the venue's running state (EMAs, spread window).
func (e *Engine) closeWindow(st *eventState, venue market.Venue, vs *venueState, acc *windowAcc, partial bool) Record {
	first := acc.snaps[0]
	last := acc.snaps[len(acc.snaps)-1]
	ofi := windowOFI(first, last)

	// EMAs step once per tick in capture order, including the tick that
	// spans the boundary from the previous window's last snapshot. The
	// first tick ever seen seeds the state.
	for _, s := range acc.snaps {
		if vs.hasPrev {
			tick := windowOFI(vs.prev, s)
			if !vs.emaInit {
				for i := range vs.emas {
					vs.emas[i] = tick
				}
				vs.emaInit = true
			} else {
				for i, alpha := range emaAlphas {
					vs.emas[i] = emaStep(vs.emas[i], tick, alpha)
				}
			}
		}
		vs.prev = s
		vs.hasPrev = true
	}

	spread := last.Spread()
	vs.spreads.push(spread)

	rec := Record{
		EventID:       st.eventID,
		Venue:         venue,
		MarketID:      last.MarketID,
		WindowStart:   acc.start,
		SnapshotCount: len(acc.snaps),
		OFI:           ofi,
		OFIEMAFast:    vs.emas[0],
		OFIEMAMid:     vs.emas[1],
		OFIEMASlow:    vs.emas[2],
		MidPrice:      last.MidPrice(),
		Spread:        spread,
		SpreadVol:     vs.spreads.std(),
		DepthRatio:    depthRatio(last),
		FeedLatency:   last.IngestedAt.Sub(last.CapturedAt),
		Partial:       partial,
	}
	if v, ok := vamp(last); ok {
		rec.VAMP = v
	}
	if mp, ok := microPrice(last); ok {
		rec.MicroPrice = mp
	}

	// Cross-venue arbitrage against the other venue's last snapshot
	// before the window end. By the time a window closes the event
	// watermark has passed end+Lateness, so that snapshot set is frozen
	// and the read cannot depend on arrival order.
	end := acc.start.Add(e.cfg.Window)
	for otherVenue, other := range st.venues {
		if otherVenue == venue {
			continue
		}
		ref, ok := other.lastBefore(end)
		if !ok {
			continue
		}
		age := last.CapturedAt.Sub(ref.CapturedAt)
		if age < 0 {
			age = -age
		}
		if age > e.cfg.ArbStaleness {
			continue
		}
		if arb, ok := crossVenueArb(last, ref); ok {
			rec.ArbSpread = arb
			rec.ArbAvailable = true
		}
	}

	return rec
}

// flushAll drains every remaining open window, marked partial, in
// (venue, window start) order so the trailing records come out the same
// way every run.
func (e *Engine) flushAll(st *eventState, emit func(Record)) {
	venues := make([]market.Venue, 0, len(st.venues))
	for venue := range st.venues {
		venues = append(venues, venue)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	for _, venue := range venues {
		vs := st.venues[venue]
		var starts []time.Time
		for start := range vs.open {
			starts = append(starts, start)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

		for _, start := range starts {
			acc := vs.open[start]
			delete(vs.open, start)
			emit(e.closeWindow(st, venue, vs, acc, true))
		}
	}
}

// ComputeBatch runs stored snapshots through the identical ingest and
// close path and returns the records in deterministic order. Input is
// sorted by capture time (ties broken by venue, then sequence) before
// processing, so the result does not depend on storage order.
func (e *Engine) ComputeBatch(snaps []market.LinkedSnapshot) []Record {
	sorted := make([]market.LinkedSnapshot, len(snaps))
	copy(sorted, snaps)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		if a.Venue != b.Venue {
			return a.Venue < b.Venue
		}
		return a.Sequence < b.Sequence
	})

	states := make(map[string]*eventState)
	order := make([]string, 0)

	var out []Record
	emit := func(r Record) { out = append(out, r) }

	for _, ls := range sorted {
		st, ok := states[ls.EventID]
		if !ok {
			st = newEventState(ls.EventID)
			states[ls.EventID] = st
			order = append(order, ls.EventID)
		}
		e.ingest(st, ls, emit)
	}

	for _, eventID := range order {
		e.flushAll(states[eventID], emit)
	}
	return out
}
