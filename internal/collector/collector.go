// Package collector maintains one live venue connection each and turns
// venue wire traffic into validated canonical snapshots at a bounded
// cadence. Collectors own no market state beyond what gap detection and
// throttling need; everything downstream sees read-only snapshots.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
)

// ErrorKind classifies collector errors for supervisor triage.
type ErrorKind int

const (
	// ConnectionLost means the reconnect budget is exhausted; the
	// supervisor restarts the collector.
	ConnectionLost ErrorKind = iota
	// SequenceGap is non-fatal: downstream tolerates missing snapshots.
	SequenceGap
	// MalformedSnapshot is non-fatal: the snapshot was dropped.
	MalformedSnapshot
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionLost:
		return "connection_lost"
	case SequenceGap:
		return "sequence_gap"
	case MalformedSnapshot:
		return "malformed_snapshot"
	default:
		return "unknown"
	}
}

// Error is a typed collector error delivered to the supervisor.
type Error struct {
	Venue market.Venue
	Kind  ErrorKind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("collector %s: %s: %v", e.Venue, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Heartbeat is sent to the supervisor on every processed venue message,
// usable data or not.
type Heartbeat struct {
	Venue market.Venue
	At    time.Time
}

// Adapter is a venue-specific parser: it consumes the raw WebSocket
// stream and produces normalized (but not yet validated) snapshots.
type Adapter interface {
	Venue() market.Venue
	Updates() <-chan market.Snapshot
	Run(ctx context.Context)
}

// Config holds collector tuning.
type Config struct {
	// Cadence is the per-market emit rate (default one snapshot per
	// market per second). Excess snapshots are dropped, not queued.
	Cadence rate.Limit
	Burst   int
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{Cadence: 1, Burst: 1}
}

// Collector drives one venue: it heartbeats on raw traffic, validates
// and throttles adapter output, detects sequence gaps, and reports
// typed errors.
type Collector struct {
	cfg     Config
	adapter Adapter
	ws      *WSClient
	log     *logrus.Entry

	raw <-chan []byte

	out  chan market.Snapshot
	errs chan *Error
	hb   chan<- Heartbeat

	// limiters and lastSeq are touched only by Run's goroutine.
	limiters map[string]*rate.Limiter
	lastSeq  map[string]int64

	nowFunc func() time.Time // injectable clock for testing
}

// New creates a Collector for the given adapter and connection.
// Heartbeats are delivered on hb, which the supervisor owns.
func New(cfg Config, ws *WSClient, adapter Adapter, hb chan<- Heartbeat) *Collector {
	return &Collector{
		cfg:      cfg,
		adapter:  adapter,
		ws:       ws,
		log:      logging.Component("collector").WithField("venue", string(adapter.Venue())),
		raw:      ws.Subscribe(),
		out:      make(chan market.Snapshot, 1024),
		errs:     make(chan *Error, 64),
		hb:       hb,
		limiters: make(map[string]*rate.Limiter),
		lastSeq:  make(map[string]int64),
		nowFunc:  time.Now,
	}
}

// Snapshots returns the channel of validated, cadence-limited snapshots.
func (c *Collector) Snapshots() <-chan market.Snapshot {
	return c.out
}

// Errors returns the channel of typed collector errors.
func (c *Collector) Errors() <-chan *Error {
	return c.errs
}

// Venue returns the venue this collector serves.
func (c *Collector) Venue() market.Venue {
	return c.adapter.Venue()
}

// Run processes raw traffic and adapter output until ctx is cancelled.
// It also runs the adapter itself.
func (c *Collector) Run(ctx context.Context) {
	go c.adapter.Run(ctx)

	updates := c.adapter.Updates()
	for {
		select {
		case <-ctx.Done():
			return

		case err := <-c.ws.Failed():
			c.report(ConnectionLost, err)

		case _, ok := <-c.raw:
			if !ok {
				return
			}
			// Any inbound venue message counts as liveness, even if the
			// adapter later discards it.
			c.beat()

		case snap, ok := <-updates:
			if !ok {
				return
			}
			c.process(snap)
		}
	}
}

func (c *Collector) process(snap market.Snapshot) {
	snap.IngestedAt = c.nowFunc()

	if err := market.Validate(&snap); err != nil {
		c.report(MalformedSnapshot, fmt.Errorf("market %s: %w", snap.MarketID, err))
		return
	}

	if snap.Sequence > 0 {
		if last, ok := c.lastSeq[snap.MarketID]; ok && snap.Sequence > last+1 {
			c.report(SequenceGap, fmt.Errorf("market %s: seq %d -> %d", snap.MarketID, last, snap.Sequence))
		}
		c.lastSeq[snap.MarketID] = snap.Sequence
	}

	if !c.limiter(snap.MarketID).AllowN(snap.IngestedAt, 1) {
		// Over cadence for this market; the next snapshot supersedes it.
		return
	}

	select {
	case c.out <- snap:
	default:
		c.log.Warnf("snapshot channel full, dropping %s", snap.MarketID)
	}
}

func (c *Collector) limiter(marketID string) *rate.Limiter {
	lim, ok := c.limiters[marketID]
	if !ok {
		lim = rate.NewLimiter(c.cfg.Cadence, c.cfg.Burst)
		c.limiters[marketID] = lim
	}
	return lim
}

func (c *Collector) beat() {
	select {
	case c.hb <- Heartbeat{Venue: c.adapter.Venue(), At: c.nowFunc()}:
	default:
		// Supervisor slow to drain; a skipped beat is harmless, the
		// next message re-beats within the cadence.
	}
}

func (c *Collector) report(kind ErrorKind, err error) {
	e := &Error{Venue: c.adapter.Venue(), Kind: kind, Err: err}
	switch kind {
	case ConnectionLost:
		c.log.WithError(err).Error("connection lost, reconnect budget exhausted")
	default:
		c.log.WithError(err).Warn(kind.String())
	}
	select {
	case c.errs <- e:
	default:
	}
}
