// Package supervisor keeps the venue collectors alive: it watches
// heartbeats, restarts collectors whose feeds go quiet, and exposes a
// health view for operators.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/courtside-labs/courtside/internal/collector"
	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
)

// Status is the lifecycle state of one supervised collector.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusDegraded   Status = "degraded"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
)

// CollectorHealth is the externally visible health of one collector.
type CollectorHealth struct {
	Venue               market.Venue
	Status              Status
	LastHeartbeatAt     time.Time
	ConsecutiveFailures int
	Restarts            int
	// Incarnation changes on every restart so downstream consumers can
	// distinguish a fresh collector from a recovered one.
	Incarnation string
}

// StartFunc launches one collector incarnation. It must respect ctx and
// return once the collector has shut down.
type StartFunc func(ctx context.Context) error

// Config holds tunable parameters for the Supervisor.
type Config struct {
	// CheckInterval is how frequently heartbeats are evaluated.
	CheckInterval time.Duration

	// MissedChecks is the number of consecutive check intervals without
	// a heartbeat before the collector is restarted. Default: 3.
	MissedChecks int

	// RestartBackoff is the base delay before respawning; it doubles
	// per consecutive restart up to RestartBackoffMax.
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration
}

// DefaultConfig returns production-tuned defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     5 * time.Second,
		MissedChecks:      3,
		RestartBackoff:    500 * time.Millisecond,
		RestartBackoffMax: 30 * time.Second,
	}
}

// collectorState tracks one supervised collector.
type collectorState struct {
	start  StartFunc
	health CollectorHealth

	// consecutiveRestarts drives the restart backoff; it resets once a
	// heartbeat arrives from the new incarnation.
	consecutiveRestarts int

	// startedAt is when the current incarnation's start function began
	// running; zero while it is still waiting out its restart backoff.
	// Heartbeat checks pause for unstarted incarnations and count from
	// startedAt afterwards, so every incarnation gets a full grace
	// period to produce its first heartbeat.
	startedAt time.Time

	cancel context.CancelFunc
}

// Supervisor restarts collectors whose heartbeat goes quiet for
// MissedChecks consecutive check intervals, and on connection-loss
// errors reported by the collectors themselves. Each restart cancels
// the old incarnation's context and respawns with exponential backoff.
type Supervisor struct {
	cfg Config
	log *logrus.Entry

	mu         sync.RWMutex
	collectors map[market.Venue]*collectorState

	heartbeats <-chan collector.Heartbeat
	errs       <-chan *collector.Error

	nowFunc func() time.Time // injectable clock for testing
}

// New creates a Supervisor consuming the given heartbeat and error
// streams. Collectors are registered separately via Register.
func New(cfg Config, heartbeats <-chan collector.Heartbeat, errs <-chan *collector.Error) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		log:        logging.Component("supervisor"),
		collectors: make(map[market.Venue]*collectorState),
		heartbeats: heartbeats,
		errs:       errs,
		nowFunc:    time.Now,
	}
}

// Register adds a collector under supervision. The start function is
// invoked once Run begins and again after every restart.
func (s *Supervisor) Register(venue market.Venue, start StartFunc) {
	s.mu.Lock()
	s.collectors[venue] = &collectorState{
		start: start,
		health: CollectorHealth{
			Venue:       venue,
			Status:      StatusStarting,
			Incarnation: uuid.NewString(),
		},
	}
	s.mu.Unlock()
}

// Health returns a point-in-time copy of every collector's health.
func (s *Supervisor) Health() []CollectorHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CollectorHealth, 0, len(s.collectors))
	for _, cs := range s.collectors {
		out = append(out, cs.health)
	}
	return out
}

// Run spawns every registered collector and supervises them until ctx
// is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	s.mu.Lock()
	for venue, cs := range s.collectors {
		s.spawnLocked(ctx, venue, cs, 0)
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case hb, ok := <-s.heartbeats:
			if !ok {
				return
			}
			s.recordHeartbeat(hb)
		case cerr, ok := <-s.errs:
			if !ok {
				return
			}
			s.handleError(ctx, cerr)
		case <-ticker.C:
			s.checkHeartbeats(ctx)
		}
	}
}

// spawnLocked launches one collector incarnation after the given delay.
// Caller holds s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context, venue market.Venue, cs *collectorState, delay time.Duration) {
	runCtx, cancel := context.WithCancel(ctx)
	cs.cancel = cancel
	cs.health.Incarnation = uuid.NewString()
	cs.startedAt = time.Time{}

	start := cs.start
	incarnation := cs.health.Incarnation

	go func() {
		if delay > 0 {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(delay):
			}
		}

		s.markStarted(venue, incarnation)
		s.log.WithFields(logrus.Fields{
			"venue":       string(venue),
			"incarnation": incarnation,
		}).Info("starting collector")

		err := start(runCtx)
		if runCtx.Err() != nil || ctx.Err() != nil {
			return
		}
		if err != nil {
			// A boot-time connect failure is as transient as a dropped
			// connection; retry it with the same backoff.
			s.log.WithFields(logrus.Fields{
				"venue": string(venue),
				"error": err.Error(),
			}).Error("collector start failed, scheduling retry")
		} else {
			s.log.WithField("venue", string(venue)).Warn("collector exited unexpectedly, restarting")
		}
		s.restartIncarnation(ctx, venue, incarnation, err != nil)
	}()
}

// markStarted records the start time of the given incarnation, unless a
// newer one has already replaced it.
func (s *Supervisor) markStarted(venue market.Venue, incarnation string) {
	s.mu.Lock()
	if cs, ok := s.collectors[venue]; ok && cs.health.Incarnation == incarnation {
		cs.startedAt = s.nowFunc()
	}
	s.mu.Unlock()
}

func (s *Supervisor) setStatus(venue market.Venue, status Status) {
	s.mu.Lock()
	if cs, ok := s.collectors[venue]; ok {
		cs.health.Status = status
	}
	s.mu.Unlock()
}

// recordHeartbeat marks the collector healthy and clears its failure
// counters.
func (s *Supervisor) recordHeartbeat(hb collector.Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.collectors[hb.Venue]
	if !ok {
		return
	}
	cs.health.LastHeartbeatAt = hb.At
	cs.health.ConsecutiveFailures = 0
	cs.consecutiveRestarts = 0
	cs.health.Status = StatusRunning
}

// handleError restarts the collector on connection loss; other error
// kinds are the collector's own problem and only degrade the status.
func (s *Supervisor) handleError(ctx context.Context, cerr *collector.Error) {
	if cerr.Kind != collector.ConnectionLost {
		s.setStatus(cerr.Venue, StatusDegraded)
		return
	}

	s.log.WithFields(logrus.Fields{
		"venue": string(cerr.Venue),
		"error": cerr.Error(),
	}).Warn("collector lost its connection, restarting")
	s.restart(ctx, cerr.Venue)
}

// checkHeartbeats counts missed intervals per collector and restarts
// any that cross the threshold.
func (s *Supervisor) checkHeartbeats(ctx context.Context) {
	now := s.nowFunc()

	s.mu.Lock()
	var toRestart []market.Venue
	for venue, cs := range s.collectors {
		// A restarted incarnation whose start function has not run yet
		// is still waiting out its backoff; counting the old
		// incarnation's stale heartbeat against it would re-restart it
		// before it ever connects.
		if cs.startedAt.IsZero() && cs.consecutiveRestarts > 0 {
			continue
		}
		// Measure from the later of the last heartbeat and the current
		// incarnation's start, so every incarnation gets a full grace
		// period before its silence counts.
		baseline := cs.health.LastHeartbeatAt
		if cs.startedAt.After(baseline) {
			baseline = cs.startedAt
		}
		if baseline.IsZero() {
			continue
		}
		if now.Sub(baseline) < s.cfg.CheckInterval {
			continue
		}

		cs.health.ConsecutiveFailures++
		if cs.health.ConsecutiveFailures >= s.cfg.MissedChecks {
			toRestart = append(toRestart, venue)
		} else {
			cs.health.Status = StatusDegraded
		}
	}
	s.mu.Unlock()

	for _, venue := range toRestart {
		s.log.WithFields(logrus.Fields{
			"venue":  string(venue),
			"missed": s.cfg.MissedChecks,
		}).Warn("heartbeat missing, restarting collector")
		s.restart(ctx, venue)
	}
}

// restart cancels the current incarnation and respawns with backoff.
func (s *Supervisor) restart(ctx context.Context, venue market.Venue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.collectors[venue]
	if !ok {
		return
	}
	s.restartLocked(ctx, venue, cs)
}

// restartIncarnation restarts the collector on behalf of the named
// incarnation's own goroutine, after its start function returned. It is
// a no-op when a concurrent restart has already replaced that
// incarnation. failed marks the health status for the duration of the
// backoff wait.
func (s *Supervisor) restartIncarnation(ctx context.Context, venue market.Venue, incarnation string, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.collectors[venue]
	if !ok || cs.health.Incarnation != incarnation {
		return
	}
	s.restartLocked(ctx, venue, cs)
	if failed {
		cs.health.Status = StatusFailed
	}
}

// restartLocked cancels the current incarnation and respawns it after
// an exponential backoff. Caller holds s.mu.
func (s *Supervisor) restartLocked(ctx context.Context, venue market.Venue, cs *collectorState) {
	if cs.cancel != nil {
		cs.cancel()
	}

	cs.health.Status = StatusRestarting
	cs.health.Restarts++
	cs.health.ConsecutiveFailures = 0
	cs.consecutiveRestarts++

	delay := s.cfg.RestartBackoff
	for i := 1; i < cs.consecutiveRestarts; i++ {
		delay *= 2
		if delay >= s.cfg.RestartBackoffMax {
			delay = s.cfg.RestartBackoffMax
			break
		}
	}

	s.spawnLocked(ctx, venue, cs, delay)
}
