// Command courtside runs the dual-venue order book pipeline: collect,
// link, feature, persist. With -backfill it instead replays stored
// snapshots through the same feature path and writes the results back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/courtside-labs/courtside/internal/collector"
	"github.com/courtside-labs/courtside/internal/collector/kalshi"
	"github.com/courtside-labs/courtside/internal/collector/poly"
	"github.com/courtside-labs/courtside/internal/config"
	"github.com/courtside-labs/courtside/internal/feature"
	"github.com/courtside-labs/courtside/internal/health"
	"github.com/courtside-labs/courtside/internal/linkage"
	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
	"github.com/courtside-labs/courtside/internal/pipeline"
	"github.com/courtside-labs/courtside/internal/store"
	"github.com/courtside-labs/courtside/internal/supervisor"
)

func main() {
	var (
		backfill = flag.Bool("backfill", false, "recompute features from stored snapshots instead of collecting live")
		eventID  = flag.String("event", "", "event to backfill")
		fromStr  = flag.String("from", "", "backfill range start (RFC3339)")
		toStr    = flag.String("to", "", "backfill range end (RFC3339)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if _, err := logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := store.NewPool(ctx, store.PoolConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		Database: cfg.DB.DBName,
		PoolSize: cfg.DB.PoolSize,
		SSLMode:  cfg.DB.SSLMode,
	})
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	st := store.New(pool)
	defer st.Close()

	if err := st.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("schema setup failed")
	}

	eng := feature.NewEngine(feature.Config{
		Window:       cfg.Feature.Window,
		Lateness:     cfg.Feature.Lateness,
		ArbStaleness: cfg.Feature.ArbStaleness,
	})

	if *backfill {
		if err := runBackfill(ctx, log, st, eng, *eventID, *fromStr, *toStr); err != nil {
			log.WithError(err).Fatal("backfill failed")
		}
		return
	}

	if err := runLive(ctx, cfg, log, st, eng); err != nil {
		log.WithError(err).Fatal("pipeline failed")
	}
	log.Info("courtside shut down")
}

// runBackfill replays one event's stored snapshots through the feature
// engine and persists the recomputed records. The ingest path is the
// same one the live pipeline uses, so the output is reproducible.
func runBackfill(ctx context.Context, log *logrus.Entry, st *store.Store, eng *feature.Engine, eventID, fromStr, toStr string) error {
	if eventID == "" {
		return fmt.Errorf("-event is required for backfill")
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return fmt.Errorf("parse -from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return fmt.Errorf("parse -to: %w", err)
	}

	snaps, err := st.SnapshotsRange(ctx, eventID, from, to)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"event":     eventID,
		"snapshots": len(snaps),
	}).Info("replaying stored snapshots")

	recs := eng.ComputeBatch(snaps)
	if err := st.AppendFeatures(ctx, recs); err != nil {
		return err
	}
	log.WithField("records", len(recs)).Info("backfill complete")
	return nil
}

// chanSource adapts a plain channel to the bus's SnapshotSource, so the
// bus can be wired once while collector incarnations come and go.
type chanSource chan market.Snapshot

func (c chanSource) Snapshots() <-chan market.Snapshot { return c }

// redisConn adapts *redis.Client to the health writer's interface.
type redisConn struct {
	c *redis.Client
}

func (r redisConn) HSet(ctx context.Context, key string, values ...any) error {
	return r.c.HSet(ctx, key, values...).Err()
}

func (r redisConn) LPop(ctx context.Context, key string) (string, error) {
	v, err := r.c.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func runLive(ctx context.Context, cfg *config.Config, log *logrus.Entry, st *store.Store, eng *feature.Engine) error {
	resolver := linkage.NewResolver(linkage.Config{
		FuzzyThreshold: cfg.Linkage.FuzzyThreshold,
		Retention:      cfg.Linkage.Retention,
		MaxPending:     cfg.Linkage.MaxPending,
	})
	go resolver.Run(ctx)

	// Pre-resolve every configured market so snapshots annotate from the
	// first message. Markets that fail to derive stay buffered until an
	// operator override arrives.
	polyIDs := make([]string, 0, len(cfg.Poly.Markets))
	for _, entry := range cfg.Poly.Markets {
		// Polymarket entries are "tokenID|slug"; the slug carries the
		// matchup and date.
		id, slug, _ := strings.Cut(entry, "|")
		polyIDs = append(polyIDs, id)
		resolver.Resolve(linkage.MarketMeta{
			Venue:    market.VenuePolymarket,
			NativeID: id,
			Slug:     slug,
		})
	}
	for _, ticker := range cfg.Kalshi.Markets {
		resolver.Resolve(linkage.MarketMeta{
			Venue:    market.VenueKalshi,
			NativeID: ticker,
			Ticker:   ticker,
		})
	}

	hb := make(chan collector.Heartbeat, 64)
	errs := make(chan *collector.Error, 64)

	colCfg := collector.Config{
		Cadence: rate.Limit(cfg.Collect.Cadence),
		Burst:   cfg.Collect.Burst,
	}

	polyFeed := make(chanSource, 1024)
	kalshiFeed := make(chanSource, 1024)

	bus := pipeline.NewBus()
	bus.Register(polyFeed)
	bus.Register(kalshiFeed)

	sup := supervisor.New(supervisor.Config{
		CheckInterval:     cfg.Monitor.CheckInterval,
		MissedChecks:      cfg.Monitor.MissedChecks,
		RestartBackoff:    500 * time.Millisecond,
		RestartBackoffMax: 30 * time.Second,
	}, hb, errs)

	sup.Register(market.VenuePolymarket, func(ctx context.Context) error {
		ws := collector.NewWSClient(collector.DefaultWSConfig(cfg.Poly.WSURL))
		ad := poly.New(ws)
		col := collector.New(colCfg, ws, ad, hb)

		if err := ws.Connect(ctx); err != nil {
			return fmt.Errorf("polymarket connect: %w", err)
		}
		defer ws.Close()
		ad.Subscribe(polyIDs...)

		go forward(ctx, col.Snapshots(), polyFeed)
		go forwardErrs(ctx, col.Errors(), errs)
		col.Run(ctx)
		return nil
	})

	sup.Register(market.VenueKalshi, func(ctx context.Context) error {
		wsCfg := collector.DefaultWSConfig(cfg.Kalshi.WSURL)
		if cfg.Kalshi.APIKeyID != "" {
			hdrs, err := kalshi.AuthHeaders(cfg.Kalshi.APIKeyID, []byte(cfg.Kalshi.PrivateKey))
			if err != nil {
				return fmt.Errorf("kalshi auth: %w", err)
			}
			wsCfg.Headers = hdrs
		}

		ws := collector.NewWSClient(wsCfg)
		ad := kalshi.New(ws)
		col := collector.New(colCfg, ws, ad, hb)

		if err := ws.Connect(ctx); err != nil {
			return fmt.Errorf("kalshi connect: %w", err)
		}
		defer ws.Close()
		for _, ticker := range cfg.Kalshi.Markets {
			ad.Subscribe(ticker)
		}

		go forward(ctx, col.Snapshots(), kalshiFeed)
		go forwardErrs(ctx, col.Errors(), errs)
		col.Run(ctx)
		return nil
	})

	go bus.Run(ctx)
	go eng.Run(ctx)

	// Linkage stage: annotate bus output and feed the engine; persist
	// everything that links.
	snapSink := make(chan market.LinkedSnapshot, 1024)
	go func() {
		all := bus.SubscribeAll()
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-all:
				if !ok {
					return
				}
				if ls, linked := resolver.Annotate(snap); linked {
					eng.Process(ls)
					select {
					case snapSink <- ls:
					default:
					}
				}
			case ls, ok := <-resolver.Relinked():
				if !ok {
					return
				}
				eng.Process(ls)
				select {
				case snapSink <- ls:
				default:
				}
			}
		}
	}()

	go persistSnapshots(ctx, log, st, snapSink)

	// Feature sink: persist records and mirror the latest to Redis.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	featFeed := make(chan feature.Record, 1024)
	writer := health.NewWriter(redisConn{c: rdb}, featFeed)
	go writer.Run(ctx)

	go persistFeatures(ctx, log, st, eng.Out(), featFeed)

	// Operator control queues: linkage overrides and event finalization
	// land at runtime, no restart needed.
	control := health.NewControl(redisConn{c: rdb},
		func(polyID, kalshiID, eventID string) {
			resolver.ApplyOverride(polyID, kalshiID, eventID)
		},
		eng.Finalize,
	)
	go control.Run(ctx)

	// Periodic health publication.
	go func() {
		ticker := time.NewTicker(cfg.Monitor.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writer.PublishHealth(ctx, sup.Health())
			}
		}
	}()

	log.WithFields(logrus.Fields{
		"poly_markets":   len(polyIDs),
		"kalshi_markets": len(cfg.Kalshi.Markets),
	}).Info("courtside pipeline started")

	sup.Run(ctx)
	return nil
}

func forward(ctx context.Context, in <-chan market.Snapshot, out chan<- market.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- snap:
			default:
			}
		}
	}
}

func forwardErrs(ctx context.Context, in <-chan *collector.Error, out chan<- *collector.Error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- err:
			default:
			}
		}
	}
}

// persistSnapshots batches linked snapshots into the store. A final
// flush with a fresh context runs at shutdown so in-flight data is not
// lost.
func persistSnapshots(ctx context.Context, log *logrus.Entry, st *store.Store, in <-chan market.LinkedSnapshot) {
	const (
		flushSize     = 128
		flushInterval = 500 * time.Millisecond
	)

	batch := make([]market.LinkedSnapshot, 0, flushSize)
	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := st.AppendSnapshots(flushCtx, batch); err != nil {
			log.WithError(err).Error("snapshot persistence failed")
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return
		case ls := <-in:
			batch = append(batch, ls)
			if len(batch) >= flushSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// persistFeatures batches feature records into the store and mirrors
// each record to the Redis writer feed.
func persistFeatures(ctx context.Context, log *logrus.Entry, st *store.Store, in <-chan feature.Record, mirror chan<- feature.Record) {
	const (
		flushSize     = 64
		flushInterval = time.Second
	)

	batch := make([]feature.Record, 0, flushSize)
	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := st.AppendFeatures(flushCtx, batch); err != nil {
			log.WithError(err).Error("feature persistence failed")
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The engine flushes partial windows on shutdown; drain them
			// before the final store write.
			for rec := range in {
				batch = append(batch, rec)
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return
		case rec, ok := <-in:
			if !ok {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				flush(shutdownCtx)
				cancel()
				return
			}
			batch = append(batch, rec)
			select {
			case mirror <- rec:
			default:
			}
			if len(batch) >= flushSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
