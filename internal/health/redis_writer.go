// Package health publishes collector health and the latest feature
// vectors to Redis for dashboards and operator tooling.
package health

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/courtside-labs/courtside/internal/feature"
	"github.com/courtside-labs/courtside/internal/supervisor"
)

// RedisClient abstracts the Redis operations used by Writer.
// In production this is satisfied by *redis.Client; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// Writer publishes two keyspaces:
//
//	Key:    health:{venue}
//	Fields: status, last_heartbeat, consecutive_failures, restarts
//
//	Key:    feature:{event_id}:{venue}
//	Fields: window_start, ofi, vamp, micro_price, spread, arb_spread
//
// Feature writes are non-blocking: records are buffered in an internal
// channel and flushed by a dedicated goroutine. Unchanged health states
// are suppressed.
type Writer struct {
	client RedisClient
	feed   <-chan feature.Record
	buf    chan feature.Record

	mu   sync.Mutex
	last map[string]string // last-written health fingerprint per key
}

// NewWriter creates a Writer that drains the feature engine's output
// and writes to the given Redis client.
func NewWriter(client RedisClient, feed <-chan feature.Record) *Writer {
	return &Writer{
		client: client,
		feed:   feed,
		buf:    make(chan feature.Record, 1024),
		last:   make(map[string]string),
	}
}

// Run starts two goroutines: one to drain the feature feed into an
// internal buffer so the engine never blocks on Redis, and one to flush
// buffered records. It blocks until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-w.feed:
				if !ok {
					return
				}
				select {
				case w.buf <- rec:
				default:
					// Buffer full, drop to keep up.
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-w.buf:
				if !ok {
					return
				}
				w.writeFeature(ctx, rec)
			}
		}
	}()

	wg.Wait()
}

// PublishHealth writes every collector's health, skipping entries whose
// state has not changed since the last write.
func (w *Writer) PublishHealth(ctx context.Context, healths []supervisor.CollectorHealth) {
	for _, h := range healths {
		key := fmt.Sprintf("health:%s", h.Venue)
		fp := fmt.Sprintf("%s|%d|%d|%d",
			h.Status, h.LastHeartbeatAt.UnixMilli(), h.ConsecutiveFailures, h.Restarts)

		w.mu.Lock()
		if prev, ok := w.last[key]; ok && prev == fp {
			w.mu.Unlock()
			continue
		}
		w.last[key] = fp
		w.mu.Unlock()

		w.client.HSet(ctx, key,
			"status", string(h.Status),
			"last_heartbeat", strconv.FormatInt(h.LastHeartbeatAt.UnixMilli(), 10),
			"consecutive_failures", strconv.Itoa(h.ConsecutiveFailures),
			"restarts", strconv.Itoa(h.Restarts),
			"incarnation", h.Incarnation,
		)
	}
}

// writeFeature publishes the latest feature vector for an event.
func (w *Writer) writeFeature(ctx context.Context, rec feature.Record) {
	key := fmt.Sprintf("feature:%s:%s", rec.EventID, rec.Venue)

	values := []any{
		"window_start", strconv.FormatInt(rec.WindowStart.UnixMilli(), 10),
		"ofi", formatFloat(rec.OFI),
		"ofi_ema_fast", formatFloat(rec.OFIEMAFast),
		"ofi_ema_slow", formatFloat(rec.OFIEMASlow),
		"vamp", formatFloat(rec.VAMP),
		"micro_price", formatFloat(rec.MicroPrice),
		"spread", formatFloat(rec.Spread),
		"spread_vol", formatFloat(rec.SpreadVol),
		"depth_ratio", formatFloat(rec.DepthRatio),
		"feed_latency_ms", strconv.FormatInt(rec.FeedLatency.Milliseconds(), 10),
	}
	if rec.ArbAvailable {
		values = append(values, "arb_spread", formatFloat(rec.ArbSpread))
	}

	w.client.HSet(ctx, key, values...)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
