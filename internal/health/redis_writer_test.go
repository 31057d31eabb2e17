package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/courtside-labs/courtside/internal/feature"
	"github.com/courtside-labs/courtside/internal/market"
	"github.com/courtside-labs/courtside/internal/supervisor"
)

// mockRedis records every HSet call for assertion.
type mockRedis struct {
	mu    sync.Mutex
	calls []hsetCall
}

type hsetCall struct {
	Key    string
	Fields map[string]string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	m.mu.Unlock()
	return nil
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func TestWriter_FeatureHSet(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan feature.Record, 8)

	w := NewWriter(mock, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go w.Run(ctx)

	feed <- feature.Record{
		EventID:      "BOS-MIA-25DEC19",
		Venue:        market.VenuePolymarket,
		WindowStart:  time.UnixMilli(1700000000000),
		OFI:          4,
		VAMP:         0.535,
		Spread:       0.02,
		FeedLatency:  40 * time.Millisecond,
		ArbSpread:    0.01,
		ArbAvailable: true,
	}

	deadline := time.After(time.Second)
	for {
		calls := mock.getCalls()
		if len(calls) > 0 {
			c := calls[0]
			if c.Key != "feature:BOS-MIA-25DEC19:polymarket" {
				t.Fatalf("wrong key: %s", c.Key)
			}
			if c.Fields["ofi"] != "4" {
				t.Fatalf("expected ofi '4', got %q", c.Fields["ofi"])
			}
			if c.Fields["vamp"] != "0.535" {
				t.Fatalf("expected vamp '0.535', got %q", c.Fields["vamp"])
			}
			if c.Fields["window_start"] != "1700000000000" {
				t.Fatalf("expected window_start '1700000000000', got %q", c.Fields["window_start"])
			}
			if c.Fields["feed_latency_ms"] != "40" {
				t.Fatalf("expected feed_latency_ms '40', got %q", c.Fields["feed_latency_ms"])
			}
			if c.Fields["arb_spread"] != "0.01" {
				t.Fatalf("expected arb_spread '0.01', got %q", c.Fields["arb_spread"])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for HSET call")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWriter_ArbOmittedWhenUnavailable(t *testing.T) {
	mock := &mockRedis{}
	feed := make(chan feature.Record, 8)

	w := NewWriter(mock, feed)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go w.Run(ctx)

	feed <- feature.Record{
		EventID:     "BOS-MIA-25DEC19",
		Venue:       market.VenueKalshi,
		WindowStart: time.UnixMilli(1000),
	}

	time.Sleep(200 * time.Millisecond)

	calls := mock.getCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 HSET call, got %d", len(calls))
	}
	if _, ok := calls[0].Fields["arb_spread"]; ok {
		t.Fatal("arb_spread should be omitted when unavailable")
	}
}

func TestWriter_HealthDuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}

	w := NewWriter(mock, nil)
	ctx := context.Background()

	h := supervisor.CollectorHealth{
		Venue:           market.VenueKalshi,
		Status:          supervisor.StatusRunning,
		LastHeartbeatAt: time.UnixMilli(1700000000000),
	}

	// Unchanged health is written once.
	w.PublishHealth(ctx, []supervisor.CollectorHealth{h})
	w.PublishHealth(ctx, []supervisor.CollectorHealth{h})
	w.PublishHealth(ctx, []supervisor.CollectorHealth{h})

	calls := mock.getCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 HSET call (duplicates suppressed), got %d", len(calls))
	}
	if calls[0].Key != "health:kalshi" {
		t.Fatalf("wrong key: %s", calls[0].Key)
	}
	if calls[0].Fields["status"] != "running" {
		t.Fatalf("expected status 'running', got %q", calls[0].Fields["status"])
	}

	// A state change triggers a second write.
	h.Status = supervisor.StatusDegraded
	h.ConsecutiveFailures = 2
	w.PublishHealth(ctx, []supervisor.CollectorHealth{h})

	calls = mock.getCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 HSET calls after state change, got %d", len(calls))
	}
	if calls[1].Fields["consecutive_failures"] != "2" {
		t.Fatalf("expected consecutive_failures '2', got %q", calls[1].Fields["consecutive_failures"])
	}
}
