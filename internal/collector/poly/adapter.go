// Package poly normalises the Polymarket CLOB market channel into
// canonical snapshots.
package poly

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courtside-labs/courtside/internal/collector"
	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
)

// pingInterval keeps the CLOB socket alive; the server answers PONG.
const pingInterval = 10 * time.Second

// Market-channel subscription message.
type subscribeMsg struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// Raw book event as received over the wire.
type rawBookEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Bids      []rawPriceLevel `json:"bids"`
	Asks      []rawPriceLevel `json:"asks"`
	Timestamp string          `json:"timestamp"`
}

type rawPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// rawEnvelope is used for fast event-type detection before full parsing.
type rawEnvelope struct {
	EventType string `json:"event_type"`
}

// Adapter connects to the Polymarket CLOB WebSocket and normalises
// incoming book snapshots. Polymarket carries no sequence numbers, so
// emitted snapshots have Sequence 0 and are exempt from gap detection.
type Adapter struct {
	ws  *collector.WSClient
	log *logrus.Entry

	updates chan market.Snapshot

	// pool reduces GC pressure from high-frequency level allocations.
	levelPool sync.Pool
}

// New creates an Adapter backed by the given WSClient.
// The caller must have already called ws.Connect.
func New(ws *collector.WSClient) *Adapter {
	return &Adapter{
		ws:      ws,
		log:     logging.Component("poly"),
		updates: make(chan market.Snapshot, 1024),
		levelPool: sync.Pool{
			New: func() any {
				s := make([]market.Level, 0, 32)
				return &s
			},
		},
	}
}

// Venue implements collector.Adapter.
func (pa *Adapter) Venue() market.Venue { return market.VenuePolymarket }

// Updates returns the channel of normalised snapshots.
func (pa *Adapter) Updates() <-chan market.Snapshot {
	return pa.updates
}

// Subscribe sends a market-channel subscription for the given token
// IDs. Multiple calls accumulate subscriptions server-side.
func (pa *Adapter) Subscribe(tokenIDs ...string) {
	msg, _ := json.Marshal(subscribeMsg{
		Type:      "market",
		AssetsIDs: tokenIDs,
	})
	pa.ws.Send(msg)
}

// Run reads from the WSClient fan-out channel, parses book events, and
// pushes snapshots to the updates channel. It blocks until ctx is
// cancelled.
func (pa *Adapter) Run(ctx context.Context) {
	sub := pa.ws.Subscribe()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pa.ws.Send([]byte("PING"))
		case raw, ok := <-sub:
			if !ok {
				return
			}
			pa.handleMessage(raw)
		}
	}
}

func (pa *Adapter) handleMessage(raw []byte) {
	if string(raw) == "PONG" {
		return
	}

	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		pa.log.Warnf("invalid JSON: %v", err)
		return
	}

	switch env.EventType {
	case "book":
		pa.handleBook(raw)
	case "error":
		pa.log.Warnf("exchange error: %s", raw)
	default:
		// ignored: price_change, tick_size_change, last_trade_price.
	}
}

func (pa *Adapter) handleBook(raw []byte) {
	var ev rawBookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		pa.log.Warnf("failed to parse book event: %v", err)
		return
	}

	bids, asks := market.Normalize(pa.parseLevels(ev.Bids), pa.parseLevels(ev.Asks))

	snap := market.Snapshot{
		Venue:      market.VenuePolymarket,
		MarketID:   ev.Market,
		CapturedAt: parseTimestamp(ev.Timestamp),
		Bids:       bids,
		Asks:       asks,
	}

	select {
	case pa.updates <- snap:
	default:
		pa.log.Warnf("updates channel full, dropping snapshot for %s", ev.Market)
	}
}

// parseLevels converts raw string price/size pairs into Level slices.
// It borrows a slice from the pool to reduce allocations under load.
func (pa *Adapter) parseLevels(raw []rawPriceLevel) []market.Level {
	pooled := pa.levelPool.Get().(*[]market.Level)
	levels := (*pooled)[:0]

	for _, r := range raw {
		p, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			continue
		}
		s, err := strconv.ParseFloat(r.Size, 64)
		if err != nil {
			continue
		}
		levels = append(levels, market.Level{Price: p, Size: s})
	}

	// Copy out so the pooled slice can be returned.
	out := make([]market.Level, len(levels))
	copy(out, levels)
	pa.levelPool.Put(pooled)

	return out
}

// parseTimestamp converts a Unix-millisecond string to time.Time,
// falling back to the current time when the venue omits it.
func parseTimestamp(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
