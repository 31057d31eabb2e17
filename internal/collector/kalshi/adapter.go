// Package kalshi normalises the Kalshi trade-api WebSocket into
// canonical snapshots.
package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courtside-labs/courtside/internal/collector"
	"github.com/courtside-labs/courtside/internal/logging"
	"github.com/courtside-labs/courtside/internal/market"
)

const wsPath = "/trade-api/ws/v2"

// command is the Kalshi WebSocket command envelope.
type command struct {
	ID     int           `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels     []string `json:"channels"`
	MarketTicker string   `json:"market_ticker"`
}

// --- Raw wire types ---

type rawEnvelope struct {
	Type string `json:"type"`
}

type rawSnapshot struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string   `json:"market_ticker"`
		MarketID     string   `json:"market_id"`
		Yes          [][2]int `json:"yes"`
		No           [][2]int `json:"no"`
	} `json:"msg"`
}

type rawDelta struct {
	Type string `json:"type"`
	SID  int    `json:"sid"`
	Seq  int64  `json:"seq"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		MarketID     string `json:"market_id"`
		Price        int    `json:"price"`
		Delta        int    `json:"delta"`
		Side         string `json:"side"`
		Ts           string `json:"ts"`
	} `json:"msg"`
}

// orderBook is the internal book state for a single market.
type orderBook struct {
	MarketTicker string
	Yes          map[int]int // price (cents) → quantity
	No           map[int]int
	Seq          int64
}

// Adapter connects to the Kalshi WebSocket, maintains per-market book
// state from snapshots and deltas, and emits canonical snapshots. The
// venue's seq numbers are passed through for gap detection.
type Adapter struct {
	ws  *collector.WSClient
	log *logrus.Entry

	raw     <-chan []byte
	updates chan market.Snapshot

	mu    sync.RWMutex
	books map[string]*orderBook // keyed by market_ticker

	levelPool sync.Pool
	cmdID     int

	nowFunc func() time.Time
}

// AuthHeaders computes the RSA-PSS authentication headers required for
// the Kalshi WebSocket upgrade request.
func AuthHeaders(apiKey string, privateKeyPEM []byte) (http.Header, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("kalshi: failed to decode PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kalshi: key is not RSA")
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + "GET" + wsPath

	h := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, rsaKey, crypto.SHA256, h[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign: %w", err)
	}

	headers := http.Header{}
	headers.Set("KALSHI-ACCESS-KEY", apiKey)
	headers.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	headers.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))

	return headers, nil
}

// New creates an Adapter backed by the given WSClient. It immediately
// subscribes to the WSClient fan-out so no messages are missed.
func New(ws *collector.WSClient) *Adapter {
	return &Adapter{
		ws:      ws,
		log:     logging.Component("kalshi"),
		raw:     ws.Subscribe(),
		updates: make(chan market.Snapshot, 1024),
		books:   make(map[string]*orderBook),
		levelPool: sync.Pool{
			New: func() any {
				s := make([]market.Level, 0, 32)
				return &s
			},
		},
		nowFunc: time.Now,
	}
}

// Venue implements collector.Adapter.
func (ka *Adapter) Venue() market.Venue { return market.VenueKalshi }

// Updates returns the channel of normalised snapshots.
func (ka *Adapter) Updates() <-chan market.Snapshot {
	return ka.updates
}

// Subscribe sends an orderbook_delta subscription for the given ticker.
func (ka *Adapter) Subscribe(ticker string) {
	ka.cmdID++
	msg, _ := json.Marshal(command{
		ID:  ka.cmdID,
		Cmd: "subscribe",
		Params: commandParams{
			Channels:     []string{"orderbook_delta"},
			MarketTicker: ticker,
		},
	})
	ka.ws.Send(msg)
}

// Run reads from the WSClient fan-out, processes snapshots and deltas,
// and emits canonical snapshots. It blocks until ctx is cancelled.
func (ka *Adapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ka.raw:
			if !ok {
				return
			}
			ka.handleMessage(raw)
		}
	}
}

func (ka *Adapter) handleMessage(raw []byte) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		ka.log.Warnf("invalid JSON: %v", err)
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		ka.handleSnapshot(raw)
	case "orderbook_delta":
		ka.handleDelta(raw)
	case "error":
		ka.log.Warnf("exchange error: %s", raw)
	default:
		// Subscription acks and other message types ignored.
	}
}

func (ka *Adapter) handleSnapshot(raw []byte) {
	var snap rawSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		ka.log.Warnf("failed to parse snapshot: %v", err)
		return
	}

	book := &orderBook{
		MarketTicker: snap.Msg.MarketTicker,
		Yes:          make(map[int]int, len(snap.Msg.Yes)),
		No:           make(map[int]int, len(snap.Msg.No)),
		Seq:          snap.Seq,
	}
	for _, level := range snap.Msg.Yes {
		book.Yes[level[0]] = level[1]
	}
	for _, level := range snap.Msg.No {
		book.No[level[0]] = level[1]
	}

	ka.mu.Lock()
	ka.books[snap.Msg.MarketTicker] = book
	ka.mu.Unlock()

	ka.emit(book, ka.nowFunc())
}

func (ka *Adapter) handleDelta(raw []byte) {
	var delta rawDelta
	if err := json.Unmarshal(raw, &delta); err != nil {
		ka.log.Warnf("failed to parse delta: %v", err)
		return
	}

	ka.mu.Lock()
	book, ok := ka.books[delta.Msg.MarketTicker]
	if !ok {
		ka.mu.Unlock()
		return
	}

	side := book.Yes
	if delta.Msg.Side == "no" {
		side = book.No
	}

	newQty := side[delta.Msg.Price] + delta.Msg.Delta
	if newQty <= 0 {
		delete(side, delta.Msg.Price)
	} else {
		side[delta.Msg.Price] = newQty
	}
	book.Seq = delta.Seq
	ka.mu.Unlock()

	capturedAt := parseTimestamp(delta.Msg.Ts, ka.nowFunc)
	ka.emit(book, capturedAt)
}

// emit converts the internal book state into a canonical snapshot.
// YES bids map to Bids at price/100. NO bids quote the complement of
// the YES contract, so they become Asks at 1 - price/100; without that
// conversion every liquid book would read as crossed.
func (ka *Adapter) emit(book *orderBook, capturedAt time.Time) {
	ka.mu.RLock()
	bids := ka.yesToBids(book.Yes)
	asks := ka.noToAsks(book.No)
	ticker := book.MarketTicker
	seq := book.Seq
	ka.mu.RUnlock()

	bids, asks = market.Normalize(bids, asks)

	snap := market.Snapshot{
		Venue:      market.VenueKalshi,
		MarketID:   ticker,
		CapturedAt: capturedAt,
		Sequence:   seq,
		Bids:       bids,
		Asks:       asks,
	}

	select {
	case ka.updates <- snap:
	default:
		ka.log.Warnf("updates channel full, dropping snapshot for %s", ticker)
	}
}

func (ka *Adapter) yesToBids(m map[int]int) []market.Level {
	pooled := ka.levelPool.Get().(*[]market.Level)
	levels := (*pooled)[:0]

	for price, qty := range m {
		levels = append(levels, market.Level{
			Price: float64(price) / 100.0,
			Size:  float64(qty),
		})
	}

	out := make([]market.Level, len(levels))
	copy(out, levels)
	ka.levelPool.Put(pooled)

	return out
}

func (ka *Adapter) noToAsks(m map[int]int) []market.Level {
	pooled := ka.levelPool.Get().(*[]market.Level)
	levels := (*pooled)[:0]

	for price, qty := range m {
		levels = append(levels, market.Level{
			Price: 1.0 - float64(price)/100.0,
			Size:  float64(qty),
		})
	}

	out := make([]market.Level, len(levels))
	copy(out, levels)
	ka.levelPool.Put(pooled)

	return out
}

// parseTimestamp parses the delta ts field (RFC3339 or unix seconds),
// falling back to now.
func parseTimestamp(s string, now func() time.Time) time.Time {
	if s == "" {
		return now()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0)
	}
	return now()
}
