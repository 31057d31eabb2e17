package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtside-labs/courtside/internal/feature"
	"github.com/courtside-labs/courtside/internal/market"
)

// schema creates both tables. Book levels are stored as flat columns so
// rows stay fixed-width and range scans stay cheap.
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	event_id    TEXT        NOT NULL,
	venue       TEXT        NOT NULL,
	market_id   TEXT        NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL,
	sequence    BIGINT      NOT NULL,
	bid_px_1 DOUBLE PRECISION, bid_sz_1 DOUBLE PRECISION,
	bid_px_2 DOUBLE PRECISION, bid_sz_2 DOUBLE PRECISION,
	bid_px_3 DOUBLE PRECISION, bid_sz_3 DOUBLE PRECISION,
	ask_px_1 DOUBLE PRECISION, ask_sz_1 DOUBLE PRECISION,
	ask_px_2 DOUBLE PRECISION, ask_sz_2 DOUBLE PRECISION,
	ask_px_3 DOUBLE PRECISION, ask_sz_3 DOUBLE PRECISION,
	PRIMARY KEY (venue, market_id, captured_at, sequence)
);
CREATE INDEX IF NOT EXISTS snapshots_event_time
	ON snapshots (event_id, captured_at);

CREATE TABLE IF NOT EXISTS features (
	event_id       TEXT        NOT NULL,
	venue          TEXT        NOT NULL,
	market_id      TEXT        NOT NULL,
	window_start   TIMESTAMPTZ NOT NULL,
	snapshot_count INT         NOT NULL,
	ofi            DOUBLE PRECISION NOT NULL,
	ofi_ema_fast   DOUBLE PRECISION NOT NULL,
	ofi_ema_mid    DOUBLE PRECISION NOT NULL,
	ofi_ema_slow   DOUBLE PRECISION NOT NULL,
	vamp           DOUBLE PRECISION NOT NULL,
	micro_price    DOUBLE PRECISION NOT NULL,
	mid_price      DOUBLE PRECISION NOT NULL,
	spread         DOUBLE PRECISION NOT NULL,
	spread_vol     DOUBLE PRECISION NOT NULL,
	depth_ratio    DOUBLE PRECISION NOT NULL,
	arb_spread     DOUBLE PRECISION,
	feed_latency_ms BIGINT NOT NULL,
	partial        BOOLEAN NOT NULL,
	PRIMARY KEY (event_id, venue, window_start)
);
`

const insertSnapshot = `
INSERT INTO snapshots (
	event_id, venue, market_id, captured_at, ingested_at, sequence,
	bid_px_1, bid_sz_1, bid_px_2, bid_sz_2, bid_px_3, bid_sz_3,
	ask_px_1, ask_sz_1, ask_px_2, ask_sz_2, ask_px_3, ask_sz_3
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT DO NOTHING`

const insertFeature = `
INSERT INTO features (
	event_id, venue, market_id, window_start, snapshot_count,
	ofi, ofi_ema_fast, ofi_ema_mid, ofi_ema_slow,
	vamp, micro_price, mid_price, spread, spread_vol, depth_ratio,
	arb_spread, feed_latency_ms, partial
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (event_id, venue, window_start) DO NOTHING`

const selectSnapshotsRange = `
SELECT event_id, venue, market_id, captured_at, ingested_at, sequence,
	bid_px_1, bid_sz_1, bid_px_2, bid_sz_2, bid_px_3, bid_sz_3,
	ask_px_1, ask_sz_1, ask_px_2, ask_sz_2, ask_px_3, ask_sz_3
FROM snapshots
WHERE event_id = $1 AND captured_at >= $2 AND captured_at < $3
ORDER BY captured_at, venue, sequence`

const selectLatestFeature = `
SELECT event_id, venue, market_id, window_start, snapshot_count,
	ofi, ofi_ema_fast, ofi_ema_mid, ofi_ema_slow,
	vamp, micro_price, mid_price, spread, spread_vol, depth_ratio,
	arb_spread, feed_latency_ms, partial
FROM features
WHERE event_id = $1 AND venue = $2
ORDER BY window_start DESC
LIMIT 1`

// Store wraps the connection pool with the snapshot and feature
// queries. Inserts are idempotent: replays and restart overlap resolve
// through the primary keys.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store with the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// AppendSnapshots writes a batch of linked snapshots in one round trip.
// Duplicate rows from reconnect replays are silently skipped.
func (s *Store) AppendSnapshots(ctx context.Context, snaps []market.LinkedSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ls := range snaps {
		args := []any{
			ls.EventID, string(ls.Venue), ls.MarketID,
			ls.CapturedAt, ls.IngestedAt, ls.Sequence,
		}
		args = append(args, levelArgs(ls.Bids)...)
		args = append(args, levelArgs(ls.Asks)...)
		batch.Queue(insertSnapshot, args...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append snapshots: %w", err)
		}
	}
	return nil
}

// AppendFeatures writes a batch of feature records in one round trip.
func (s *Store) AppendFeatures(ctx context.Context, recs []feature.Record) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range recs {
		var arb *float64
		if r.ArbAvailable {
			v := r.ArbSpread
			arb = &v
		}
		batch.Queue(insertFeature,
			r.EventID, string(r.Venue), r.MarketID, r.WindowStart, r.SnapshotCount,
			r.OFI, r.OFIEMAFast, r.OFIEMAMid, r.OFIEMASlow,
			r.VAMP, r.MicroPrice, r.MidPrice, r.Spread, r.SpreadVol, r.DepthRatio,
			arb, r.FeedLatency.Milliseconds(), r.Partial,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append features: %w", err)
		}
	}
	return nil
}

// SnapshotsRange returns an event's snapshots in [from, to), ordered by
// capture time. This is the batch replay input.
func (s *Store) SnapshotsRange(ctx context.Context, eventID string, from, to time.Time) ([]market.LinkedSnapshot, error) {
	rows, err := s.pool.Query(ctx, selectSnapshotsRange, eventID, from, to)
	if err != nil {
		return nil, fmt.Errorf("snapshots range: %w", err)
	}
	defer rows.Close()

	var out []market.LinkedSnapshot
	for rows.Next() {
		ls, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, ls)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshots range: %w", err)
	}
	return out, nil
}

// LatestFeature returns the most recent feature record for an event on
// one venue, or pgx.ErrNoRows when the event has no features yet.
func (s *Store) LatestFeature(ctx context.Context, eventID string, venue market.Venue) (feature.Record, error) {
	row := s.pool.QueryRow(ctx, selectLatestFeature, eventID, string(venue))

	var (
		r        feature.Record
		venueStr string
		arb      *float64
		latency  int64
	)
	err := row.Scan(
		&r.EventID, &venueStr, &r.MarketID, &r.WindowStart, &r.SnapshotCount,
		&r.OFI, &r.OFIEMAFast, &r.OFIEMAMid, &r.OFIEMASlow,
		&r.VAMP, &r.MicroPrice, &r.MidPrice, &r.Spread, &r.SpreadVol, &r.DepthRatio,
		&arb, &latency, &r.Partial,
	)
	if err != nil {
		return feature.Record{}, err
	}

	r.Venue = market.Venue(venueStr)
	r.FeedLatency = time.Duration(latency) * time.Millisecond
	if arb != nil {
		r.ArbSpread = *arb
		r.ArbAvailable = true
	}
	return r, nil
}

// levelArgs flattens up to Depth levels into price/size pairs, padding
// missing levels with NULLs.
func levelArgs(levels []market.Level) []any {
	out := make([]any, 0, market.Depth*2)
	for i := 0; i < market.Depth; i++ {
		if i < len(levels) {
			out = append(out, levels[i].Price, levels[i].Size)
		} else {
			out = append(out, nil, nil)
		}
	}
	return out
}

// scanSnapshot reads one flattened snapshot row.
func scanSnapshot(rows pgx.Rows) (market.LinkedSnapshot, error) {
	var (
		ls       market.LinkedSnapshot
		venueStr string
		px       [market.Depth * 2]*float64
		ax       [market.Depth * 2]*float64
	)
	err := rows.Scan(
		&ls.EventID, &venueStr, &ls.MarketID, &ls.CapturedAt, &ls.IngestedAt, &ls.Sequence,
		&px[0], &px[1], &px[2], &px[3], &px[4], &px[5],
		&ax[0], &ax[1], &ax[2], &ax[3], &ax[4], &ax[5],
	)
	if err != nil {
		return market.LinkedSnapshot{}, err
	}

	ls.Venue = market.Venue(venueStr)
	ls.Bids = levelsFrom(px)
	ls.Asks = levelsFrom(ax)
	return ls, nil
}

func levelsFrom(cols [market.Depth * 2]*float64) []market.Level {
	var out []market.Level
	for i := 0; i < market.Depth; i++ {
		p, sz := cols[i*2], cols[i*2+1]
		if p == nil || sz == nil {
			break
		}
		out = append(out, market.Level{Price: *p, Size: *sz})
	}
	return out
}
