// Package datastore implements nightforge's tiered OHLCV retention
// (spec.md §3): nightly aggregation of 5m candles into 1h and 1h into 1d,
// pruning each tier past its configured window, plus the rolling prunes for
// the thought spool and observations; the activity log is not pruned. Grounded on
// aristath-sentinel's satellite_maintenance.go scheduler-job shape, with
// the bucketing math done in Go over repository reads rather than in SQL
// so the unit-boundary snapping is explicit and testable.
package datastore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/domain"
)

// Store is the repository slice maintenance runs against.
type Store interface {
	CandleSymbols(ctx context.Context, timeframe string) ([]string, error)
	CandlesBefore(ctx context.Context, symbol, timeframe string, cutoff time.Time) ([]domain.Candle, error)
	InsertCandles(ctx context.Context, candles []domain.Candle) error
	PruneCandlesBefore(ctx context.Context, timeframe string, cutoff time.Time) (int64, error)
	PruneThoughtsBefore(ctx context.Context, cutoff time.Time) error
	PruneObservationsBefore(ctx context.Context, cutoff time.Time) error
}

// Retention holds the configured windows for the three candle tiers.
type Retention struct {
	Keep5mDays  int
	Keep1hDays  int
	Keep1dYears int
}

// Maintainer runs the nightly aggregation + pruning pass.
type Maintainer struct {
	store     Store
	retention Retention
	log       zerolog.Logger
}

// New builds a Maintainer with the given retention windows; zero or
// negative values fall back to spec.md §3's defaults (30 days / 365 days /
// 7 years).
func New(store Store, retention Retention, log zerolog.Logger) *Maintainer {
	if retention.Keep5mDays <= 0 {
		retention.Keep5mDays = 30
	}
	if retention.Keep1hDays <= 0 {
		retention.Keep1hDays = 365
	}
	if retention.Keep1dYears <= 0 {
		retention.Keep1dYears = 7
	}
	return &Maintainer{store: store, retention: retention, log: log.With().Str("component", "datastore").Logger()}
}

// truncateToHour snaps t down to its containing hour in UTC.
func truncateToHour(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
}

// truncateToDay snaps t down to its containing UTC day.
func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Maintain runs one full maintenance pass: aggregate then prune each tier.
// Every cutoff snaps to the natural unit boundary so a bucket is never
// split across runs (spec.md §3).
func (m *Maintainer) Maintain(ctx context.Context, now time.Time) error {
	cutoff5m := truncateToHour(now.AddDate(0, 0, -m.retention.Keep5mDays))
	cutoff1h := truncateToDay(now.AddDate(0, 0, -m.retention.Keep1hDays))
	cutoff1d := truncateToDay(now.AddDate(-m.retention.Keep1dYears, 0, 0))

	if err := m.aggregate(ctx, "5m", "1h", cutoff5m, truncateToHour); err != nil {
		return fmt.Errorf("aggregate 5m->1h: %w", err)
	}
	if err := m.aggregate(ctx, "1h", "1d", cutoff1h, truncateToDay); err != nil {
		return fmt.Errorf("aggregate 1h->1d: %w", err)
	}

	for _, tier := range []struct {
		timeframe string
		cutoff    time.Time
	}{
		{"5m", cutoff5m},
		{"1h", cutoff1h},
		{"1d", cutoff1d},
	} {
		n, err := m.store.PruneCandlesBefore(ctx, tier.timeframe, tier.cutoff)
		if err != nil {
			return fmt.Errorf("prune %s: %w", tier.timeframe, err)
		}
		if n > 0 {
			m.log.Info().Str("timeframe", tier.timeframe).Int64("pruned", n).Msg("candles pruned")
		}
	}

	// Rolling 30-day retention for the thought spool and observations
	// (spec.md §3 / §4.6).
	auditCutoff := now.AddDate(0, 0, -30).UTC()
	if err := m.store.PruneThoughtsBefore(ctx, auditCutoff); err != nil {
		return fmt.Errorf("prune thoughts: %w", err)
	}
	if err := m.store.PruneObservationsBefore(ctx, auditCutoff); err != nil {
		return fmt.Errorf("prune observations: %w", err)
	}

	return nil
}

// aggregate rolls every from-tier candle older than cutoff into to-tier
// buckets and upserts the result. The pruning of the source rows happens in
// Maintain's prune pass using the same cutoff, so aggregation and deletion
// always agree on the boundary.
func (m *Maintainer) aggregate(ctx context.Context, from, to string, cutoff time.Time, bucket func(time.Time) time.Time) error {
	symbols, err := m.store.CandleSymbols(ctx, from)
	if err != nil {
		return err
	}

	for _, symbol := range symbols {
		candles, err := m.store.CandlesBefore(ctx, symbol, from, cutoff)
		if err != nil {
			return err
		}
		if len(candles) == 0 {
			continue
		}
		rolled := rollup(candles, symbol, to, bucket)
		if err := m.store.InsertCandles(ctx, rolled); err != nil {
			return err
		}
		m.log.Debug().Str("symbol", symbol).Str("from", from).Str("to", to).
			Int("source", len(candles)).Int("buckets", len(rolled)).Msg("candles aggregated")
	}
	return nil
}

// rollup groups candles by bucket and produces one OHLCV bar per bucket:
// first open, max high, min low, last close, summed volume.
func rollup(candles []domain.Candle, symbol, timeframe string, bucket func(time.Time) time.Time) []domain.Candle {
	byBucket := map[int64]*domain.Candle{}
	for _, c := range candles {
		b := bucket(c.Timestamp)
		key := b.Unix()
		agg, ok := byBucket[key]
		if !ok {
			clone := c
			clone.Symbol = symbol
			clone.Timeframe = timeframe
			clone.Timestamp = b
			byBucket[key] = &clone
			continue
		}
		if c.High > agg.High {
			agg.High = c.High
		}
		if c.Low < agg.Low {
			agg.Low = c.Low
		}
		agg.Close = c.Close
		agg.Volume += c.Volume
	}

	keys := make([]int64, 0, len(byBucket))
	for k := range byBucket {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]domain.Candle, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byBucket[k])
	}
	return out
}
