package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/domain"
)

type fakeStore struct {
	candles  map[string][]domain.Candle // timeframe -> candles
	inserted []domain.Candle
	pruned   map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{candles: map[string][]domain.Candle{}, pruned: map[string]time.Time{}}
}

func (f *fakeStore) CandleSymbols(_ context.Context, timeframe string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, c := range f.candles[timeframe] {
		if !seen[c.Symbol] {
			seen[c.Symbol] = true
			out = append(out, c.Symbol)
		}
	}
	return out, nil
}

func (f *fakeStore) CandlesBefore(_ context.Context, symbol, timeframe string, cutoff time.Time) ([]domain.Candle, error) {
	var out []domain.Candle
	for _, c := range f.candles[timeframe] {
		if c.Symbol == symbol && c.Timestamp.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertCandles(_ context.Context, candles []domain.Candle) error {
	f.inserted = append(f.inserted, candles...)
	return nil
}

func (f *fakeStore) PruneCandlesBefore(_ context.Context, timeframe string, cutoff time.Time) (int64, error) {
	f.pruned[timeframe] = cutoff
	return 0, nil
}

func (f *fakeStore) PruneThoughtsBefore(context.Context, time.Time) error      { return nil }
func (f *fakeStore) PruneObservationsBefore(context.Context, time.Time) error { return nil }

func TestRollupFiveMinuteIntoHour(t *testing.T) {
	base := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	candles := []domain.Candle{
		{Symbol: "BTC/USD", Timestamp: base, Open: 100, High: 105, Low: 99, Close: 101, Volume: 10},
		{Symbol: "BTC/USD", Timestamp: base.Add(5 * time.Minute), Open: 101, High: 110, Low: 100, Close: 108, Volume: 5},
		{Symbol: "BTC/USD", Timestamp: base.Add(10 * time.Minute), Open: 108, High: 109, Low: 95, Close: 97, Volume: 7},
		// Next hour starts a new bucket.
		{Symbol: "BTC/USD", Timestamp: base.Add(time.Hour), Open: 97, High: 98, Low: 96, Close: 98, Volume: 3},
	}

	rolled := rollup(candles, "BTC/USD", "1h", truncateToHour)
	require.Len(t, rolled, 2)

	first := rolled[0]
	assert.Equal(t, base, first.Timestamp)
	assert.Equal(t, "1h", first.Timeframe)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 110.0, first.High)
	assert.Equal(t, 95.0, first.Low)
	assert.Equal(t, 97.0, first.Close)
	assert.Equal(t, 22.0, first.Volume)

	assert.Equal(t, base.Add(time.Hour), rolled[1].Timestamp)
}

func TestMaintainSnapsCutoffsToUnitBoundaries(t *testing.T) {
	fs := newFakeStore()
	m := New(fs, Retention{Keep5mDays: 30, Keep1hDays: 365, Keep1dYears: 7}, zerolog.Nop())

	now := time.Date(2026, 3, 15, 13, 37, 42, 0, time.UTC)
	require.NoError(t, m.Maintain(context.Background(), now))

	cutoff5m := fs.pruned["5m"]
	assert.Equal(t, 0, cutoff5m.Minute())
	assert.Equal(t, 0, cutoff5m.Second())

	cutoff1h := fs.pruned["1h"]
	assert.Equal(t, 0, cutoff1h.Hour())
	assert.Equal(t, 0, cutoff1h.Minute())

	cutoff1d := fs.pruned["1d"]
	assert.Equal(t, now.AddDate(-7, 0, 0).Day(), cutoff1d.Day())
	assert.Equal(t, 0, cutoff1d.Hour())
}

func TestMaintainAggregatesBeforePruning(t *testing.T) {
	fs := newFakeStore()
	old := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	fs.candles["5m"] = []domain.Candle{
		{Symbol: "ETH/USD", Timeframe: "5m", Timestamp: old, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 4},
		{Symbol: "ETH/USD", Timeframe: "5m", Timestamp: old.Add(5 * time.Minute), Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 6},
	}

	m := New(fs, Retention{}, zerolog.Nop())
	now := time.Date(2026, 3, 15, 4, 0, 0, 0, time.UTC)
	require.NoError(t, m.Maintain(context.Background(), now))

	require.NotEmpty(t, fs.inserted)
	agg := fs.inserted[0]
	assert.Equal(t, "1h", agg.Timeframe)
	assert.Equal(t, old, agg.Timestamp)
	assert.Equal(t, 3.0, agg.High)
	assert.Equal(t, 10.0, agg.Volume)
}
