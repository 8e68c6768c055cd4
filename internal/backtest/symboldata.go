package backtest

import (
	"sort"
	"time"

	"github.com/aristath/nightforge/internal/domain"
)

// spreadWindowHours is how far back buildSymbolData looks to estimate a
// symbol's spread as the median intrabar range (spec.md §4.7).
const spreadWindowHours = 100

// unionHourlyTimestamps collects every distinct 1h candle timestamp across
// all symbols, sorted ascending; backtest replay advances one tick per
// entry (spec.md §4.7: "iterate at 1-hour resolution over the union of all
// symbols' timestamps").
func unionHourlyTimestamps(data map[string]SymbolSeries) []time.Time {
	seen := map[int64]time.Time{}
	for _, series := range data {
		for _, c := range series.Candles1h {
			seen[c.Timestamp.UnixNano()] = c.Timestamp
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// candlesUpTo returns the prefix of a sorted candle slice with
// Timestamp <= ts.
func candlesUpTo(candles []domain.Candle, ts time.Time) []domain.Candle {
	idx := sort.Search(len(candles), func(i int) bool { return candles[i].Timestamp.After(ts) })
	return candles[:idx]
}

// buildSymbolData constructs the market snapshot a strategy sees for one
// symbol at tick ts. ok is false when the symbol has no 1h candle at or
// before ts yet (it hasn't started trading in this replay window).
func (e *engine) buildSymbolData(series SymbolSeries, symbol string, ts time.Time) (domain.SymbolData, bool) {
	h1 := candlesUpTo(series.Candles1h, ts)
	if len(h1) == 0 {
		return domain.SymbolData{}, false
	}
	m5 := candlesUpTo(series.Candles5m, ts)
	d1 := candlesUpTo(series.Candles1d, ts)

	current := h1[len(h1)-1]
	window := h1
	if len(window) > spreadWindowHours {
		window = window[len(window)-spreadWindowHours:]
	}

	return domain.SymbolData{
		Symbol:       symbol,
		CurrentPrice: current.Close,
		Candles5m:    m5,
		Candles1h:    h1,
		Candles1d:    d1,
		Spread:       medianIntrabarRange(window),
		MakerFeePct:  e.cfg.MakerFeePct,
		TakerFeePct:  e.cfg.TakerFeePct,
	}, true
}

// medianIntrabarRange is the median of (high-low)/close across candles,
// nightforge's spread proxy where no live order book is available
// (spec.md §4.7).
func medianIntrabarRange(candles []domain.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	ranges := make([]float64, 0, len(candles))
	for _, c := range candles {
		if c.Close == 0 {
			continue
		}
		ranges = append(ranges, (c.High-c.Low)/c.Close)
	}
	if len(ranges) == 0 {
		return 0
	}
	sort.Float64s(ranges)
	mid := len(ranges) / 2
	if len(ranges)%2 == 0 {
		return (ranges[mid-1] + ranges[mid]) / 2
	}
	return ranges[mid]
}

// lastPrices resolves each symbol's last known close at or before ts,
// used for mark-to-market at day boundaries and at the end of the run.
func lastPrices(data map[string]SymbolSeries, ts time.Time) map[string]float64 {
	out := make(map[string]float64, len(data))
	for symbol, series := range data {
		h1 := candlesUpTo(series.Candles1h, ts)
		if len(h1) == 0 {
			continue
		}
		out[symbol] = h1[len(h1)-1].Close
	}
	return out
}

// subBarsWithinHour returns the 5m candles covering [hourStart, hourStart+1h)
// in chronological order, used for intrabar SL/TP precision.
func subBarsWithinHour(candles5m []domain.Candle, hourStart time.Time) []domain.Candle {
	hourEnd := hourStart.Add(time.Hour)
	start := sort.Search(len(candles5m), func(i int) bool { return !candles5m[i].Timestamp.Before(hourStart) })
	end := sort.Search(len(candles5m), func(i int) bool { return !candles5m[i].Timestamp.Before(hourEnd) })
	if start >= end {
		return nil
	}
	return candles5m[start:end]
}
