package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/exchange"
	"github.com/aristath/nightforge/internal/store"
)

// tickerFreshness is how old a WebSocket-fed ticker may be before the scan
// falls back to a REST poll for that symbol (spec.md §2 step 2).
const tickerFreshness = 2 * time.Minute

// defaultSpread stands in when a symbol's order book width can't be
// observed (no bid/ask yet).
const defaultSpread = 0.001

// marketCache holds the WebSocket-fed last-known tickers and buffers
// streamed candles until the next scan flushes them to the store. All
// methods are safe for concurrent use; the WS read goroutine writes while
// scan/monitor jobs read.
type marketCache struct {
	mu      sync.Mutex
	tickers map[string]cachedTicker
	candles []domain.Candle
	wsDown  bool
}

type cachedTicker struct {
	ticker exchange.Ticker
	at     time.Time
}

func newMarketCache() *marketCache {
	return &marketCache{tickers: make(map[string]cachedTicker)}
}

func (c *marketCache) setTicker(t exchange.TickerUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers[t.Symbol] = cachedTicker{
		ticker: exchange.Ticker{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Last},
		at:     time.Now(),
	}
}

func (c *marketCache) addCandle(u exchange.CandleUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candles = append(c.candles, domain.Candle{
		Symbol: u.Symbol, Timeframe: "5m",
		Open: u.Open, High: u.High, Low: u.Low, Close: u.Close, Volume: u.Volume,
		Timestamp: u.Time,
	})
}

func (c *marketCache) drainCandles() []domain.Candle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.candles
	c.candles = nil
	return out
}

// freshTicker returns the cached ticker if it is recent enough and the
// stream is healthy.
func (c *marketCache) freshTicker(symbol string) (exchange.Ticker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsDown {
		return exchange.Ticker{}, false
	}
	entry, ok := c.tickers[symbol]
	if !ok || time.Since(entry.at) > tickerFreshness {
		return exchange.Ticker{}, false
	}
	return entry.ticker, true
}

func (c *marketCache) markWSDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wsDown = true
}

// health summarizes the stream's last-known state for the health_check job.
func (c *marketCache) health() domain.ExchangeHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	var last time.Time
	for _, entry := range c.tickers {
		if entry.at.After(last) {
			last = entry.at
		}
	}
	return domain.ExchangeHealth{
		WSConnected:     !c.wsDown && time.Since(last) < tickerFreshness,
		WSLastMessageAt: last,
		UpdatedAt:       time.Now().UTC(),
	}
}

// marketData assembles per-symbol SymbolData snapshots for scan ticks:
// WS-cached tickers with REST fallback, candle windows read back from the
// store after REST refresh.
type marketData struct {
	client *exchange.Client
	repo   *store.Repository
	cache  *marketCache
	fees   *feeBook
	log    zerolog.Logger
}

// refreshWindows is how far back each timeframe's REST top-up reaches; the
// store holds the deep history, REST only patches the recent edge.
var refreshWindows = map[string]time.Duration{
	"5m": 24 * time.Hour,
	"1h": 7 * 24 * time.Hour,
	"1d": 30 * 24 * time.Hour,
}

// snapshotWindows is how much history each SymbolData candle slice carries
// (spec.md §6's SymbolData contract).
var snapshotWindows = map[string]time.Duration{
	"5m": 30 * 24 * time.Hour,
	"1h": 365 * 24 * time.Hour,
	"1d": 7 * 365 * 24 * time.Hour,
}

// buildMarkets produces the per-symbol snapshot map for one scan tick.
// Symbols whose data cannot be assembled are skipped with a warning; one
// bad symbol never kills the tick.
func (m *marketData) buildMarkets(ctx context.Context, symbols []string) map[string]domain.SymbolData {
	// Flush any WS-streamed 5m candles first so the store read below sees
	// them.
	if buffered := m.cache.drainCandles(); len(buffered) > 0 {
		if err := m.repo.InsertCandles(ctx, buffered); err != nil {
			m.log.Warn().Err(err).Msg("flush streamed candles failed")
		}
	}

	markets := make(map[string]domain.SymbolData, len(symbols))
	for _, symbol := range symbols {
		sd, err := m.buildSymbol(ctx, symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("market snapshot failed, skipping symbol")
			continue
		}
		markets[symbol] = sd
	}
	return markets
}

func (m *marketData) buildSymbol(ctx context.Context, symbol string) (domain.SymbolData, error) {
	ticker, ok := m.cache.freshTicker(symbol)
	if !ok {
		restTicker, err := m.client.Ticker(ctx, symbol)
		if err != nil {
			return domain.SymbolData{}, fmt.Errorf("ticker: %w", err)
		}
		ticker = restTicker
	}
	if ticker.Last <= 0 {
		return domain.SymbolData{}, fmt.Errorf("no price for %s", symbol)
	}

	now := time.Now().UTC()
	for _, tf := range []string{"5m", "1h", "1d"} {
		fresh, err := m.client.OHLC(ctx, symbol, tf, now.Add(-refreshWindows[tf]))
		if err != nil {
			m.log.Debug().Err(err).Str("symbol", symbol).Str("timeframe", tf).Msg("candle refresh failed, serving stored history")
			continue
		}
		if err := m.repo.InsertCandles(ctx, fresh); err != nil {
			return domain.SymbolData{}, fmt.Errorf("store candles: %w", err)
		}
	}

	read := func(tf string) ([]domain.Candle, error) {
		return m.repo.Candles(ctx, symbol, tf, now.Add(-snapshotWindows[tf]))
	}
	c5, err := read("5m")
	if err != nil {
		return domain.SymbolData{}, err
	}
	c1h, err := read("1h")
	if err != nil {
		return domain.SymbolData{}, err
	}
	c1d, err := read("1d")
	if err != nil {
		return domain.SymbolData{}, err
	}

	spread := defaultSpread
	if ticker.Bid > 0 && ticker.Ask > ticker.Bid {
		spread = (ticker.Ask - ticker.Bid) / ticker.Last
	}

	var volume24h float64
	dayAgo := now.Add(-24 * time.Hour)
	for i := len(c5) - 1; i >= 0; i-- {
		if c5[i].Timestamp.Before(dayAgo) {
			break
		}
		volume24h += c5[i].Volume
	}

	maker, taker := m.fees.feesFor(symbol)
	return domain.SymbolData{
		Symbol:       symbol,
		CurrentPrice: ticker.Last,
		Candles5m:    c5,
		Candles1h:    c1h,
		Candles1d:    c1d,
		Spread:       spread,
		Volume24h:    volume24h,
		MakerFeePct:  maker,
		TakerFeePct:  taker,
	}, nil
}

// currentPrices resolves just the latest price per symbol, cheap enough for
// the 30-second position monitor: cache first, one REST call per stale
// symbol.
func (m *marketData) currentPrices(ctx context.Context, symbols []string) map[string]float64 {
	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		if ticker, ok := m.cache.freshTicker(symbol); ok {
			prices[symbol] = ticker.Last
			continue
		}
		ticker, err := m.client.Ticker(ctx, symbol)
		if err != nil {
			m.log.Debug().Err(err).Str("symbol", symbol).Msg("price poll failed")
			continue
		}
		if ticker.Last > 0 {
			prices[symbol] = ticker.Last
		}
	}
	return prices
}

func feeScheduleRow(symbol string, maker, taker float64) domain.FeeSchedule {
	return domain.FeeSchedule{Symbol: symbol, MakerFeePct: maker, TakerFeePct: taker, UpdatedAt: time.Now().UTC()}
}

// feeBook caches per-pair maker/taker overrides on top of the configured
// defaults, refreshed by the fee_check job (spec.md §4.4 fee selection).
type feeBook struct {
	mu           sync.Mutex
	defaultMaker float64
	defaultTaker float64
	overrides    map[string]domain.FeeSchedule
}

func newFeeBook(defaultMaker, defaultTaker float64) *feeBook {
	return &feeBook{
		defaultMaker: defaultMaker,
		defaultTaker: defaultTaker,
		overrides:    make(map[string]domain.FeeSchedule),
	}
}

func (f *feeBook) feesFor(symbol string) (maker, taker float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.overrides[symbol]; ok {
		return o.MakerFeePct, o.TakerFeePct
	}
	return f.defaultMaker, f.defaultTaker
}

func (f *feeBook) set(s domain.FeeSchedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[s.Symbol] = s
}

func (f *feeBook) load(schedules []domain.FeeSchedule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range schedules {
		f.overrides[s.Symbol] = s
	}
}
