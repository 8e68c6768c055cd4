package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/domain"
)

// scriptedStrategy looks up its response by the exact tick timestamp,
// giving tests full control over what signal fires when.
type scriptedStrategy struct {
	byTick func(ts time.Time, portfolio domain.Portfolio) []domain.Signal
}

func (s *scriptedStrategy) Initialize(domain.RiskLimits, []string) error { return nil }
func (s *scriptedStrategy) Analyze(_ context.Context, _ map[string]domain.SymbolData, portfolio domain.Portfolio, ts time.Time) ([]domain.Signal, error) {
	return s.byTick(ts, portfolio), nil
}
func (s *scriptedStrategy) OnFill(string, domain.Action, float64, float64, domain.Intent, string) error {
	return nil
}
func (s *scriptedStrategy) OnPositionClosed(string, float64, float64, string) error { return nil }
func (s *scriptedStrategy) GetState() (map[string]any, error)                      { return map[string]any{}, nil }
func (s *scriptedStrategy) LoadState(map[string]any) error                         { return nil }
func (s *scriptedStrategy) ScanIntervalMinutes() int                               { return 60 }

func looseLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxTradePct: 1, DefaultTradePct: 0.5, MaxPositions: 5,
		MaxDailyLossPct: 1, MaxDrawdownPct: 1, MaxPositionPct: 1,
		MaxDailyTrades: 1000, RollbackConsecutiveLosses: 1000,
	}
}

func hourlyCandles(symbol string, start time.Time, n int, price func(i int) float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := 0; i < n; i++ {
		p := price(i)
		out[i] = domain.Candle{
			Symbol: symbol, Timeframe: "1h", Open: p, High: p + 0.5, Low: p - 0.5,
			Close: p, Volume: 10, Timestamp: start.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func ptr(f float64) *float64 { return &f }

func TestRunClosesProfitableTradeAndReportsMetrics(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := hourlyCandles("BTC/USD", start, 24, func(i int) float64 {
		if i < 15 {
			return 100 + float64(i)
		}
		return 115
	})
	data := map[string]SymbolSeries{"BTC/USD": {Candles1h: candles}}

	buyAt := candles[2].Timestamp
	closeAt := candles[15].Timestamp
	strat := &scriptedStrategy{byTick: func(ts time.Time, _ domain.Portfolio) []domain.Signal {
		switch ts {
		case buyAt:
			return []domain.Signal{{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.5, OrderType: domain.OrderTypeMarket, Tag: "t1"}}
		case closeAt:
			return []domain.Signal{{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket, Tag: "t1"}}
		}
		return nil
	}}

	result, err := Run(context.Background(), data, strat, Config{
		InitialCash: 1000, Slippage: 0.0005, MakerFeePct: 0.1, TakerFeePct: 0.2,
		Limits: looseLimits(), Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TradeCount)
	require.Equal(t, 1, result.Wins)
	require.Equal(t, 0, result.Losses)
	require.Greater(t, result.NetPnL, 0.0)
	require.Greater(t, result.GrossPnL, result.NetPnL) // fees drag net below gross
	require.GreaterOrEqual(t, result.MaxDrawdownPct, 0.0)
	require.Equal(t, candles[0].Timestamp, result.StartDate)
	require.Equal(t, candles[len(candles)-1].Timestamp, result.EndDate)
}

func TestRunStopsNewEntriesAfterMaxDailyTrades(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := hourlyCandles("BTC/USD", start, 20, func(int) float64 { return 100 })
	data := map[string]SymbolSeries{"BTC/USD": {Candles1h: candles}}

	strat := &scriptedStrategy{byTick: func(_ time.Time, portfolio domain.Portfolio) []domain.Signal {
		if len(portfolio.Positions) == 0 {
			return []domain.Signal{{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.5, OrderType: domain.OrderTypeMarket, Tag: "loop"}}
		}
		return []domain.Signal{{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket, Tag: "loop"}}
	}}

	limits := looseLimits()
	limits.MaxDailyTrades = 2

	result, err := Run(context.Background(), data, strat, Config{
		InitialCash: 1000, Slippage: 0, MakerFeePct: 0.1, TakerFeePct: 0.2,
		Limits: limits, Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.TradeCount, "risk manager should reject new entries once max_daily_trades is hit")
}

func TestRunHonorsStopLossViaFiveMinuteSubBars(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h1 := hourlyCandles("BTC/USD", start, 3, func(int) float64 { return 100 })

	// The hourly bar for the second hour never dips below 99.5, so only
	// the 5m sub-bars (which do dip to 90) can trigger the 95 stop-loss.
	hour1Start := h1[1].Timestamp
	m5 := []domain.Candle{
		{Symbol: "BTC/USD", Timeframe: "5m", Open: 100, High: 100, Low: 100, Close: 100, Timestamp: hour1Start},
		{Symbol: "BTC/USD", Timeframe: "5m", Open: 100, High: 100, Low: 90, Close: 92, Timestamp: hour1Start.Add(5 * time.Minute)},
		{Symbol: "BTC/USD", Timeframe: "5m", Open: 92, High: 100, Low: 92, Close: 100, Timestamp: hour1Start.Add(10 * time.Minute)},
	}
	data := map[string]SymbolSeries{"BTC/USD": {Candles1h: h1, Candles5m: m5}}

	buyAt := h1[0].Timestamp
	strat := &scriptedStrategy{byTick: func(ts time.Time, _ domain.Portfolio) []domain.Signal {
		if ts == buyAt {
			return []domain.Signal{{
				Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.5,
				OrderType: domain.OrderTypeMarket, Tag: "sl", StopLoss: ptr(95),
			}}
		}
		return nil
	}}

	result, err := Run(context.Background(), data, strat, Config{
		InitialCash: 1000, Slippage: 0, MakerFeePct: 0.1, TakerFeePct: 0.2,
		Limits: looseLimits(), Log: zerolog.Nop(),
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.TradeCount)
	require.Equal(t, 1, result.Losses, "the stop-loss should have fired from the 5m dip the hourly bar doesn't show")
}
