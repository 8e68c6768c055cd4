package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/portfolio"
	"github.com/aristath/nightforge/internal/risk"
	"github.com/aristath/nightforge/internal/sandbox"
	"github.com/aristath/nightforge/internal/store"
)

const (
	takerFee = 0.40 // percent per side
	makerFee = 0.25
	slippage = 0.0005
)

func newPaperTracker(t *testing.T, cash float64) (*portfolio.Tracker, *store.Repository) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "scenario.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	repo := store.NewRepository(db, zerolog.Nop())

	tracker := portfolio.New(portfolio.Config{
		InitialCash: cash,
		Mode:        config.ModePaper,
		Slippage:    slippage,
		Store:       repo,
		TZ:          time.UTC,
	}, zerolog.Nop())
	require.NoError(t, tracker.Initialize(context.Background()))
	return tracker, repo
}

func buy(symbol, tag string, sizePct float64) domain.Signal {
	return domain.Signal{
		Symbol: symbol, Action: domain.ActionBuy, SizePct: sizePct,
		OrderType: domain.OrderTypeMarket, Intent: domain.IntentDay, Tag: tag,
	}
}

// Scenario 1 (spec values): buy-and-sell at a profit with fee- and
// slippage-accurate arithmetic.
func TestScenarioBuyAndSellAtProfit(t *testing.T) {
	ctx := context.Background()
	tracker, repo := newPaperTracker(t, 1000.0)

	fill, err := tracker.ExecuteSignal(ctx, buy("BTC/USD", "", 0.05), 50000, makerFee, takerFee, "v1")
	require.NoError(t, err)
	assert.InDelta(t, 50025.0, fill.Price, 0.01)
	assert.InDelta(t, 0.20, fill.Fee, 0.001)
	assert.InDelta(t, 949.80, tracker.Cash(), 0.01)

	closeSig := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket}
	exit, err := tracker.ExecuteSignal(ctx, closeSig, 51000, makerFee, takerFee, "v1")
	require.NoError(t, err)
	require.NotNil(t, exit.Trade)

	assert.InDelta(t, 50974.5, exit.Trade.ExitPrice, 0.01)
	assert.InDelta(t, 0.545, exit.Trade.PnL, 0.01)
	assert.InDelta(t, 1000.55, tracker.Cash(), 0.01)
	assert.Equal(t, "signal", exit.Trade.CloseReason)

	trades, err := repo.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	// Fee-accurate P&L invariant: pnl = (exit − entry) × qty − fees.
	tr := trades[0]
	expected := (tr.ExitPrice-tr.EntryPrice)*tr.Qty - tr.Fees
	assert.InDelta(t, expected, tr.PnL, 1e-6)
}

// Scenario 2: a flat round-trip loses approximately two fee legs plus the
// slippage cost.
func TestScenarioFeeDragOnFlatTrade(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newPaperTracker(t, 1000.0)

	_, err := tracker.ExecuteSignal(ctx, buy("BTC/USD", "", 0.05), 50000, makerFee, takerFee, "v1")
	require.NoError(t, err)

	closeSig := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket}
	_, err = tracker.ExecuteSignal(ctx, closeSig, 50000, makerFee, takerFee, "v1")
	require.NoError(t, err)

	finalCash := tracker.Cash()
	assert.Less(t, finalCash, 1000.0)

	expectedDrag := 2*0.004*50 + 2*slippage*50
	assert.InDelta(t, 1000.0-expectedDrag, finalCash, 0.05)
}

// Scenario 3: the daily-loss halt engages only when the accumulated loss
// crosses the configured fraction of the day-start value.
func TestScenarioDailyLossHalt(t *testing.T) {
	limits := domain.RiskLimits{
		MaxTradePct: 0.10, MaxPositionPct: 0.50, MaxPositions: 10,
		MaxDailyLossPct: 0.05, MaxDailyTrades: 100,
		MaxDrawdownPct: 0.99, RollbackConsecutiveLosses: 999,
	}
	m := risk.New(limits, zerolog.Nop())

	for i := 0; i < 20; i++ {
		m.RecordTradeResult(-0.5)
	}
	d := m.CheckSignal(buy("BTC/USD", "", 0.02), 990, 0, 0, 1000, true)
	assert.True(t, d.Passed, "−10 of a 1000 base is inside the 5%% limit")

	m.RecordTradeResult(-45)
	d = m.CheckSignal(buy("BTC/USD", "", 0.02), 945, 0, 0, 1000, true)
	assert.False(t, d.Passed)
	assert.Contains(t, d.Reason, "Daily")
}

// Scenario 4: a drawdown halt is structural and survives the daily reset.
func TestScenarioDrawdownHaltSurvivesDailyReset(t *testing.T) {
	limits := domain.RiskLimits{
		MaxTradePct: 0.10, MaxPositionPct: 0.50, MaxPositions: 10,
		MaxDailyLossPct: 0.50, MaxDailyTrades: 100,
		MaxDrawdownPct: 0.10, RollbackConsecutiveLosses: 999,
	}
	m := risk.New(limits, zerolog.Nop())
	m.UpdatePortfolioPeak(1000)

	d := m.CheckSignal(buy("BTC/USD", "", 0.02), 890, 0, 0, 0, true)
	require.False(t, d.Passed)
	assert.Contains(t, d.Reason, "Max drawdown")

	m.ResetDaily()
	d = m.CheckSignal(buy("BTC/USD", "", 0.02), 890, 0, 0, 0, true)
	assert.False(t, d.Passed, "structural halt must survive reset_daily")

	// Exits keep passing while halted.
	sell := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket}
	assert.True(t, m.CheckSignal(sell, 890, 1, 100, 0, false).Passed)
}

// Scenario 5: multiple tagged positions on one symbol; tagless SELL closes
// FIFO, tagless CLOSE takes the next.
func TestScenarioMultiPositionByTag(t *testing.T) {
	ctx := context.Background()
	tracker, repo := newPaperTracker(t, 10_000.0)

	_, err := tracker.ExecuteSignal(ctx, buy("BTC/USD", "a", 0.03), 50000, makerFee, takerFee, "v1")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond) // distinct opened_at for FIFO ordering
	_, err = tracker.ExecuteSignal(ctx, buy("BTC/USD", "b", 0.03), 51000, makerFee, takerFee, "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, tracker.OpenPositionCount())

	sell := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket}
	first, err := tracker.ExecuteSignal(ctx, sell, 52000, makerFee, takerFee, "v1")
	require.NoError(t, err)
	require.NotNil(t, first.Trade)
	assert.Equal(t, "a", first.Trade.Tag, "tagless SELL must close the oldest position")

	closeSig := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket}
	second, err := tracker.ExecuteSignal(ctx, closeSig, 53000, makerFee, takerFee, "v1")
	require.NoError(t, err)
	require.NotNil(t, second.Trade)
	assert.Equal(t, "b", second.Trade.Tag)

	assert.Zero(t, tracker.OpenPositionCount())
	trades, err := repo.RecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

// Scenario 6: forbidden imports are rejected statically; nothing is ever
// compiled or loaded.
func TestScenarioSandboxRejectsForbiddenImport(t *testing.T) {
	code := `package main

import (
	"os/exec"
)

func main() {
	exec.Command("sh")
}
`
	result := sandbox.Validate(sandbox.VariantStrategy, code)
	require.False(t, result.Passed)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "forbidden import os/exec")
}

// Mass conservation: over a buy/partial-sell/close sequence with no
// external capital events, Δcash + Δnotional − Σrealized_pnl = 0.
func TestMassConservation(t *testing.T) {
	ctx := context.Background()
	tracker, repo := newPaperTracker(t, 5000.0)

	_, err := tracker.ExecuteSignal(ctx, buy("ETH/USD", "m", 0.04), 2000, makerFee, takerFee, "v1")
	require.NoError(t, err)

	partial := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionSell, SizePct: 0.02, OrderType: domain.OrderTypeMarket, Tag: "m"}
	_, err = tracker.ExecuteSignal(ctx, partial, 2100, makerFee, takerFee, "v1")
	require.NoError(t, err)

	closeSig := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket, Tag: "m"}
	_, err = tracker.ExecuteSignal(ctx, closeSig, 1900, makerFee, takerFee, "v1")
	require.NoError(t, err)

	trades, err := repo.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	var realized, fees float64
	for _, tr := range trades {
		realized += tr.PnL
		fees += tr.Fees
		// Per-trade fee-accurate P&L.
		assert.InDelta(t, (tr.ExitPrice-tr.EntryPrice)*tr.Qty-tr.Fees, tr.PnL, 1e-6)
	}

	// All positions closed: final cash = initial + Σpnl + entry/exit price
	// movement already inside pnl. The slippage cost is embedded in the
	// fill prices the trades record, so the identity closes exactly.
	assert.Zero(t, tracker.OpenPositionCount())
	assert.InDelta(t, 5000.0+realized, tracker.Cash(), 1e-6)
}
