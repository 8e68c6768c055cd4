package risk

import (
	"testing"

	"github.com/aristath/nightforge/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxTradePct:               0.05,
		DefaultTradePct:           0.02,
		MaxPositions:              5,
		MaxDailyLossPct:           0.05,
		MaxDrawdownPct:            0.10,
		MaxPositionPct:            0.25,
		MaxDailyTrades:            20,
		RollbackConsecutiveLosses: 999,
	}
}

func buySignal(sizePct float64) domain.Signal {
	return domain.Signal{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: sizePct}
}

// Scenario 3: daily-loss halt.
func TestDailyLossHalt(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 100
	m := New(limits, zerolog.Nop())

	for i := 0; i < 20; i++ {
		m.RecordTradeResult(-0.5)
	}
	require.Equal(t, -10.0, m.dailyPnL)

	d := m.CheckSignal(buySignal(0.02), 1000, 0, 0, 1000, true)
	require.True(t, d.Passed)

	m.RecordTradeResult(-45)
	require.InDelta(t, -55.0, m.dailyPnL, 1e-9)

	d = m.CheckSignal(buySignal(0.02), 1000, 0, 0, 1000, true)
	require.False(t, d.Passed)
	require.Contains(t, d.Reason, "Daily")
}

// Scenario 4: drawdown halt persists across reset_daily.
func TestDrawdownHaltPersistsAcrossReset(t *testing.T) {
	limits := testLimits()
	limits.MaxDrawdownPct = 0.10
	m := New(limits, zerolog.Nop())
	m.UpdatePortfolioPeak(1000)

	d := m.CheckSignal(buySignal(0.02), 890, 0, 0, 890, true)
	require.False(t, d.Passed)
	require.Contains(t, d.Reason, "Max drawdown")

	m.ResetDaily()

	d = m.CheckSignal(buySignal(0.02), 890, 0, 0, 890, true)
	require.False(t, d.Passed, "structural halt must survive reset_daily")
}

func TestMonotonicityNoBuyUntilUnhalt(t *testing.T) {
	m := New(testLimits(), zerolog.Nop())
	m.UpdatePortfolioPeak(1000)
	_ = m.CheckSignal(buySignal(0.02), 850, 0, 0, 850, true)
	require.True(t, m.Status().Halted)

	for i := 0; i < 5; i++ {
		d := m.CheckSignal(buySignal(0.02), 850, 0, 0, 850, true)
		require.False(t, d.Passed)
	}

	m.Unhalt()
	d := m.CheckSignal(buySignal(0.02), 950, 0, 0, 950, true)
	require.True(t, d.Passed)
}

func TestExitsBypassEntryBlocks(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyTrades = 1
	m := New(limits, zerolog.Nop())
	m.RecordTradeResult(-1)

	exit := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose}
	d := m.CheckSignal(exit, 1000, 1, 100, 1000, false)
	require.True(t, d.Passed)
}

func TestMaxPositionsOnlyBlocksNewTags(t *testing.T) {
	m := New(testLimits(), zerolog.Nop())
	d := m.CheckSignal(buySignal(0.02), 1000, 5, 0, 1000, false)
	require.True(t, d.Passed, "adding to an existing tag should not count against max_positions")

	d = m.CheckSignal(buySignal(0.02), 1000, 5, 0, 1000, true)
	require.False(t, d.Passed)
}

func TestClampSignal(t *testing.T) {
	m := New(testLimits(), zerolog.Nop())
	s := buySignal(0.20)
	m.ClampSignal(&s, 1000)
	require.Equal(t, 0.05, s.SizePct)
}

func TestKillSwitchBlocksEntriesNotExits(t *testing.T) {
	limits := testLimits()
	limits.KillSwitch = true
	m := New(limits, zerolog.Nop())

	d := m.CheckSignal(buySignal(0.02), 1000, 0, 0, 1000, true)
	require.False(t, d.Passed)
	require.Contains(t, d.Reason, "Kill switch")

	exit := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose}
	require.True(t, m.CheckSignal(exit, 1000, 1, 100, 1000, false).Passed)
}

func TestPerSymbolCapBlocksBuy(t *testing.T) {
	m := New(testLimits(), zerolog.Nop())
	d := m.CheckSignal(buySignal(0.05), 1000, 0, 200, 1000, true)
	require.False(t, d.Passed)
	require.Contains(t, d.Reason, "max_position_pct")
}
