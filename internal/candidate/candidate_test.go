package candidate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/store"
)

// scriptedStrategy returns a fixed batch of signals on every Analyze call.
type scriptedStrategy struct {
	signals []domain.Signal
}

func (s *scriptedStrategy) Initialize(domain.RiskLimits, []string) error { return nil }

func (s *scriptedStrategy) Analyze(context.Context, map[string]domain.SymbolData, domain.Portfolio, time.Time) ([]domain.Signal, error) {
	out := s.signals
	s.signals = nil
	return out, nil
}

func (s *scriptedStrategy) OnFill(string, domain.Action, float64, float64, domain.Intent, string) error {
	return nil
}
func (s *scriptedStrategy) OnPositionClosed(string, float64, float64, string) error { return nil }
func (s *scriptedStrategy) GetState() (map[string]any, error)                       { return nil, nil }
func (s *scriptedStrategy) LoadState(map[string]any) error                          { return nil }
func (s *scriptedStrategy) ScanIntervalMinutes() int                                { return 5 }

// scriptedFactory hands out prepared strategies by call order. The code
// string must still be valid Go so recovery-path static validation passes.
type scriptedFactory struct {
	strategies []*scriptedStrategy
	calls      int
}

func (f *scriptedFactory) Load(context.Context, string) (domain.Strategy, func() error, error) {
	s := &scriptedStrategy{}
	if f.calls < len(f.strategies) {
		s = f.strategies[f.calls]
	}
	f.calls++
	return s, func() error { return nil }, nil
}

const validStubCode = `package main

func main() {}
`

func testStore(t *testing.T) *store.Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "candidates.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return store.NewRepository(db, zerolog.Nop())
}

func testManager(t *testing.T, repo *store.Repository, factory Factory) *Manager {
	t.Helper()
	return NewManager(repo, factory, Config{
		MaxSlots: 3,
		Symbols:  []string{"BTC/USD"},
		Limits: domain.RiskLimits{
			MaxTradePct: 0.10, MaxPositionPct: 0.50, MaxPositions: 10,
			MaxDailyLossPct: 0.50, MaxDailyTrades: 100,
			MaxDrawdownPct: 0.99, RollbackConsecutiveLosses: 999,
		},
		Slippage:    0.0005,
		MakerFeePct: 0.25,
		TakerFeePct: 0.40,
		TZ:          time.UTC,
	}, zerolog.Nop())
}

func btcMarket(price float64) map[string]domain.SymbolData {
	return map[string]domain.SymbolData{
		"BTC/USD": {Symbol: "BTC/USD", CurrentPrice: price, MakerFeePct: 0.25, TakerFeePct: 0.40},
	}
}

func TestCreateCandidateClonesFundPositionsWithSlotPrefix(t *testing.T) {
	ctx := context.Background()
	repo := testStore(t)
	m := testManager(t, repo, &scriptedFactory{})

	fundPositions := []domain.Position{{
		Symbol: "BTC/USD", Tag: "auto_btc_usd_001", Side: domain.SideLong,
		Qty: 0.001, AvgEntry: 50000, CurrentPrice: 50000, Intent: domain.IntentDay,
		OpenedAt: time.Now().UTC(),
	}}

	_, err := m.CreateCandidate(ctx, CreateRequest{
		Slot: 1, Code: validStubCode, Version: "v-test",
		FundCash: 1000, FundPositions: fundPositions,
	})
	require.NoError(t, err)

	positions, err := repo.CandidatePositions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "c1_auto_btc_usd_001", positions[0].Tag)

	// The fund's own position table is untouched (candidate isolation).
	fund, err := repo.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, fund)
}

func TestRunScanExecutesAgainstPrivateCash(t *testing.T) {
	ctx := context.Background()
	repo := testStore(t)
	strategy := &scriptedStrategy{signals: []domain.Signal{{
		Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.05,
		OrderType: domain.OrderTypeMarket, Intent: domain.IntentDay,
	}}}
	m := testManager(t, repo, &scriptedFactory{strategies: []*scriptedStrategy{strategy}})

	runner, err := m.CreateCandidate(ctx, CreateRequest{
		Slot: 2, Code: validStubCode, Version: "v-test", FundCash: 1000,
	})
	require.NoError(t, err)

	trades, err := runner.RunScan(ctx, btcMarket(50000), time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, trades, "a BUY closes nothing")

	status := runner.Status()
	assert.Less(t, status.Cash, 1000.0)
	assert.InDelta(t, 1000.0, status.TotalValue, 1.0)

	positions, err := repo.CandidatePositions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Contains(t, positions[0].Tag, "c2_", "auto tags carry the slot prefix")
}

func TestStatusStableAcrossPersistCycle(t *testing.T) {
	ctx := context.Background()
	repo := testStore(t)
	strategy := &scriptedStrategy{signals: []domain.Signal{{
		Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.05,
		OrderType: domain.OrderTypeMarket, Intent: domain.IntentDay, Tag: "x",
	}}}
	m := testManager(t, repo, &scriptedFactory{strategies: []*scriptedStrategy{strategy}})

	runner, err := m.CreateCandidate(ctx, CreateRequest{
		Slot: 1, Code: validStubCode, Version: "v-test", FundCash: 1000,
	})
	require.NoError(t, err)

	_, err = runner.RunScan(ctx, btcMarket(50000), time.Now().UTC())
	require.NoError(t, err)

	strategy.signals = []domain.Signal{{
		Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket,
	}}
	trades, err := runner.RunScan(ctx, btcMarket(52000), time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, trades, 1)

	before := runner.Status()
	assert.Equal(t, 1, before.TradeCount)
	assert.Equal(t, 1, before.Wins)

	m.PersistState(ctx, "2026-03-01")
	after := runner.Status()
	assert.Equal(t, before.TradeCount, after.TradeCount, "stats come from the full history, not the persist buffer")
	assert.Equal(t, before.TotalPnL, after.TotalPnL)
}

func TestRecoveryRebuildsCashFromSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := testStore(t)

	openStrategy := &scriptedStrategy{signals: []domain.Signal{{
		Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.10,
		OrderType: domain.OrderTypeMarket, Intent: domain.IntentDay, Tag: "r",
	}}}
	m := testManager(t, repo, &scriptedFactory{strategies: []*scriptedStrategy{openStrategy}})

	runner, err := m.CreateCandidate(ctx, CreateRequest{
		Slot: 1, Code: validStubCode, Version: "v-test", FundCash: 1000,
	})
	require.NoError(t, err)
	_, err = runner.RunScan(ctx, btcMarket(50000), time.Now().UTC())
	require.NoError(t, err)
	cashBefore := runner.Status().Cash
	m.PersistState(ctx, "2026-03-01")
	m.Shutdown()

	// Fresh manager over the same store: the slot recovers as running with
	// the same cash basis.
	m2 := testManager(t, repo, &scriptedFactory{})
	require.NoError(t, m2.Initialize(ctx))
	require.Equal(t, []int{1}, m2.ActiveSlots())

	statuses := m2.Statuses()
	require.Len(t, statuses, 1)
	assert.InDelta(t, cashBefore, statuses[0].Cash, 0.01)
}

func TestPromoteClearsAllSlots(t *testing.T) {
	ctx := context.Background()
	repo := testStore(t)
	m := testManager(t, repo, &scriptedFactory{})

	for slot := 1; slot <= 2; slot++ {
		_, err := m.CreateCandidate(ctx, CreateRequest{
			Slot: slot, Code: validStubCode, Version: "v-test", FundCash: 1000,
		})
		require.NoError(t, err)
	}

	code, version, err := m.PromoteCandidate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, validStubCode, code)
	assert.Equal(t, "v-test", version)
	assert.Empty(t, m.ActiveSlots())

	// Promotion canceled the other slot in the store too.
	running, err := repo.RunningCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestSLTPTriggersCloseCandidatePositions(t *testing.T) {
	ctx := context.Background()
	repo := testStore(t)
	stop := 48000.0
	strategy := &scriptedStrategy{signals: []domain.Signal{{
		Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.05,
		OrderType: domain.OrderTypeMarket, Intent: domain.IntentDay,
		StopLoss: &stop,
	}}}
	m := testManager(t, repo, &scriptedFactory{strategies: []*scriptedStrategy{strategy}})

	runner, err := m.CreateCandidate(ctx, CreateRequest{
		Slot: 1, Code: validStubCode, Version: "v-test", FundCash: 1000,
	})
	require.NoError(t, err)
	_, err = runner.RunScan(ctx, btcMarket(50000), time.Now().UTC())
	require.NoError(t, err)

	closed, err := runner.CheckSLTP(ctx, map[string]float64{"BTC/USD": 47000})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "stop_loss", closed[0].CloseReason)
	assert.Less(t, closed[0].PnL, 0.0)
}

func TestFreeSlot(t *testing.T) {
	ctx := context.Background()
	repo := testStore(t)
	m := testManager(t, repo, &scriptedFactory{})

	assert.Equal(t, 1, m.FreeSlot())
	_, err := m.CreateCandidate(ctx, CreateRequest{Slot: 1, Code: validStubCode, Version: "v", FundCash: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, m.FreeSlot())
}
