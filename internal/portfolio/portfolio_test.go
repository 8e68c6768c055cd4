package portfolio

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store fake so these tests exercise Tracker logic
// without a real database, matching the lightweight fake-repository style
// used for pure evaluator tests throughout the pack.
type memStore struct {
	positions map[string]domain.Position
	trades    []domain.Trade
	daily     map[string]domain.DailyPerformance
}

func newMemStore() *memStore {
	return &memStore{positions: map[string]domain.Position{}, daily: map[string]domain.DailyPerformance{}}
}

func (m *memStore) UpsertPosition(_ context.Context, p domain.Position) error {
	m.positions[p.Tag] = p
	return nil
}
func (m *memStore) DeletePosition(_ context.Context, tag string) error {
	delete(m.positions, tag)
	return nil
}
func (m *memStore) ListPositions(_ context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}
func (m *memStore) InsertTrade(_ context.Context, t domain.Trade) error {
	m.trades = append([]domain.Trade{t}, m.trades...) // newest first, like RecentTrades
	return nil
}
func (m *memStore) RecentTrades(_ context.Context, n int) ([]domain.Trade, error) {
	if len(m.trades) < n {
		return m.trades, nil
	}
	return m.trades[:n], nil
}
func (m *memStore) UpsertDailyPerformance(_ context.Context, d domain.DailyPerformance) error {
	m.daily[d.Date] = d
	return nil
}

func newTracker(cash float64) (*Tracker, *memStore) {
	s := newMemStore()
	tr := New(Config{InitialCash: cash, Mode: config.ModePaper, Slippage: 0.0005, Store: s}, zerolog.Nop())
	return tr, s
}

// Scenario 1: buy-and-sell at a profit.
func TestBuyAndSellAtProfit(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(1000)

	buy := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.05, OrderType: domain.OrderTypeMarket}
	fill, err := tr.ExecuteSignal(ctx, buy, 50000, 0.25, 0.40, "v1")
	require.NoError(t, err)
	require.InDelta(t, 50025, fill.Price, 1e-6)
	require.InDelta(t, 0.0009995, fill.Qty, 1e-6)
	require.InDelta(t, 0.2, fill.Fee, 1e-6)
	require.InDelta(t, 949.8, tr.Cash(), 1e-6)

	close := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket}
	fill, err = tr.ExecuteSignal(ctx, close, 51000, 0.25, 0.40, "v1")
	require.NoError(t, err)
	require.InDelta(t, 50974.5, fill.Price, 1e-6)
	require.InDelta(t, 0.545, fill.Trade.PnL, 1e-3)
	require.Equal(t, "signal", fill.Trade.CloseReason)
	require.InDelta(t, 1000.55, tr.Cash(), 1e-2)
	require.Empty(t, tr.Positions())
}

// Scenario 2: fee-drag flat trade.
func TestFeeDragFlatTrade(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(1000)

	buy := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.05, OrderType: domain.OrderTypeMarket}
	_, err := tr.ExecuteSignal(ctx, buy, 50000, 0.4, 0.4, "v1")
	require.NoError(t, err)

	close := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket}
	_, err = tr.ExecuteSignal(ctx, close, 50000, 0.4, 0.4, "v1")
	require.NoError(t, err)

	require.Less(t, tr.Cash(), 1000.0)
	require.InDelta(t, 1000.0, tr.Cash(), 1.0) // drag is small relative to account size
}

// Scenario 5: multi-position FIFO by tag.
func TestMultiPositionFIFOByTag(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(1_000_000)

	buyA := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.03, Tag: "a", OrderType: domain.OrderTypeMarket}
	_, err := tr.ExecuteSignal(ctx, buyA, 50000, 0.25, 0.4, "v1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	buyB := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 0.03, Tag: "b", OrderType: domain.OrderTypeMarket}
	_, err = tr.ExecuteSignal(ctx, buyB, 51000, 0.25, 0.4, "v1")
	require.NoError(t, err)

	require.Len(t, tr.Positions(), 2)

	sell := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionSell, OrderType: domain.OrderTypeMarket}
	fill, err := tr.ExecuteSignal(ctx, sell, 52000, 0.25, 0.4, "v1")
	require.NoError(t, err)
	require.Equal(t, "a", fill.Tag, "SELL with no tag must close the FIFO-oldest position")

	closeSig := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionClose, OrderType: domain.OrderTypeMarket}
	fill, err = tr.ExecuteSignal(ctx, closeSig, 53000, 0.25, 0.4, "v1")
	require.NoError(t, err)
	require.Equal(t, "b", fill.Tag)
	require.Empty(t, tr.Positions())
}

func TestPartialSellApportionsEntryFee(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(10000)

	buy := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionBuy, SizePct: 0.5, Tag: "x", OrderType: domain.OrderTypeMarket}
	fill, err := tr.ExecuteSignal(ctx, buy, 3000, 0.25, 0.4, "v1")
	require.NoError(t, err)
	entryFee := fill.Fee

	sell := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionSell, Tag: "x", SizePct: 0.5, OrderType: domain.OrderTypeMarket}
	fill, err = tr.ExecuteSignal(ctx, sell, 3100, 0.25, 0.4, "v1")
	require.NoError(t, err)
	require.NotNil(t, fill.Trade)
	require.Less(t, fill.Trade.Fees, entryFee+entryFee) // apportioned, not full entry fee twice
	require.Len(t, tr.Positions(), 1, "partial sell must leave the remainder open")
}

func TestSLTPTriggers(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(10000)
	sl := 2900.0
	buy := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionBuy, SizePct: 0.1, Tag: "x", StopLoss: &sl, OrderType: domain.OrderTypeMarket}
	_, err := tr.ExecuteSignal(ctx, buy, 3000, 0.25, 0.4, "v1")
	require.NoError(t, err)

	triggered, err := tr.UpdatePrices(ctx, map[string]float64{"ETH/USD": 2850})
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	require.Equal(t, "stop_loss", triggered[0].Reason)
	require.Equal(t, 2900.0, triggered[0].Price)
}

func TestMAEMonotone(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(10000)
	buy := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionBuy, SizePct: 0.1, Tag: "x", OrderType: domain.OrderTypeMarket}
	_, err := tr.ExecuteSignal(ctx, buy, 3000, 0.25, 0.4, "v1")
	require.NoError(t, err)

	_, err = tr.UpdatePrices(ctx, map[string]float64{"ETH/USD": 2900})
	require.NoError(t, err)
	mae1 := tr.Positions()[0].MaxAdverseExcursion

	_, err = tr.UpdatePrices(ctx, map[string]float64{"ETH/USD": 2950})
	require.NoError(t, err)
	mae2 := tr.Positions()[0].MaxAdverseExcursion
	require.GreaterOrEqual(t, mae2, mae1, "MAE must never decrease while a position is open")
}

func TestModifyUpdatesInPlaceNoFill(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(10000)
	buy := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionBuy, SizePct: 0.1, Tag: "x", OrderType: domain.OrderTypeMarket}
	_, err := tr.ExecuteSignal(ctx, buy, 3000, 0.25, 0.4, "v1")
	require.NoError(t, err)
	cashBefore := tr.Cash()

	tp := 3500.0
	modify := domain.Signal{Symbol: "ETH/USD", Action: domain.ActionModify, Tag: "x", TakeProfit: &tp}
	fill, err := tr.ExecuteSignal(ctx, modify, 3000, 0.25, 0.4, "v1")
	require.NoError(t, err)
	require.Zero(t, fill.Fee)
	require.Equal(t, cashBefore, tr.Cash())
	require.Equal(t, &tp, tr.Positions()[0].TakeProfit)
}

func TestBuyInsufficientCashRejected(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTracker(10)
	buy := domain.Signal{Symbol: "BTC/USD", Action: domain.ActionBuy, SizePct: 1.0, OrderType: domain.OrderTypeMarket}
	_, err := tr.ExecuteSignal(ctx, buy, 50000, 0.25, 0.4, "v1")
	require.Error(t, err)
}
