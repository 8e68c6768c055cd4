package strategyworker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/domain"
)

// fixtureBinary builds the bundled RSI reference strategy once per test
// binary invocation and returns the path to the compiled worker.
func fixtureBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fixturestrategy")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, Build(ctx, "../../cmd/fixturestrategy", bin))
	return bin
}

func syntheticMarkets() map[string]domain.SymbolData {
	now := time.Now().UTC()
	candles := make([]domain.Candle, 100)
	price := 100.0
	for i := range candles {
		price += float64(i%5) - 2
		candles[i] = domain.Candle{
			Symbol: "BTC/USD", Timeframe: "1h", Open: price, High: price + 1,
			Low: price - 1, Close: price, Volume: 10,
			Timestamp: now.Add(time.Duration(i) * time.Hour),
		}
	}
	return map[string]domain.SymbolData{
		"BTC/USD": {Symbol: "BTC/USD", CurrentPrice: price, Candles1h: candles},
	}
}

func TestSpawnInitializeAndAnalyze(t *testing.T) {
	bin := fixtureBinary(t)
	ctx := context.Background()

	w, err := Spawn(ctx, bin, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	limits := domain.RiskLimits{MaxTradePct: 0.05, MaxPositions: 5}
	require.NoError(t, w.Initialize(ctx, limits, []string{"BTC/USD"}))

	signals, err := w.Analyze(ctx, syntheticMarkets(), domain.Portfolio{Cash: 1000, TotalValue: 1000}, time.Now(), 5*time.Second)
	require.NoError(t, err)
	for _, s := range signals {
		require.GreaterOrEqual(t, s.SizePct, 0.0)
		require.LessOrEqual(t, s.SizePct, 1.0)
	}

	state, err := w.GetState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state)
}

func TestAnalyzeTimeoutKillsWorker(t *testing.T) {
	bin := fixtureBinary(t)
	ctx := context.Background()

	w, err := Spawn(ctx, bin, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Initialize(ctx, domain.RiskLimits{}, []string{"BTC/USD"}))

	_, err = w.Analyze(ctx, syntheticMarkets(), domain.Portfolio{}, time.Now(), 1*time.Nanosecond)
	require.Error(t, err)
}
