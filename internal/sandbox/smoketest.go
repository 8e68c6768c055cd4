package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/strategyworker"
)

// buildTimeout bounds the compile step of a smoke test (spec.md §4.8's
// "import has its own 10-second timeout", widened for `go build` which is
// slower than a Python import).
const buildTimeout = 30 * time.Second

// callTimeout bounds the single Analyze/Run invocation.
const callTimeout = 10 * time.Second

// materialize writes code to a fresh scratch directory under baseDir and
// returns its path. The caller is responsible for removing it.
func materialize(baseDir, code string) (string, error) {
	dir := filepath.Join(baseDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("write candidate source: %w", err)
	}
	return dir, nil
}

// SmokeTestStrategy runs spec.md §4.8 stages 3-5 for the strategy variant:
// compile code (which must be a self-contained package main calling
// strategyworker.Serve from its own main, per the IO-contract rubric),
// spawn it, call Initialize then Analyze with synthetic market data for
// three symbols, and warn (without failing) on any returned signal whose
// size_pct is outside [0, 1].
// Always cleans up the scratch directory and kills the worker, even on
// failure.
func SmokeTestStrategy(ctx context.Context, baseDir, code string, limits domain.RiskLimits, log zerolog.Logger) *Result {
	r := newResult()

	dir, err := materialize(baseDir, code)
	if err != nil {
		r.fail(err.Error())
		return r
	}
	defer os.RemoveAll(dir)

	binPath := filepath.Join(dir, "worker")
	buildCtx, cancelBuild := context.WithTimeout(ctx, buildTimeout)
	defer cancelBuild()
	if err := strategyworker.Build(buildCtx, dir, binPath); err != nil {
		r.fail("compile failed: " + err.Error())
		return r
	}

	symbols := []string{"BTC/USD", "ETH/USD", "SOL/USD"}
	w, err := strategyworker.Spawn(ctx, binPath, log)
	if err != nil {
		r.fail("spawn failed: " + err.Error())
		return r
	}
	defer w.Close()

	if err := w.Initialize(ctx, limits, symbols); err != nil {
		r.fail("initialize failed: " + err.Error())
		return r
	}

	markets := syntheticMarkets(symbols)
	signals, err := w.Analyze(ctx, markets, syntheticPortfolio(), time.Now().UTC(), callTimeout)
	if err != nil {
		r.fail("analyze failed: " + err.Error())
		return r
	}
	for _, s := range signals {
		if s.SizePct < 0 || s.SizePct > 1 {
			r.warn(fmt.Sprintf("signal for %s has out-of-range size_pct %.4f", s.Symbol, s.SizePct))
		}
	}

	return r
}

// SmokeTestAnalysis runs spec.md §4.8 stage 4 for the analysis variant:
// compile code (a self-contained package main calling analysisharness.Run
// from its own main), execute it once against an empty in-memory store, and
// verify it exits cleanly and prints a JSON object.
func SmokeTestAnalysis(ctx context.Context, baseDir, code string) *Result {
	r := newResult()

	dir, err := materialize(baseDir, code)
	if err != nil {
		r.fail(err.Error())
		return r
	}
	defer os.RemoveAll(dir)

	binPath := filepath.Join(dir, "worker")
	buildCtx, cancelBuild := context.WithTimeout(ctx, buildTimeout)
	defer cancelBuild()
	if err := strategyworker.Build(buildCtx, dir, binPath); err != nil {
		r.fail("compile failed: " + err.Error())
		return r
	}

	runCtx, cancelRun := context.WithTimeout(ctx, callTimeout)
	defer cancelRun()
	out, err := runAnalysisBinary(runCtx, binPath)
	if err != nil {
		r.fail("execution failed: " + apperr.New(apperr.KindSandboxFailure, "SmokeTestAnalysis", err).Error())
		return r
	}

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		r.fail("analysis module did not print a JSON object: " + err.Error())
		return r
	}

	return r
}

func syntheticMarkets(symbols []string) map[string]domain.SymbolData {
	now := time.Now().UTC()
	out := make(map[string]domain.SymbolData, len(symbols))
	for _, symbol := range symbols {
		price := 100 + rand.Float64()*900
		candles := make([]domain.Candle, 100)
		for i := range candles {
			price += (rand.Float64() - 0.5) * 2
			candles[i] = domain.Candle{
				Symbol: symbol, Timeframe: "1h", Open: price, High: price + 1,
				Low: price - 1, Close: price, Volume: 10 + rand.Float64()*100,
				Timestamp: now.Add(time.Duration(i-100) * time.Hour),
			}
		}
		out[symbol] = domain.SymbolData{
			Symbol: symbol, CurrentPrice: price, Candles1h: candles,
			MakerFeePct: 0.25, TakerFeePct: 0.40,
		}
	}
	return out
}

func syntheticPortfolio() domain.Portfolio {
	return domain.Portfolio{Cash: 10000, TotalValue: 10000}
}
