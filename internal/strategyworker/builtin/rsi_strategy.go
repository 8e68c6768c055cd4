// Package builtin is a small, known-good RSI mean-reversion strategy bundled
// with nightforge as a reference fixture: the sandbox's self-test and the
// worker integration tests build and run it rather than relying on
// externally generated code being available. Grounded on
// aristath-sentinel/trader-go/pkg/formulas/rsi.go's go-talib usage.
package builtin

import (
	"context"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/aristath/nightforge/internal/domain"
)

const (
	rsiPeriod    = 14
	oversold     = 30.0
	overbought   = 70.0
	defaultSize  = 0.02
)

// RSIStrategy buys when the 1h RSI crosses below oversold and closes when it
// crosses back above overbought. It holds no state beyond the limits it was
// initialized with, so GetState/LoadState are no-ops.
type RSIStrategy struct {
	limits  domain.RiskLimits
	symbols []string
}

// New constructs the bundled reference strategy.
func New() domain.Strategy {
	return &RSIStrategy{}
}

func (s *RSIStrategy) Initialize(limits domain.RiskLimits, symbols []string) error {
	s.limits = limits
	s.symbols = symbols
	return nil
}

func (s *RSIStrategy) Analyze(_ context.Context, markets map[string]domain.SymbolData, portfolio domain.Portfolio, _ time.Time) ([]domain.Signal, error) {
	var signals []domain.Signal
	for symbol, data := range markets {
		closes := closePrices(data.Candles1h)
		if len(closes) < rsiPeriod+1 {
			continue
		}
		rsi := talib.Rsi(closes, rsiPeriod)
		last := rsi[len(rsi)-1]
		if last != last { // NaN
			continue
		}

		held := heldTag(portfolio, symbol)
		switch {
		case last < oversold && held == "":
			signals = append(signals, domain.Signal{
				Symbol: symbol, Action: domain.ActionBuy, SizePct: defaultSize,
				OrderType: domain.OrderTypeMarket, Intent: domain.IntentSwing,
				Confidence: (oversold - last) / oversold,
				Reasoning:  "RSI oversold",
			})
		case last > overbought && held != "":
			signals = append(signals, domain.Signal{
				Symbol: symbol, Action: domain.ActionClose, Tag: held,
				OrderType: domain.OrderTypeMarket, Intent: domain.IntentSwing,
				Confidence: (last - overbought) / (100 - overbought),
				Reasoning:  "RSI overbought",
			})
		}
	}
	return signals, nil
}

func closePrices(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func heldTag(p domain.Portfolio, symbol string) string {
	for _, pos := range p.Positions {
		if pos.Symbol == symbol {
			return pos.Tag
		}
	}
	return ""
}

func (s *RSIStrategy) OnFill(string, domain.Action, float64, float64, domain.Intent, string) error {
	return nil
}

func (s *RSIStrategy) OnPositionClosed(string, float64, float64, string) error { return nil }

func (s *RSIStrategy) GetState() (map[string]any, error) { return map[string]any{}, nil }

func (s *RSIStrategy) LoadState(map[string]any) error { return nil }

func (s *RSIStrategy) ScanIntervalMinutes() int { return 5 }
