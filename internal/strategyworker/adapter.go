package strategyworker

import (
	"context"
	"time"

	"github.com/aristath/nightforge/internal/domain"
)

// Adapter wraps a Worker so callers that want the plain domain.Strategy
// interface (the candidate runners, the backtester) can drive an
// out-of-process strategy without caring where it runs.
type Adapter struct {
	w           *Worker
	callTimeout time.Duration
}

// Adapt wraps w with the given Analyze timeout (<= 0 uses
// DefaultCallTimeout).
func Adapt(w *Worker, callTimeout time.Duration) *Adapter {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Adapter{w: w, callTimeout: callTimeout}
}

// Close shuts the underlying worker process down.
func (a *Adapter) Close() error { return a.w.Close() }

func (a *Adapter) Initialize(limits domain.RiskLimits, symbols []string) error {
	return a.w.Initialize(context.Background(), limits, symbols)
}

func (a *Adapter) Analyze(ctx context.Context, markets map[string]domain.SymbolData, portfolio domain.Portfolio, timestamp time.Time) ([]domain.Signal, error) {
	return a.w.Analyze(ctx, markets, portfolio, timestamp, a.callTimeout)
}

func (a *Adapter) OnFill(symbol string, action domain.Action, qty, price float64, intent domain.Intent, tag string) error {
	return a.w.OnFill(context.Background(), symbol, action, qty, price, intent, tag)
}

func (a *Adapter) OnPositionClosed(symbol string, pnl, pnlPct float64, tag string) error {
	return a.w.OnPositionClosed(context.Background(), symbol, pnl, pnlPct, tag)
}

func (a *Adapter) GetState() (map[string]any, error) {
	return a.w.GetState(context.Background())
}

func (a *Adapter) LoadState(state map[string]any) error {
	return a.w.LoadState(context.Background(), state)
}

func (a *Adapter) ScanIntervalMinutes() int {
	minutes, err := a.w.ScanIntervalMinutes(context.Background())
	if err != nil || minutes <= 0 {
		return 5
	}
	return minutes
}
