// Package backtest implements nightforge's deterministic multi-timeframe
// strategy replay (spec.md §4.7): same fee/slippage/risk-halt semantics as
// live trading, reproduced locally rather than by driving
// internal/portfolio.Tracker, because backtest fills need bar-level
// low/high knowledge (limit-order triggering) that the live tracker's
// current-price-only model doesn't carry. Risk halting is not
// reimplemented: this package drives the same internal/risk.Manager live
// trading uses, grounded on aristath-sentinel/internal/evaluation's
// pure-evaluator style, so a strategy that passes backtest is bound by
// exactly the rules it will meet live.
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/risk"
	"github.com/rs/zerolog"
)

// SymbolSeries bundles one symbol's three timeframes of candle history.
// Multi-timeframe mode (spec.md §4.7) is simply every field populated;
// single-timeframe mode is the degenerate case where only Candles1h holds
// data, so Run needs no runtime mode-detection branch the way the
// dynamically-typed original does.
type SymbolSeries struct {
	Candles5m []domain.Candle
	Candles1h []domain.Candle
	Candles1d []domain.Candle
}

// Config bundles the fee/slippage/risk parameters a backtest run replays
// under.
type Config struct {
	InitialCash float64
	Slippage    float64
	MakerFeePct float64
	TakerFeePct float64
	Limits      domain.RiskLimits
	Log         zerolog.Logger
}

// Result is spec.md §4.7's summary statistics block.
type Result struct {
	TradeCount     int
	Wins           int
	Losses         int
	GrossPnL       float64
	TotalFees      float64
	NetPnL         float64
	WinRate        float64
	Expectancy     float64
	ProfitFactor   float64
	MaxDrawdownPct float64
	Sharpe         float64
	LimitFillRate  float64
	StartDate      time.Time
	EndDate        time.Time
	TotalDays      int
}

// Summary renders the result as the one-line report the orchestrator's
// backtest reviewer reads.
func (r *Result) Summary() string {
	return fmt.Sprintf(
		"trades=%d wins=%d losses=%d win_rate=%.3f net_pnl=%.2f gross_pnl=%.2f fees=%.2f expectancy=%.4f profit_factor=%.2f max_drawdown=%.2f%% sharpe=%.2f limit_fill_rate=%.2f days=%d",
		r.TradeCount, r.Wins, r.Losses, r.WinRate, r.NetPnL, r.GrossPnL, r.TotalFees,
		r.Expectancy, r.ProfitFactor, r.MaxDrawdownPct*100, r.Sharpe, r.LimitFillRate, r.TotalDays)
}

const epsilon = 1e-6

// position is the backtester's own lightweight bookkeeping record; it
// mirrors domain.Position's fields but is never persisted.
type position struct {
	symbol, tag     string
	qty             float64
	avgEntry        float64
	entryFee        float64
	stopLoss        *float64
	takeProfit      *float64
	intent          domain.Intent
	openedAt        time.Time
	mae             float64
}

// closedTrade is one finished leg, accumulated for the final Result.
type closedTrade struct {
	pnl       float64
	fees      float64
	grossPnL  float64
	closedAt  time.Time
}

// engine holds all mutable state for a single Run call.
type engine struct {
	cfg       Config
	risk      *risk.Manager
	cash      float64
	positions map[string]*position
	tagSeq    map[string]int
	trades    []closedTrade
	dailyVals []float64

	limitAttempted int
	limitFilled    int

	dailyStart    float64
	currentDay    time.Time
}

// Run replays strategy against data at 1-hour resolution (spec.md §4.7).
// strategy errors on a given tick are logged and that tick is skipped
// rather than aborting the whole run.
func Run(ctx context.Context, data map[string]SymbolSeries, strategy domain.Strategy, cfg Config) (*Result, error) {
	symbols := make([]string, 0, len(data))
	for s := range data {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	if err := strategy.Initialize(cfg.Limits, symbols); err != nil {
		return nil, apperr.New(apperr.KindBacktestCrash, "backtest.Run", fmt.Errorf("strategy initialize: %w", err))
	}

	ticks := unionHourlyTimestamps(data)
	if len(ticks) == 0 {
		return nil, apperr.New(apperr.KindBacktestCrash, "backtest.Run", fmt.Errorf("no candle data supplied"))
	}

	e := &engine{
		cfg:        cfg,
		risk:       risk.New(cfg.Limits, cfg.Log),
		cash:       cfg.InitialCash,
		positions:  map[string]*position{},
		tagSeq:     map[string]int{},
		dailyStart: cfg.InitialCash,
		currentDay: dayOf(ticks[0]),
	}
	e.risk.UpdatePortfolioPeak(cfg.InitialCash)

	for _, ts := range ticks {
		if err := ctx.Err(); err != nil {
			return nil, apperr.New(apperr.KindBacktestTimeout, "backtest.Run", err)
		}
		e.tick(ctx, data, symbols, strategy, ts)
	}
	e.finalizeDay(e.totalValue(lastPrices(data, ticks[len(ticks)-1])))

	return e.result(ticks[0], ticks[len(ticks)-1]), nil
}

func (e *engine) tick(ctx context.Context, data map[string]SymbolSeries, symbols []string, strategy domain.Strategy, ts time.Time) {
	if day := dayOf(ts); !day.Equal(e.currentDay) {
		e.finalizeDay(e.totalValue(lastPrices(data, ts)))
		e.currentDay = day
		e.dailyStart = e.totalValue(lastPrices(data, ts))
		e.risk.ResetDaily()
	}

	markets := map[string]domain.SymbolData{}
	prices := map[string]float64{}
	for _, symbol := range symbols {
		sd, ok := e.buildSymbolData(data[symbol], symbol, ts)
		if !ok {
			continue
		}
		markets[symbol] = sd
		prices[symbol] = sd.CurrentPrice
	}
	if len(markets) == 0 {
		return
	}

	total := e.totalValue(prices)
	portfolio := e.buildPortfolio(prices, total)

	signals, err := e.callStrategy(ctx, strategy, markets, portfolio, ts)
	if err != nil {
		e.cfg.Log.Warn().Err(err).Time("tick", ts).Msg("strategy analyze failed, skipping tick")
	} else {
		for _, sig := range signals {
			e.applySignal(sig, markets, prices, total)
			total = e.totalValue(prices)
		}
	}

	e.monitorExits(data, symbols, ts, prices)

	total = e.totalValue(prices)
	e.risk.UpdatePortfolioPeak(total)
	e.risk.CheckRollbackTriggers(total)
}

// callStrategy isolates a strategy panic into an error, matching
// spec.md §4.7 step 3 ("on exception, log and skip the tick").
func (e *engine) callStrategy(ctx context.Context, strategy domain.Strategy, markets map[string]domain.SymbolData, portfolio domain.Portfolio, ts time.Time) (signals []domain.Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return strategy.Analyze(ctx, markets, portfolio, ts)
}

func (e *engine) totalValue(prices map[string]float64) float64 {
	total := e.cash
	for _, p := range e.positions {
		if price, ok := prices[p.symbol]; ok {
			total += p.qty * price
		}
	}
	return total
}

func (e *engine) buildPortfolio(prices map[string]float64, total float64) domain.Portfolio {
	var open []domain.OpenPosition
	for _, p := range e.positions {
		price := prices[p.symbol]
		pnl := (price - p.avgEntry) * p.qty
		pnlPct := 0.0
		if p.avgEntry > 0 {
			pnlPct = (price/p.avgEntry - 1) * 100
		}
		open = append(open, domain.OpenPosition{
			Symbol: p.symbol, Side: domain.SideLong, Qty: p.qty, AvgEntry: p.avgEntry,
			CurrentPrice: price, UnrealizedPnL: pnl, UnrealizedPnLPct: pnlPct,
			Intent: p.intent, StopLoss: p.stopLoss, TakeProfit: p.takeProfit,
			OpenedAt: p.openedAt, Tag: p.tag,
		})
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Tag < open[j].Tag })

	var dailyPnL, totalPnL, feesToday float64
	for _, t := range e.trades {
		totalPnL += t.pnl
		if dayOf(t.closedAt).Equal(e.currentDay) {
			dailyPnL += t.pnl
			feesToday += t.fees
		}
	}

	return domain.Portfolio{
		Cash: e.cash, TotalValue: total, Positions: open,
		DailyPnL: dailyPnL, TotalPnL: totalPnL, FeesToday: feesToday,
	}
}

func (e *engine) result(start, end time.Time) *Result {
	r := &Result{
		TradeCount: len(e.trades),
		StartDate:  start,
		EndDate:    end,
		TotalDays:  int(end.Sub(start).Hours()/24) + 1,
	}
	var grossWin, grossLoss float64
	for _, t := range e.trades {
		r.GrossPnL += t.grossPnL
		r.TotalFees += t.fees
		r.NetPnL += t.pnl
		if t.pnl >= 0 {
			r.Wins++
			grossWin += t.pnl
		} else {
			r.Losses++
			grossLoss += t.pnl
		}
	}
	if r.TradeCount > 0 {
		r.WinRate = float64(r.Wins) / float64(r.TradeCount)
	}
	avgWin, avgLoss := 0.0, 0.0
	if r.Wins > 0 {
		avgWin = grossWin / float64(r.Wins)
	}
	if r.Losses > 0 {
		avgLoss = grossLoss / float64(r.Losses)
	}
	r.Expectancy = r.WinRate*avgWin - (1-r.WinRate)*math.Abs(avgLoss)
	if grossLoss != 0 {
		r.ProfitFactor = grossWin / math.Abs(grossLoss)
	}
	if e.limitAttempted > 0 {
		r.LimitFillRate = float64(e.limitFilled) / float64(e.limitAttempted)
	}

	r.MaxDrawdownPct = maxDrawdown(e.dailyVals)
	r.Sharpe = sharpe(e.dailyVals)
	return r
}

func (e *engine) finalizeDay(total float64) {
	e.dailyVals = append(e.dailyVals, total)
}

func maxDrawdown(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	peak := values[0]
	worst := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func sharpe(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		returns = append(returns, (values[i]-values[i-1])/values[i-1])
	}
	if len(returns) < 2 {
		return 0
	}
	mean := stat.Mean(returns, nil)
	std := stat.StdDev(returns, nil)
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(365)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
