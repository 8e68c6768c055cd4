package engine

import (
	"context"
	"time"

	"github.com/aristath/nightforge/internal/domain"
)

// runScan is the per-tick trading pipeline (spec.md §2): market snapshot →
// portfolio snapshot → strategy → risk check → execute → persist → notify,
// then the candidate runners against the same tick.
func (e *Engine) runScan(ctx context.Context) error {
	e.applyPendingReload(ctx)

	markets := e.md.buildMarkets(ctx, e.cfg.Markets.Symbols)
	if len(markets) == 0 {
		e.log.Warn().Msg("no market data this tick")
		return nil
	}
	prices := make(map[string]float64, len(markets))
	for symbol, sd := range markets {
		prices[symbol] = sd.CurrentPrice
	}
	ts := time.Now().UTC()

	adapter, version := e.loader.Active()
	if adapter != nil {
		pf, err := e.tracker.GetPortfolio(ctx, prices)
		if err != nil {
			return err
		}
		signals, err := adapter.Analyze(ctx, markets, pf, ts)
		if err != nil {
			e.log.Warn().Err(err).Msg("strategy analyze failed, skipping tick")
		} else {
			// Signals execute in the order the strategy returned them; a
			// rejection never reorders the rest (spec.md §5).
			for _, sig := range signals {
				e.processSignal(ctx, sig, markets, version)
			}
		}
	}

	e.candidates.RunScans(ctx, markets, ts)

	total := e.tracker.TotalValue(prices)
	e.risk.UpdatePortfolioPeak(total)
	e.checkHalts(total)
	return nil
}

// applyPendingReload hot-swaps the strategy worker when a promotion landed
// since the last tick, before this tick's analyze call (spec.md §5).
func (e *Engine) applyPendingReload(ctx context.Context) {
	e.mu.Lock()
	version := e.pendingReload
	e.pendingReload = ""
	e.mu.Unlock()
	if version == "" {
		return
	}
	if err := e.loader.Reload(ctx, version); err != nil {
		e.log.Error().Err(err).Str("version", version).Msg("strategy hot-reload failed")
		e.notifier.SystemError("strategy_reload", err)
		return
	}
	e.notifier.StrategyDeployed(version)
	e.archiver.StrategyCode(ctx, version, e.activeCode(ctx))
}

func (e *Engine) activeCode(ctx context.Context) string {
	active, err := e.repo.ActiveStrategy(ctx)
	if err != nil || active == nil {
		return ""
	}
	return active.Code
}

// processSignal runs one signal through risk evaluation and execution.
// Rejections persist with their reason and are otherwise silent
// (spec.md §7 RiskRejection).
func (e *Engine) processSignal(ctx context.Context, sig domain.Signal, markets map[string]domain.SymbolData, version string) {
	sd, ok := markets[sig.Symbol]
	if !ok {
		e.persistSignal(ctx, sig, false, "unknown symbol")
		return
	}
	price := sd.CurrentPrice

	total := e.tracker.TotalValue(map[string]float64{sig.Symbol: price})
	isNew := sig.Action == domain.ActionBuy && (sig.Tag == "" || !e.tracker.HasTag(sig.Tag))

	decision := e.risk.CheckSignal(
		sig,
		total,
		e.tracker.OpenPositionCount(),
		e.tracker.PositionValueForSymbol(sig.Symbol, price),
		e.tracker.DailyStartValue(),
		isNew,
	)
	if !decision.Passed {
		e.persistSignal(ctx, sig, false, decision.Reason)
		return
	}
	e.risk.ClampSignal(&sig, total)

	maker, taker := sd.MakerFeePct, sd.TakerFeePct

	adapter, _ := e.loader.Active()

	execute := func(s domain.Signal) bool {
		fill, err := e.tracker.ExecuteSignal(ctx, s, price, maker, taker, version)
		if err != nil {
			e.persistSignal(ctx, s, false, err.Error())
			return false
		}
		if fill.Trade != nil {
			e.risk.RecordTradeResult(fill.Trade.PnL)
			e.notifier.TradeExecuted(*fill.Trade)
			if adapter != nil {
				if err := adapter.OnPositionClosed(fill.Symbol, fill.Trade.PnL, fill.Trade.PnLPct, fill.Tag); err != nil {
					e.log.Debug().Err(err).Msg("strategy OnPositionClosed failed")
				}
			}
		} else if s.Action == domain.ActionBuy && adapter != nil {
			if err := adapter.OnFill(fill.Symbol, s.Action, fill.Qty, fill.Price, s.Intent, fill.Tag); err != nil {
				e.log.Debug().Err(err).Msg("strategy OnFill failed")
			}
		}
		return true
	}

	acted := false
	if sig.Action == domain.ActionClose && sig.Tag == "" {
		// CLOSE without a tag closes every open position for the symbol
		// (spec.md §4.4); fan out one exit per tag.
		for _, tag := range e.tracker.OpenTagsForSymbol(sig.Symbol) {
			scoped := sig
			scoped.Tag = tag
			if execute(scoped) {
				acted = true
			}
		}
		if !acted {
			return
		}
	} else {
		if !execute(sig) {
			return
		}
		acted = true
	}

	e.persistSignal(ctx, sig, acted, "")
}

func (e *Engine) persistSignal(ctx context.Context, sig domain.Signal, acted bool, reason string) {
	if err := e.repo.InsertSignal(ctx, sig, acted, reason); err != nil {
		e.log.Warn().Err(err).Msg("persist signal failed")
	}
}

// checkHalts surfaces a newly tripped structural halt exactly once.
func (e *Engine) checkHalts(total float64) {
	reason, halted := e.risk.CheckRollbackTriggers(total)
	if !halted {
		return
	}
	e.mu.Lock()
	already := e.alertedHalt == reason
	if !already {
		e.alertedHalt = reason
	}
	e.mu.Unlock()
	if !already {
		e.notifier.RollbackAlert(string(reason))
	}
}
