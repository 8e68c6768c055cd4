package engine

import (
	"context"
	"encoding/json"
	"time"
)

// runPositionMonitor re-prices open positions every 30 seconds and closes
// any that crossed their SL/TP threshold (spec.md §2 step 7), then does the
// same for every candidate slot.
func (e *Engine) runPositionMonitor(ctx context.Context) error {
	positions := e.tracker.Positions()
	if len(positions) == 0 && len(e.candidates.ActiveSlots()) == 0 {
		return nil
	}
	if watches := e.tracker.ConditionalOrders(); len(watches) > 0 {
		e.log.Debug().Int("watches", len(watches)).Msg("monitoring conditional orders")
	}

	prices := e.md.currentPrices(ctx, e.cfg.Markets.Symbols)
	if len(prices) == 0 {
		return nil
	}

	triggered, err := e.tracker.UpdatePrices(ctx, prices)
	if err != nil {
		e.log.Warn().Err(err).Msg("price update persist failed")
	}
	for _, hit := range triggered {
		fill, err := e.tracker.CloseByReason(ctx, hit.Tag, hit.Price,
			e.cfg.Exchange.MakerFeePct, e.cfg.Exchange.TakerFeePct, hit.Reason)
		if err != nil {
			e.log.Warn().Err(err).Str("tag", hit.Tag).Msg("sl/tp close failed")
			continue
		}
		e.notifier.StopTriggered(hit.Symbol, hit.Tag, hit.Reason, hit.Price)
		if fill.Trade != nil {
			e.risk.RecordTradeResult(fill.Trade.PnL)
			e.notifier.TradeExecuted(*fill.Trade)
		}
	}

	e.candidates.CheckSLTP(ctx, prices)

	e.checkHalts(e.tracker.TotalValue(prices))
	return nil
}

// runFeeCheck refreshes per-pair maker/taker overrides from the exchange's
// fee-schedule endpoint (spec.md §2's fee_check task). Without private
// credentials (the usual paper setup) it is a quiet no-op.
func (e *Engine) runFeeCheck(ctx context.Context) error {
	if e.cfg.ExchangeAPIKey == "" {
		e.log.Debug().Msg("no exchange credentials, skipping fee refresh")
		return nil
	}
	for _, symbol := range e.cfg.Markets.Symbols {
		fs, err := e.client.FeeSchedule(ctx, symbol)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("fee refresh failed")
			continue
		}
		schedule := feeScheduleRow(symbol, fs.MakerFeePct, fs.TakerFeePct)
		e.fees.set(schedule)
		if err := e.repo.UpsertFeeSchedule(ctx, schedule); err != nil {
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("fee persist failed")
		}
	}
	return nil
}

// runDailySnapshot writes the end-of-day performance rollup at 23:55 local
// (spec.md §4.1/§4.4) for the fund and every candidate slot.
func (e *Engine) runDailySnapshot(ctx context.Context) error {
	prices := e.md.currentPrices(ctx, e.cfg.Markets.Symbols)
	date := time.Now().In(e.tz).Format("2006-01-02")
	_, version := e.loader.Active()

	perf, err := e.tracker.SnapshotDaily(ctx, prices, date, version)
	if err != nil {
		return err
	}
	e.risk.UpdatePortfolioPeak(perf.PortfolioValue)

	e.candidates.PersistState(ctx, date)

	e.notifier.DailySummary(date, perf.NetPnL, perf.PortfolioValue, perf.TradeCount)
	if payload, err := json.Marshal(perf); err == nil {
		e.archiver.DailyPerformance(ctx, date, payload)
	}
	return nil
}

// runDailyReset zeroes the daily risk counters at local midnight; structural
// halts survive (spec.md §4.3).
func (e *Engine) runDailyReset(ctx context.Context) error {
	prices := e.md.currentPrices(ctx, e.cfg.Markets.Symbols)
	e.risk.ResetDaily()
	e.tracker.ResetDaily(prices)
	e.mu.Lock()
	e.alertedHalt = ""
	e.mu.Unlock()
	e.log.Info().Msg("daily counters reset")
	return nil
}

// runNightly fires the orchestrator's mutually exclusive cycle, bounded by
// the configured end hour so a runaway pipeline can't bleed into the
// trading day.
func (e *Engine) runNightly(ctx context.Context) error {
	now := time.Now().In(e.tz)
	end := time.Date(now.Year(), now.Month(), now.Day(), e.cfg.Orchestrator.EndHour, 0, 0, 0, e.tz)
	if end.After(now) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, end)
		defer cancel()
	}

	report := e.orch.RunNightlyCycle(ctx)
	e.log.Info().Str("report", report).Msg("nightly cycle finished")
	e.archiver.CycleReport(ctx, time.Now(), report)
	return nil
}

// runWeeklyReport aggregates the last seven daily rollups (spec.md §4.1).
func (e *Engine) runWeeklyReport(ctx context.Context) error {
	daily, err := e.repo.RecentDailyPerformance(ctx, 7)
	if err != nil {
		return err
	}
	if len(daily) == 0 {
		return nil
	}
	var pnl float64
	var trades, wins int
	for _, d := range daily {
		pnl += d.NetPnL
		trades += d.TradeCount
		wins += d.Wins
	}
	winRate := 0.0
	if trades > 0 {
		winRate = float64(wins) / float64(trades)
	}
	weekOf := time.Now().In(e.tz).Format("2006-01-02")
	e.notifier.WeeklyReport(weekOf, pnl, winRate)
	return nil
}

// runHealthCheck verifies store integrity, bounds WAL growth and logs the
// exchange stream's last-known state, grounded on the teacher's
// health_check scheduler job.
func (e *Engine) runHealthCheck(ctx context.Context) error {
	if err := e.db.HealthCheck(ctx); err != nil {
		e.notifier.SystemError("health_check", err)
		return err
	}

	health := e.cache.health()
	e.log.Info().
		Bool("ws_connected", health.WSConnected).
		Time("ws_last_message", health.WSLastMessageAt).
		Msg("exchange health")

	return e.db.WALCheckpoint("PASSIVE")
}
