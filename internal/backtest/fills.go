package backtest

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aristath/nightforge/internal/domain"
)

// nextAutoTag mirrors internal/portfolio's auto-tag format so a replayed
// run's tags read the same as a live one's.
func nextAutoTag(counters map[string]int, symbol string) string {
	clean := strings.ToLower(strings.ReplaceAll(symbol, "/", "_"))
	counters[clean]++
	return fmt.Sprintf("auto_%s_%03d", clean, counters[clean])
}

func feePct(orderType domain.OrderType, makerPct, takerPct float64) float64 {
	if orderType == domain.OrderTypeLimit {
		return makerPct
	}
	return takerPct
}

// applySignal risk-checks, clamps and (if accepted) executes one strategy
// signal, mirroring the live engine's per-signal pipeline.
func (e *engine) applySignal(sig domain.Signal, markets map[string]domain.SymbolData, prices map[string]float64, total float64) {
	sd, ok := markets[sig.Symbol]
	if !ok {
		return
	}

	openCount := len(e.positions)
	var posValForSymbol float64
	for _, p := range e.positions {
		if p.symbol == sig.Symbol {
			posValForSymbol += p.qty * prices[p.symbol]
		}
	}
	_, hasTag := e.positions[sig.Tag]
	isNew := sig.Action == domain.ActionBuy && (sig.Tag == "" || !hasTag)

	decision := e.risk.CheckSignal(sig, total, openCount, posValForSymbol, e.dailyStart, isNew)
	if !decision.Passed {
		return
	}

	clamped := sig
	e.risk.ClampSignal(&clamped, total)

	switch clamped.Action {
	case domain.ActionBuy:
		e.executeBuy(clamped, sd, prices)
	case domain.ActionSell, domain.ActionClose:
		e.executeExitSignal(clamped, sd, prices, "signal")
	case domain.ActionModify:
		e.executeModify(clamped)
	}
}

// currentBar is the 1h candle covering the tick that triggered this
// signal: the last element of a symbol's history, by buildSymbolData's
// construction.
func currentBar(sd domain.SymbolData) *domain.Candle {
	if len(sd.Candles1h) == 0 {
		return nil
	}
	return &sd.Candles1h[len(sd.Candles1h)-1]
}

// limitFillPrice reports whether a LIMIT order would fill against the
// current bar (spec.md §4.7: BUY fills if the bar's low reaches the limit
// price; SELL/CLOSE fills if the bar's high does) and, if so, the fill
// price (the limit price itself; no slippage on a matched limit order).
func (e *engine) limitFillPrice(action domain.Action, sd domain.SymbolData, limitPrice float64) (float64, bool) {
	bar := currentBar(sd)
	if bar == nil {
		return 0, false
	}
	e.limitAttempted++
	if action == domain.ActionBuy {
		if bar.Low > limitPrice {
			return 0, false
		}
	} else {
		if bar.High < limitPrice {
			return 0, false
		}
	}
	e.limitFilled++
	return limitPrice, true
}

func (e *engine) marketFillPrice(action domain.Action, quoted float64) float64 {
	if action == domain.ActionBuy {
		return quoted * (1 + e.cfg.Slippage)
	}
	return quoted * (1 - e.cfg.Slippage)
}

func (e *engine) executeBuy(sig domain.Signal, sd domain.SymbolData, prices map[string]float64) {
	fill := sd.CurrentPrice
	if sig.OrderType == domain.OrderTypeLimit && sig.LimitPrice != nil {
		filled, ok := e.limitFillPrice(domain.ActionBuy, sd, *sig.LimitPrice)
		if !ok {
			return
		}
		fill = filled
	} else {
		fill = e.marketFillPrice(domain.ActionBuy, sd.CurrentPrice)
	}

	total := e.totalValue(prices)
	tradeValue := total * sig.SizePct
	pct := feePct(sig.OrderType, sd.MakerFeePct, sd.TakerFeePct)
	fee := tradeValue * pct / 100
	if e.cash < tradeValue+fee {
		e.cfg.Log.Debug().Str("symbol", sig.Symbol).Msg("backtest buy skipped: insufficient cash")
		return
	}

	qty := tradeValue / fill
	tag := sig.Tag
	if tag == "" {
		tag = nextAutoTag(e.tagSeq, sig.Symbol)
	}
	e.cash -= tradeValue + fee

	if existing, ok := e.positions[tag]; ok {
		newQty := existing.qty + qty
		existing.avgEntry = (existing.avgEntry*existing.qty + fill*qty) / newQty
		existing.qty = newQty
		existing.entryFee += fee
		if sig.StopLoss != nil {
			existing.stopLoss = sig.StopLoss
		}
		if sig.TakeProfit != nil {
			existing.takeProfit = sig.TakeProfit
		}
		return
	}
	e.positions[tag] = &position{
		symbol: sig.Symbol, tag: tag, qty: qty, avgEntry: fill, entryFee: fee,
		stopLoss: sig.StopLoss, takeProfit: sig.TakeProfit, intent: sig.Intent,
		openedAt: currentBar(sd).Timestamp,
	}
}

// tagsForSymbol returns every open tag on symbol, sorted by open time (then
// tag), for fanning a tagless CLOSE out across every position on that
// symbol or picking the FIFO-oldest one for a tagless SELL.
func (e *engine) tagsForSymbol(symbol string) []string {
	var tags []string
	for tag, p := range e.positions {
		if p.symbol == symbol {
			tags = append(tags, tag)
		}
	}
	sort.Slice(tags, func(i, j int) bool {
		a, b := e.positions[tags[i]], e.positions[tags[j]]
		if !a.openedAt.Equal(b.openedAt) {
			return a.openedAt.Before(b.openedAt)
		}
		return tags[i] < tags[j]
	})
	return tags
}

func (e *engine) executeExitSignal(sig domain.Signal, sd domain.SymbolData, prices map[string]float64, reason string) {
	if sig.Tag != "" {
		e.executeExit(sig.Tag, sig, sd, prices, reason)
		return
	}
	tags := e.tagsForSymbol(sig.Symbol)
	if sig.Action == domain.ActionSell && len(tags) > 1 {
		tags = tags[:1]
	}
	for _, tag := range tags {
		e.executeExit(tag, sig, sd, prices, reason)
	}
}

// executeExit mirrors internal/portfolio's fee-apportioned FIFO close: the
// entry fee is apportioned by the fraction of the position being closed,
// and realized PnL nets both the apportioned entry fee and the exit fee.
func (e *engine) executeExit(tag string, sig domain.Signal, sd domain.SymbolData, prices map[string]float64, reason string) {
	target, ok := e.positions[tag]
	if !ok {
		return
	}

	var fill float64
	if sig.OrderType == domain.OrderTypeLimit && sig.LimitPrice != nil {
		filled, ok := e.limitFillPrice(domain.ActionSell, sd, *sig.LimitPrice)
		if !ok {
			return
		}
		fill = filled
	} else {
		fill = e.marketFillPrice(domain.ActionSell, sd.CurrentPrice)
	}

	sizePct := sig.SizePct
	if sig.Action == domain.ActionClose || sizePct <= 0 || sizePct > 1 {
		sizePct = 1.0
	}
	// Partial-SELL quantity derives from the post-slippage fill price, same
	// as the live tracker.
	total := e.totalValue(prices)
	wantQty := total * sizePct / fill
	qty := math.Min(wantQty, target.qty)
	if sig.Action == domain.ActionClose {
		qty = target.qty
	}

	pct := feePct(sig.OrderType, sd.MakerFeePct, sd.TakerFeePct)
	sale := qty * fill
	exitFee := sale * pct / 100
	apportionedEntryFee := target.entryFee * (qty / target.qty)
	pnl := (fill-target.avgEntry)*qty - (apportionedEntryFee + exitFee)

	e.cash += sale - exitFee
	e.risk.RecordTradeResult(pnl)
	e.trades = append(e.trades, closedTrade{
		pnl: pnl, fees: apportionedEntryFee + exitFee,
		grossPnL: (fill - target.avgEntry) * qty, closedAt: currentBar(sd).Timestamp,
	})

	remaining := target.qty - qty
	if remaining <= epsilon {
		delete(e.positions, tag)
		return
	}
	target.qty = remaining
	target.entryFee -= apportionedEntryFee
}

func (e *engine) executeModify(sig domain.Signal) {
	if sig.Tag == "" {
		return
	}
	p, ok := e.positions[sig.Tag]
	if !ok {
		return
	}
	if sig.StopLoss != nil {
		p.stopLoss = sig.StopLoss
	}
	if sig.TakeProfit != nil {
		p.takeProfit = sig.TakeProfit
	}
	if sig.Intent != "" {
		p.intent = sig.Intent
	}
}

// monitorExits re-evaluates every open position's SL/TP against 5-minute
// sub-bars within the current hour when available, falling back to the
// hourly bar's own high/low (spec.md §4.7's intrabar precision rule), and
// force-closes any that trigger using the taker fee (a forced close is
// always a market fill).
func (e *engine) monitorExits(data map[string]SymbolSeries, symbols []string, ts time.Time, prices map[string]float64) {
	for _, symbol := range symbols {
		for _, tag := range e.tagsForSymbol(symbol) {
			p, ok := e.positions[tag]
			if !ok {
				continue
			}
			price, ok := prices[symbol]
			if !ok {
				continue
			}
			e.updateMAE(p, price)

			// SL/TP never trigger on the same bar the position was opened.
			if !p.openedAt.Before(ts) {
				continue
			}

			triggerPrice, reason, hit := e.resolveTrigger(data[symbol], symbol, ts, p)
			if !hit {
				continue
			}
			sd := domain.SymbolData{Symbol: symbol, CurrentPrice: triggerPrice, MakerFeePct: e.cfg.MakerFeePct, TakerFeePct: e.cfg.TakerFeePct,
				Candles1h: []domain.Candle{{Symbol: symbol, Close: triggerPrice, Timestamp: ts}}}
			closeSig := domain.Signal{Symbol: symbol, Action: domain.ActionClose, Tag: tag, OrderType: domain.OrderTypeMarket}
			e.executeExit(tag, closeSig, sd, prices, reason)
		}
	}
}

func (e *engine) updateMAE(p *position, price float64) {
	if price < p.avgEntry && p.avgEntry > 0 {
		if mae := (p.avgEntry - price) / p.avgEntry; mae > p.mae {
			p.mae = mae
		}
	}
}

// resolveTrigger checks SL/TP against each 5m sub-bar within the current
// hour in order, returning the first hit; with no sub-bar data it falls
// back to the hourly bar's low/high.
func (e *engine) resolveTrigger(series SymbolSeries, symbol string, ts time.Time, p *position) (float64, string, bool) {
	subBars := subBarsWithinHour(series.Candles5m, ts)
	if len(subBars) > 0 {
		for _, bar := range subBars {
			if price, reason, hit := checkBar(p, bar.Low, bar.High); hit {
				return price, reason, true
			}
		}
		return 0, "", false
	}
	h1 := candlesUpTo(series.Candles1h, ts)
	if len(h1) == 0 {
		return 0, "", false
	}
	bar := h1[len(h1)-1]
	return checkBar(p, bar.Low, bar.High)
}

func checkBar(p *position, low, high float64) (float64, string, bool) {
	if p.stopLoss != nil && low <= *p.stopLoss {
		return *p.stopLoss, "stop_loss", true
	}
	if p.takeProfit != nil && high >= *p.takeProfit {
		return *p.takeProfit, "take_profit", true
	}
	return 0, "", false
}
