// Package portfolio implements nightforge's cash + tagged-position tracker:
// fee-accurate FIFO execution of BUY/SELL/CLOSE/MODIFY signals in paper or
// live mode, and SL/TP monitoring. Grounded on
// aristath-sentinel/trader-go/internal/modules/portfolio (repository/upsert
// shape) generalized from a symbol-keyed single position to nightforge's
// tag-keyed multi-position model (spec.md §3/§4.4).
package portfolio

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/rs/zerolog"
)

const epsilon = 1e-6

// Store is the subset of the repository the tracker persists through.
type Store interface {
	UpsertPosition(ctx context.Context, p domain.Position) error
	DeletePosition(ctx context.Context, tag string) error
	ListPositions(ctx context.Context) ([]domain.Position, error)
	InsertTrade(ctx context.Context, t domain.Trade) error
	RecentTrades(ctx context.Context, n int) ([]domain.Trade, error)
	UpsertDailyPerformance(ctx context.Context, d domain.DailyPerformance) error
}

// LiveExecutor routes a signal to the real exchange in live mode. Paper mode
// never calls it.
type LiveExecutor interface {
	PlaceOrder(ctx context.Context, symbol string, side domain.Action, orderType domain.OrderType, qty float64, limitPrice *float64) (fillPrice, filledQty, feePaid float64, err error)
}

// Fill is the outcome of a successfully executed BUY/SELL/CLOSE.
type Fill struct {
	Trade   *domain.Trade // nil for BUY (no trade closes on entry)
	Tag     string
	Symbol  string
	Action  domain.Action
	Qty     float64
	Price   float64
	Fee     float64
}

// TriggeredExit is one SL/TP hit surfaced by UpdatePrices.
type TriggeredExit struct {
	Symbol string
	Tag    string
	Reason string // "stop_loss" | "take_profit"
	Price  float64
}

// Tracker owns cash and every open tagged position for one account (the
// fund, or — when constructed standalone by internal/candidate — a paper
// candidate slot).
type Tracker struct {
	mu sync.Mutex

	cash            float64
	positions       map[string]*domain.Position // keyed by tag
	dailyStartValue float64
	tagCounters     map[string]int

	mode            config.Mode
	slippage        float64
	liveExecutor    LiveExecutor
	store           Store
	log             zerolog.Logger
	tz              *time.Location
}

// Config bundles the Tracker's construction-time parameters.
type Config struct {
	InitialCash float64
	Mode        config.Mode
	Slippage    float64
	Store       Store
	LiveExec    LiveExecutor
	TZ          *time.Location
}

// New constructs a Tracker with the given starting cash.
func New(cfg Config, log zerolog.Logger) *Tracker {
	tz := cfg.TZ
	if tz == nil {
		tz = time.UTC
	}
	return &Tracker{
		cash:         cfg.InitialCash,
		positions:    make(map[string]*domain.Position),
		mode:         cfg.Mode,
		slippage:     cfg.Slippage,
		liveExecutor: cfg.LiveExec,
		store:        cfg.Store,
		tz:           tz,
		tagCounters:  make(map[string]int),
		log:          log.With().Str("component", "portfolio").Logger(),
	}
}

// Initialize loads open positions from the store, used at startup.
func (t *Tracker) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	positions, err := t.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for i := range positions {
		p := positions[i]
		t.positions[p.Tag] = &p
	}
	t.dailyStartValue = t.totalValueLocked(nil)
	return nil
}

// TotalValue returns cash + mark-to-market of open positions given a price
// map (symbol -> last price). Positions whose symbol is absent from prices
// keep their last-known CurrentPrice.
func (t *Tracker) TotalValue(prices map[string]float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalValueLocked(prices)
}

func (t *Tracker) totalValueLocked(prices map[string]float64) float64 {
	total := t.cash
	for _, p := range t.positions {
		price := p.CurrentPrice
		if prices != nil {
			if v, ok := prices[p.Symbol]; ok {
				price = v
			}
		}
		total += p.Qty * price
	}
	return total
}

// OpenPositionCount returns the number of currently open tags.
func (t *Tracker) OpenPositionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// PositionValueForSymbol sums qty*currentPrice across every tag on symbol.
func (t *Tracker) PositionValueForSymbol(symbol string, price float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total float64
	for _, p := range t.positions {
		if p.Symbol == symbol {
			total += p.Qty * price
		}
	}
	return total
}

// HasTag reports whether an open position with the given tag exists.
func (t *Tracker) HasTag(tag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.positions[tag]
	return ok
}

// GetPortfolio builds the read-only Portfolio snapshot handed to strategies.
func (t *Tracker) GetPortfolio(ctx context.Context, prices map[string]float64) (domain.Portfolio, error) {
	t.mu.Lock()
	total := t.totalValueLocked(prices)
	var open []domain.OpenPosition
	for _, p := range t.positions {
		price := p.CurrentPrice
		if v, ok := prices[p.Symbol]; ok {
			price = v
		}
		pnl := (price - p.AvgEntry) * p.Qty
		pnlPct := 0.0
		if p.AvgEntry > 0 {
			pnlPct = (price/p.AvgEntry - 1) * 100
		}
		open = append(open, domain.OpenPosition{
			Symbol: p.Symbol, Side: p.Side, Qty: p.Qty, AvgEntry: p.AvgEntry,
			CurrentPrice: price, UnrealizedPnL: pnl, UnrealizedPnLPct: pnlPct,
			Intent: p.Intent, StopLoss: p.StopLoss, TakeProfit: p.TakeProfit,
			OpenedAt: p.OpenedAt, Tag: p.Tag,
		})
	}
	cash := t.cash
	t.mu.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].Tag < open[j].Tag })

	recent, err := t.store.RecentTrades(ctx, 100)
	if err != nil {
		return domain.Portfolio{}, fmt.Errorf("recent trades: %w", err)
	}
	var closed []domain.ClosedTrade
	var dailyPnL, totalPnL, feesToday float64
	today := time.Now().In(t.tz)
	for _, tr := range recent {
		totalPnL += tr.PnL
		if sameLocalDay(tr.ClosedAt.In(t.tz), today) {
			dailyPnL += tr.PnL
			feesToday += tr.Fees
		}
		closed = append(closed, domain.ClosedTrade{
			Symbol: tr.Symbol, Side: tr.Side, Qty: tr.Qty, EntryPrice: tr.EntryPrice,
			ExitPrice: tr.ExitPrice, PnL: tr.PnL, PnLPct: tr.PnLPct, Fees: tr.Fees,
			Intent: tr.Intent, OpenedAt: tr.OpenedAt, ClosedAt: tr.ClosedAt,
		})
	}

	return domain.Portfolio{
		Cash: cash, TotalValue: total, Positions: open, RecentTrades: closed,
		DailyPnL: dailyPnL, TotalPnL: totalPnL, FeesToday: feesToday,
	}, nil
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// DailyStartValue returns the portfolio value recorded at the last daily
// snapshot, used as the risk manager's daily-loss base.
func (t *Tracker) DailyStartValue() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dailyStartValue
}

// fillPrice applies symmetric paper slippage: BUY fills above market,
// SELL/CLOSE fills below (spec.md §4.4).
func (t *Tracker) fillPrice(action domain.Action, quoted, overrideSlippage float64, hasOverride bool) float64 {
	s := t.slippage
	if hasOverride {
		s = overrideSlippage
	}
	if action == domain.ActionBuy {
		return quoted * (1 + s)
	}
	return quoted * (1 - s)
}

func feePct(orderType domain.OrderType, makerPct, takerPct float64) float64 {
	if orderType == domain.OrderTypeLimit {
		return makerPct
	}
	return takerPct
}

func nextAutoTag(counters map[string]int, symbol string) string {
	clean := strings.ToLower(strings.ReplaceAll(symbol, "/", "_"))
	counters[clean]++
	return fmt.Sprintf("auto_%s_%03d", clean, counters[clean])
}

// ExecuteSignal executes an already risk-approved signal and returns the
// resulting Fill. For BUY/MODIFY the Trade field is nil; for SELL/CLOSE it
// is populated with the realized trade.
func (t *Tracker) ExecuteSignal(
	ctx context.Context,
	signal domain.Signal,
	currentPrice float64,
	makerFeePct, takerFeePct float64,
	strategyVersion string,
) (*Fill, error) {
	switch signal.Action {
	case domain.ActionBuy:
		return t.executeBuy(ctx, signal, currentPrice, makerFeePct, takerFeePct, strategyVersion)
	case domain.ActionSell, domain.ActionClose:
		return t.executeExit(ctx, signal, currentPrice, makerFeePct, takerFeePct, "signal")
	case domain.ActionModify:
		return t.executeModify(ctx, signal)
	default:
		return nil, apperr.New(apperr.KindRiskRejection, "ExecuteSignal", fmt.Errorf("unknown action %q", signal.Action))
	}
}

func (t *Tracker) executeBuy(ctx context.Context, signal domain.Signal, currentPrice, makerFeePct, takerFeePct float64, strategyVersion string) (*Fill, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	totalValue := t.totalValueLocked(nil)
	tradeValue := totalValue * signal.SizePct
	fill := currentPrice
	if t.mode == config.ModePaper {
		var override float64
		hasOverride := signal.SlippageTolerance != nil
		if hasOverride {
			override = *signal.SlippageTolerance
		}
		fill = t.fillPrice(domain.ActionBuy, currentPrice, override, hasOverride)
	}
	pct := feePct(signal.OrderType, makerFeePct, takerFeePct)
	fee := tradeValue * pct / 100

	if t.cash < tradeValue+fee {
		return nil, apperr.New(apperr.KindRiskRejection, "executeBuy", fmt.Errorf("insufficient cash: need %.2f, have %.2f", tradeValue+fee, t.cash))
	}

	qty := tradeValue / fill
	tag := signal.Tag
	if tag == "" {
		tag = nextAutoTag(t.tagCounters, signal.Symbol)
	}

	t.cash -= tradeValue + fee

	if existing, ok := t.positions[tag]; ok {
		newQty := existing.Qty + qty
		existing.AvgEntry = (existing.AvgEntry*existing.Qty + fill*qty) / newQty
		existing.Qty = newQty
		existing.EntryFee += fee
		existing.CurrentPrice = currentPrice
		if signal.StopLoss != nil {
			existing.StopLoss = signal.StopLoss
		}
		if signal.TakeProfit != nil {
			existing.TakeProfit = signal.TakeProfit
		}
		if err := t.store.UpsertPosition(ctx, *existing); err != nil {
			return nil, fmt.Errorf("persist averaged position: %w", err)
		}
	} else {
		p := domain.Position{
			Symbol: signal.Symbol, Tag: tag, Side: domain.SideLong, Qty: qty,
			AvgEntry: fill, CurrentPrice: currentPrice, EntryFee: fee,
			StopLoss: signal.StopLoss, TakeProfit: signal.TakeProfit,
			Intent: signal.Intent, StrategyVersion: strategyVersion,
			OpenedAt: time.Now().UTC(),
		}
		t.positions[tag] = &p
		if err := t.store.UpsertPosition(ctx, p); err != nil {
			return nil, fmt.Errorf("persist new position: %w", err)
		}
	}

	return &Fill{Tag: tag, Symbol: signal.Symbol, Action: domain.ActionBuy, Qty: qty, Price: fill, Fee: fee}, nil
}

// resolveExitTarget finds the position a SELL/CLOSE should act on: by tag if
// given, else FIFO oldest open position for the symbol (SELL), or every
// position for the symbol (CLOSE without tag, handled by caller).
func (t *Tracker) resolveExitTarget(symbol, tag string) *domain.Position {
	if tag != "" {
		return t.positions[tag]
	}
	var oldest *domain.Position
	for _, p := range t.positions {
		if p.Symbol != symbol {
			continue
		}
		if oldest == nil || p.OpenedAt.Before(oldest.OpenedAt) {
			oldest = p
		}
	}
	return oldest
}

func (t *Tracker) executeExit(ctx context.Context, signal domain.Signal, currentPrice, makerFeePct, takerFeePct float64, reason string) (*Fill, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// CLOSE with no tag closes every open position for the symbol; caller
	// (engine) fans this out per-tag by calling ExecuteSignal once per open
	// tag, so here we only ever close a single resolved target.
	target := t.resolveExitTarget(signal.Symbol, signal.Tag)
	if target == nil {
		return nil, apperr.New(apperr.KindRiskRejection, "executeExit", fmt.Errorf("no open position for %s tag=%q", signal.Symbol, signal.Tag))
	}

	sizePct := signal.SizePct
	if signal.Action == domain.ActionClose || sizePct <= 0 || sizePct > 1 {
		sizePct = 1.0
	}

	fill := currentPrice
	if t.mode == config.ModePaper {
		var override float64
		hasOverride := signal.SlippageTolerance != nil
		if hasOverride {
			override = *signal.SlippageTolerance
		}
		fill = t.fillPrice(domain.ActionSell, currentPrice, override, hasOverride)
	}

	// Partial-SELL quantity derives from the post-slippage fill price:
	// qty = min(total_value × size_pct / fill_price, position.qty).
	totalValue := t.totalValueLocked(nil)
	wantQty := totalValue * sizePct / fill
	qty := math.Min(wantQty, target.Qty)
	if signal.Action == domain.ActionClose {
		qty = target.Qty
	}
	pct := feePct(signal.OrderType, makerFeePct, takerFeePct)
	sale := qty * fill
	exitFee := sale * pct / 100
	apportionedEntryFee := target.EntryFee * (qty / target.Qty)

	pnl := (fill-target.AvgEntry)*qty - (apportionedEntryFee + exitFee)
	pnlPct := 0.0
	if target.AvgEntry > 0 {
		pnlPct = (fill/target.AvgEntry - 1) * 100
	}

	t.cash += sale - exitFee

	trade := domain.Trade{
		Symbol: target.Symbol, Tag: target.Tag, Side: target.Side, Qty: qty,
		EntryPrice: target.AvgEntry, ExitPrice: fill, PnL: pnl, PnLPct: pnlPct,
		Fees: apportionedEntryFee + exitFee, Intent: target.Intent,
		StrategyVersion: target.StrategyVersion, CloseReason: reason,
		OpenedAt: target.OpenedAt, ClosedAt: time.Now().UTC(),
		MaxAdverseExcursion: target.MaxAdverseExcursion,
	}
	if err := t.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("persist trade: %w", err)
	}

	remaining := target.Qty - qty
	if remaining <= epsilon {
		delete(t.positions, target.Tag)
		if err := t.store.DeletePosition(ctx, target.Tag); err != nil {
			return nil, fmt.Errorf("delete closed position: %w", err)
		}
	} else {
		target.Qty = remaining
		target.EntryFee -= apportionedEntryFee
		target.CurrentPrice = currentPrice
		if err := t.store.UpsertPosition(ctx, *target); err != nil {
			return nil, fmt.Errorf("persist reduced position: %w", err)
		}
	}

	return &Fill{Trade: &trade, Tag: target.Tag, Symbol: target.Symbol, Action: signal.Action, Qty: qty, Price: fill, Fee: exitFee}, nil
}

func (t *Tracker) executeModify(ctx context.Context, signal domain.Signal) (*Fill, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if signal.Tag == "" {
		return nil, apperr.New(apperr.KindRiskRejection, "executeModify", fmt.Errorf("MODIFY requires a tag"))
	}
	p, ok := t.positions[signal.Tag]
	if !ok {
		return nil, apperr.New(apperr.KindRiskRejection, "executeModify", fmt.Errorf("no open position with tag %q", signal.Tag))
	}
	if signal.StopLoss != nil {
		p.StopLoss = signal.StopLoss
	}
	if signal.TakeProfit != nil {
		p.TakeProfit = signal.TakeProfit
	}
	if signal.Intent != "" {
		p.Intent = signal.Intent
	}
	if err := t.store.UpsertPosition(ctx, *p); err != nil {
		return nil, fmt.Errorf("persist modified position: %w", err)
	}
	return &Fill{Tag: p.Tag, Symbol: p.Symbol, Action: domain.ActionModify}, nil
}

// OpenTagsForSymbol returns every open tag for symbol, used by the engine to
// fan a tagless CLOSE out into one executeExit call per tag.
func (t *Tracker) OpenTagsForSymbol(symbol string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tags []string
	for tag, p := range t.positions {
		if p.Symbol == symbol {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// UpdatePrices advances MaxAdverseExcursion and evaluates SL/TP for every
// open position against the given price map, returning every triggered
// exit. The caller (engine) is responsible for issuing the CLOSE signals
// this implies.
func (t *Tracker) UpdatePrices(ctx context.Context, prices map[string]float64) ([]TriggeredExit, error) {
	t.mu.Lock()
	var triggered []TriggeredExit
	var toPersist []domain.Position
	for _, p := range t.positions {
		price, ok := prices[p.Symbol]
		if !ok {
			continue
		}
		p.CurrentPrice = price
		p.UnrealizedPnL = (price - p.AvgEntry) * p.Qty
		if p.AvgEntry > 0 {
			p.UnrealizedPnLPct = (price/p.AvgEntry - 1) * 100
		}
		if price < p.AvgEntry && p.AvgEntry > 0 {
			mae := (p.AvgEntry - price) / p.AvgEntry
			if mae > p.MaxAdverseExcursion {
				p.MaxAdverseExcursion = mae
			}
		}
		toPersist = append(toPersist, *p)

		if p.StopLoss != nil && price <= *p.StopLoss {
			triggered = append(triggered, TriggeredExit{Symbol: p.Symbol, Tag: p.Tag, Reason: "stop_loss", Price: *p.StopLoss})
		} else if p.TakeProfit != nil && price >= *p.TakeProfit {
			triggered = append(triggered, TriggeredExit{Symbol: p.Symbol, Tag: p.Tag, Reason: "take_profit", Price: *p.TakeProfit})
		}
	}
	t.mu.Unlock()

	for _, p := range toPersist {
		if err := t.store.UpsertPosition(ctx, p); err != nil {
			return triggered, fmt.Errorf("persist price update for %s: %w", p.Tag, err)
		}
	}
	return triggered, nil
}

// ConditionalOrders lists the SL/TP watches attached to open positions,
// monitored in-process by the position monitor rather than placed on the
// exchange's conditional-order book.
func (t *Tracker) ConditionalOrders() []domain.ConditionalOrder {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.ConditionalOrder
	for _, p := range t.positions {
		if p.StopLoss == nil && p.TakeProfit == nil {
			continue
		}
		out = append(out, domain.ConditionalOrder{
			Symbol: p.Symbol, Tag: p.Tag, StopLoss: p.StopLoss, TakeProfit: p.TakeProfit,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// CloseByReason force-closes one tagged position with an explicit
// close_reason (stop_loss, take_profit, emergency, reconciliation), used by
// the position monitor after UpdatePrices reports a trigger.
func (t *Tracker) CloseByReason(ctx context.Context, tag string, price float64, makerFeePct, takerFeePct float64, reason string) (*Fill, error) {
	t.mu.Lock()
	p, ok := t.positions[tag]
	t.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.KindRiskRejection, "CloseByReason", fmt.Errorf("no open position with tag %q", tag))
	}
	signal := domain.Signal{Symbol: p.Symbol, Action: domain.ActionClose, Tag: tag, OrderType: domain.OrderTypeMarket}
	return t.executeExit(ctx, signal, price, makerFeePct, takerFeePct, reason)
}

// SnapshotDaily recomputes total_value, aggregates today's trades and
// upserts the DailyPerformance row, then resets daily_start_value to the
// fresh total (spec.md §4.4).
func (t *Tracker) SnapshotDaily(ctx context.Context, prices map[string]float64, date string, strategyVersion string) (domain.DailyPerformance, error) {
	total := t.TotalValue(prices)

	recent, err := t.store.RecentTrades(ctx, 1000)
	if err != nil {
		return domain.DailyPerformance{}, fmt.Errorf("recent trades: %w", err)
	}

	today := time.Now().In(t.tz)
	var wins, losses int
	var gross, net, fees float64
	var count int
	for _, tr := range recent {
		if !sameLocalDay(tr.ClosedAt.In(t.tz), today) {
			continue
		}
		count++
		net += tr.PnL
		gross += tr.PnL + tr.Fees
		fees += tr.Fees
		if tr.PnL >= 0 {
			wins++
		} else {
			losses++
		}
	}
	winRate := 0.0
	if count > 0 {
		winRate = float64(wins) / float64(count)
	}

	t.mu.Lock()
	cash := t.cash
	t.mu.Unlock()

	perf := domain.DailyPerformance{
		Date: date, PortfolioValue: total, Cash: cash, TradeCount: count,
		Wins: wins, Losses: losses, GrossPnL: gross, NetPnL: net, FeesTotal: fees,
		WinRate: winRate, StrategyVersion: strategyVersion,
	}
	if err := t.store.UpsertDailyPerformance(ctx, perf); err != nil {
		return perf, fmt.Errorf("upsert daily performance: %w", err)
	}

	t.mu.Lock()
	t.dailyStartValue = total
	t.mu.Unlock()
	return perf, nil
}

// ResetDaily re-bases daily_start_value to the current total value; called
// from the daily_reset job alongside the risk manager's own ResetDaily.
func (t *Tracker) ResetDaily(prices map[string]float64) {
	total := t.TotalValue(prices)
	t.mu.Lock()
	t.dailyStartValue = total
	t.mu.Unlock()
}

// Cash returns the current cash balance.
func (t *Tracker) Cash() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cash
}

// Positions returns a snapshot copy of every open position.
func (t *Tracker) Positions() []domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
