// Package candidate implements nightforge's multi-slot isolated paper
// simulation runners (spec.md §4.5): each slot owns a private cash balance
// and tagged position set, shares the live market snapshot with the fund,
// and never touches fund state. The portfolio math is not reimplemented —
// each runner drives its own internal/portfolio.Tracker backed by the
// slot-scoped candidate_* tables (store_adapter.go), so fill/fee/slippage
// semantics are byte-for-byte the fund's.
package candidate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/portfolio"
)

// scanTimeout bounds one candidate strategy's Analyze call so a hung
// candidate can never stall the fund's scan tick.
const scanTimeout = 10 * time.Second

// pendingSignal is one buffered signal record awaiting the persist cycle.
type pendingSignal struct {
	signal         domain.Signal
	actedOn        bool
	rejectedReason string
}

// Status is a runner's cumulative performance, computed from the full trade
// history rather than the since-persist buffer so visible stats stay stable
// across persist cycles (spec.md §4.5).
type Status struct {
	Slot       int
	Version    string
	Cash       float64
	TotalValue float64
	TradeCount int
	Wins       int
	Losses     int
	TotalPnL   float64
	WinRate    float64
}

// Runner is the paper simulation engine for one candidate slot.
type Runner struct {
	slot    int
	version string
	code    string

	strategy domain.Strategy
	closer   func() error

	tracker *portfolio.Tracker
	limits  domain.RiskLimits

	makerFeePct float64
	takerFeePct float64

	mu             sync.Mutex
	pendingSignals []pendingSignal
	allTrades      []domain.Trade
	tagSeq         map[string]int
	lastPrices     map[string]float64

	createdAt time.Time
	evalDays  *int

	log zerolog.Logger
}

// RunnerConfig bundles a Runner's construction parameters.
type RunnerConfig struct {
	Slot        int
	Version     string
	Code        string
	Strategy    domain.Strategy
	Closer      func() error
	Tracker     *portfolio.Tracker
	Limits      domain.RiskLimits
	MakerFeePct float64
	TakerFeePct float64
	CreatedAt   time.Time
	EvalDays    *int
}

func newRunner(cfg RunnerConfig, log zerolog.Logger) *Runner {
	return &Runner{
		slot:        cfg.Slot,
		version:     cfg.Version,
		code:        cfg.Code,
		strategy:    cfg.Strategy,
		closer:      cfg.Closer,
		tracker:     cfg.Tracker,
		limits:      cfg.Limits,
		makerFeePct: cfg.MakerFeePct,
		takerFeePct: cfg.TakerFeePct,
		tagSeq:      make(map[string]int),
		lastPrices:  make(map[string]float64),
		createdAt:   cfg.CreatedAt,
		evalDays:    cfg.EvalDays,
		log:         log.With().Str("component", "candidate").Int("slot", cfg.Slot).Logger(),
	}
}

// tagPrefix is the slot-scoped prefix applied to every candidate position
// tag so fund and candidate tags can never collide.
func tagPrefix(slot int) string { return fmt.Sprintf("c%d_", slot) }

// nextTag generates the slot-prefixed auto tag for a BUY without one.
func (r *Runner) nextTag(symbol string) string {
	clean := strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
	r.tagSeq[symbol]++
	return fmt.Sprintf("%s%s_%03d", tagPrefix(r.slot), clean, r.tagSeq[symbol])
}

// resolveTag forces every strategy-supplied tag into this slot's namespace.
func (r *Runner) resolveTag(symbol, tag string) string {
	if tag == "" {
		return r.nextTag(symbol)
	}
	if strings.HasPrefix(tag, tagPrefix(r.slot)) {
		return tag
	}
	return tagPrefix(r.slot) + tag
}

// RunScan runs one scan tick against the shared market snapshot: invoke the
// candidate strategy, record every returned signal, and execute the valid
// ones against the slot's private cash (spec.md §4.5). The returned trades
// are the exits realized this tick.
func (r *Runner) RunScan(ctx context.Context, markets map[string]domain.SymbolData, ts time.Time) ([]domain.Trade, error) {
	prices := make(map[string]float64, len(markets))
	for symbol, sd := range markets {
		prices[symbol] = sd.CurrentPrice
	}
	r.mu.Lock()
	for s, p := range prices {
		r.lastPrices[s] = p
	}
	r.mu.Unlock()

	pf, err := r.tracker.GetPortfolio(ctx, prices)
	if err != nil {
		return nil, fmt.Errorf("build portfolio snapshot: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	signals, err := r.strategy.Analyze(callCtx, markets, pf, ts)
	if err != nil {
		return nil, fmt.Errorf("candidate analyze: %w", err)
	}

	var executed []domain.Trade
	for _, sig := range signals {
		trades := r.applySignal(ctx, sig, markets)
		executed = append(executed, trades...)
	}
	return executed, nil
}

// applySignal validates, clamps and executes one signal, recording it in
// the pending-signal buffer regardless of outcome.
func (r *Runner) applySignal(ctx context.Context, sig domain.Signal, markets map[string]domain.SymbolData) []domain.Trade {
	record := func(acted bool, reason string) {
		r.mu.Lock()
		r.pendingSignals = append(r.pendingSignals, pendingSignal{signal: sig, actedOn: acted, rejectedReason: reason})
		r.mu.Unlock()
	}

	sd, ok := markets[sig.Symbol]
	if !ok {
		record(false, "unknown symbol")
		return nil
	}
	if sd.CurrentPrice <= 0 {
		record(false, "invalid price")
		return nil
	}
	switch sig.Action {
	case domain.ActionBuy, domain.ActionSell, domain.ActionClose, domain.ActionModify:
	default:
		record(false, fmt.Sprintf("invalid action %q", sig.Action))
		return nil
	}

	// Clamp entries to the configured per-trade cap instead of rejecting.
	if sig.Action == domain.ActionBuy && sig.SizePct > r.limits.MaxTradePct {
		sig.SizePct = r.limits.MaxTradePct
	}

	maker, taker := sd.MakerFeePct, sd.TakerFeePct
	if maker <= 0 {
		maker = r.makerFeePct
	}
	if taker <= 0 {
		taker = r.takerFeePct
	}

	var trades []domain.Trade
	var execErr error
	switch {
	case sig.Action == domain.ActionClose && sig.Tag == "":
		// Tagless CLOSE closes every open position for the symbol.
		tags := r.tracker.OpenTagsForSymbol(sig.Symbol)
		if len(tags) == 0 {
			record(false, "no open position")
			return nil
		}
		for _, tag := range tags {
			scoped := sig
			scoped.Tag = tag
			fill, err := r.tracker.ExecuteSignal(ctx, scoped, sd.CurrentPrice, maker, taker, r.version)
			if err != nil {
				execErr = err
				break
			}
			if fill.Trade != nil {
				trades = append(trades, *fill.Trade)
			}
		}
	default:
		scoped := sig
		if sig.Action == domain.ActionBuy {
			scoped.Tag = r.resolveTag(sig.Symbol, sig.Tag)
		} else if sig.Tag != "" {
			scoped.Tag = r.resolveTag(sig.Symbol, sig.Tag)
		}
		fill, err := r.tracker.ExecuteSignal(ctx, scoped, sd.CurrentPrice, maker, taker, r.version)
		if err != nil {
			execErr = err
		} else if fill.Trade != nil {
			trades = append(trades, *fill.Trade)
		}
	}

	if execErr != nil {
		record(false, execErr.Error())
		return nil
	}

	record(true, "")
	r.mu.Lock()
	r.allTrades = append(r.allTrades, trades...)
	r.mu.Unlock()
	return trades
}

// CheckSLTP mirrors the fund's SL/TP monitoring against this slot's private
// positions, closing any that crossed their threshold.
func (r *Runner) CheckSLTP(ctx context.Context, prices map[string]float64) ([]domain.Trade, error) {
	r.mu.Lock()
	for s, p := range prices {
		r.lastPrices[s] = p
	}
	r.mu.Unlock()

	triggered, err := r.tracker.UpdatePrices(ctx, prices)
	if err != nil {
		return nil, err
	}
	var closed []domain.Trade
	for _, hit := range triggered {
		fill, err := r.tracker.CloseByReason(ctx, hit.Tag, hit.Price, r.makerFeePct, r.takerFeePct, hit.Reason)
		if err != nil {
			r.log.Warn().Err(err).Str("tag", hit.Tag).Msg("candidate sl/tp close failed")
			continue
		}
		if fill.Trade != nil {
			closed = append(closed, *fill.Trade)
		}
	}
	r.mu.Lock()
	r.allTrades = append(r.allTrades, closed...)
	r.mu.Unlock()
	return closed, nil
}

// Status reports cumulative stats from the full trade history.
func (r *Runner) Status() Status {
	r.mu.Lock()
	trades := r.allTrades
	prices := make(map[string]float64, len(r.lastPrices))
	for s, p := range r.lastPrices {
		prices[s] = p
	}
	r.mu.Unlock()

	s := Status{
		Slot:       r.slot,
		Version:    r.version,
		Cash:       r.tracker.Cash(),
		TotalValue: r.tracker.TotalValue(prices),
		TradeCount: len(trades),
	}
	for _, t := range trades {
		s.TotalPnL += t.PnL
		if t.PnL >= 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if s.TradeCount > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TradeCount)
	}
	return s
}

// drainPendingSignals returns and clears the since-persist signal buffer.
func (r *Runner) drainPendingSignals() []pendingSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pendingSignals
	r.pendingSignals = nil
	return out
}

// Code returns the candidate's strategy source, needed at promotion.
func (r *Runner) Code() string { return r.code }

// Version returns the candidate's strategy version label.
func (r *Runner) Version() string { return r.version }

// ExpiresAt returns when the evaluation window ends, or zero when open-ended.
func (r *Runner) ExpiresAt() time.Time {
	if r.evalDays == nil {
		return time.Time{}
	}
	return r.createdAt.AddDate(0, 0, *r.evalDays)
}

// Close shuts the candidate's strategy worker down. Idempotent.
func (r *Runner) Close() error {
	if r.closer == nil {
		return nil
	}
	closer := r.closer
	r.closer = nil
	return closer()
}
