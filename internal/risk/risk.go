// Package risk implements nightforge's rigid, never-modifiable trading
// halt logic: a pure in-memory evaluator of candidate signals against hard
// limits, mutable only through its explicit recovery/reset entry points.
// Grounded on aristath-sentinel/internal/evaluation/scoring.go's pure
// evaluator-function style, adapted from scoring to pass/fail decisions.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/nightforge/internal/domain"
	"github.com/rs/zerolog"
)

// HaltReason names a structural or daily halt cause.
type HaltReason string

const (
	HaltNone             HaltReason = ""
	HaltKillSwitch       HaltReason = "kill_switch"
	HaltDailyLoss        HaltReason = "daily_loss"
	HaltDrawdown         HaltReason = "drawdown"
	HaltConsecutiveLoss  HaltReason = "consecutive_losses"
)

// structural reports whether a halt reason survives reset_daily (spec.md
// §4.3: "structural halts (drawdown, consecutive losses) persist").
func (r HaltReason) structural() bool {
	return r == HaltDrawdown || r == HaltConsecutiveLoss
}

// Decision is the outcome of CheckSignal.
type Decision struct {
	Passed bool
	Reason string
}

func pass() Decision { return Decision{Passed: true} }

func fail(reason string) Decision { return Decision{Passed: false, Reason: reason} }

// Store is the subset of the repository the risk manager needs to recover
// its counters across restarts.
type Store interface {
	MaxDailyPortfolioValue(ctx context.Context) (float64, bool, error)
	TradesClosedSince(ctx context.Context, since time.Time) ([]domain.Trade, error)
	RecentTrades(ctx context.Context, n int) ([]domain.Trade, error)
}

// Manager evaluates signals against spec.md §4.3's decision rules. All
// counters are process-local; persistence happens only via the store's
// trade/daily_performance history, recovered at Initialize.
type Manager struct {
	limits domain.RiskLimits
	log    zerolog.Logger

	dailyTrades      int
	dailyPnL         float64
	consecutiveLoss  int
	peakPortfolio    float64
	peakSet          bool
	halted           bool
	haltReason       HaltReason
}

// New constructs a Manager with the given configured limits.
func New(limits domain.RiskLimits, log zerolog.Logger) *Manager {
	return &Manager{limits: limits, log: log.With().Str("component", "risk").Logger()}
}

// Initialize recovers daily_trades, daily_pnl, consecutive_losses and
// peak_portfolio from store history (spec.md §4.3 recovery rules).
func (m *Manager) Initialize(ctx context.Context, store Store, tz *time.Location) error {
	if peak, ok, err := store.MaxDailyPortfolioValue(ctx); err != nil {
		return fmt.Errorf("recover peak portfolio: %w", err)
	} else if ok {
		m.peakPortfolio = peak
		m.peakSet = true
	}

	midnight := localMidnight(time.Now().In(tz)).UTC()
	trades, err := store.TradesClosedSince(ctx, midnight)
	if err != nil {
		return fmt.Errorf("recover daily trades: %w", err)
	}
	for _, t := range trades {
		m.dailyTrades++
		m.dailyPnL += t.PnL
	}

	recent, err := store.RecentTrades(ctx, 500)
	if err != nil {
		return fmt.Errorf("recover consecutive losses: %w", err)
	}
	streak := 0
	for _, t := range recent {
		if t.PnL < 0 {
			streak++
			continue
		}
		break
	}
	m.consecutiveLoss = streak

	m.log.Info().
		Float64("peak_portfolio", m.peakPortfolio).
		Int("daily_trades", m.dailyTrades).
		Float64("daily_pnl", m.dailyPnL).
		Int("consecutive_losses", m.consecutiveLoss).
		Msg("risk counters recovered")
	return nil
}

func localMidnight(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, t.Location())
}

func isExit(action domain.Action) bool {
	return action == domain.ActionSell || action == domain.ActionClose || action == domain.ActionModify
}

// CheckSignal evaluates a signal through every decision rule in spec.md
// §4.3's fixed order. dailyStartValue may be zero, in which case
// portfolioValue is used as the daily-loss base.
func (m *Manager) CheckSignal(
	signal domain.Signal,
	portfolioValue float64,
	openPositionCount int,
	positionValueForSymbol float64,
	dailyStartValue float64,
	isNewPosition bool,
) Decision {
	exit := isExit(signal.Action)

	// 1. Kill switch.
	if m.killSwitch() && !exit {
		return fail("Kill switch engaged")
	}

	// 2. Halted.
	if m.halted && !exit {
		return fail(fmt.Sprintf("Trading halted: %s", m.haltReason))
	}

	// 3. Daily loss.
	base := dailyStartValue
	if base <= 0 {
		base = portfolioValue
	}
	if m.dailyPnL < -m.limits.MaxDailyLossPct*base && !exit {
		return fail(fmt.Sprintf("Daily loss limit reached: %.2f%% of %.2f", m.limits.MaxDailyLossPct*100, base))
	}

	// 4. Daily trade count.
	if m.dailyTrades >= m.limits.MaxDailyTrades && !exit {
		return fail(fmt.Sprintf("Max daily trades reached: %d", m.limits.MaxDailyTrades))
	}

	// 5. Max positions (new tag only, BUY only).
	if signal.Action == domain.ActionBuy && isNewPosition && openPositionCount >= m.limits.MaxPositions {
		return fail(fmt.Sprintf("Max open positions reached: %d", m.limits.MaxPositions))
	}

	// 6. Entry size validity.
	if signal.Action == domain.ActionBuy && signal.SizePct <= 0 {
		return fail("BUY signal has non-positive size_pct")
	}

	tradeValue := portfolioValue * signal.SizePct

	// 7. Per-trade cap (entries only).
	if !exit && tradeValue > portfolioValue*m.limits.MaxTradePct {
		return fail(fmt.Sprintf("Trade value %.2f exceeds max_trade_pct of %.2f", tradeValue, portfolioValue*m.limits.MaxTradePct))
	}

	// 8. Per-symbol position cap (BUY only).
	if signal.Action == domain.ActionBuy && positionValueForSymbol+tradeValue > portfolioValue*m.limits.MaxPositionPct {
		return fail(fmt.Sprintf("Symbol exposure %.2f exceeds max_position_pct of %.2f",
			positionValueForSymbol+tradeValue, portfolioValue*m.limits.MaxPositionPct))
	}

	// 9. Drawdown halt (persistent; blocks entries, exits keep passing later).
	if m.peakSet && m.peakPortfolio > 0 {
		dd := (m.peakPortfolio - portfolioValue) / m.peakPortfolio
		if dd > m.limits.MaxDrawdownPct {
			m.setHalt(HaltDrawdown)
			if !exit {
				return fail(fmt.Sprintf("Max drawdown exceeded: %.2f%% > %.2f%%", dd*100, m.limits.MaxDrawdownPct*100))
			}
		}
	}

	// 10. Consecutive-loss halt (persistent).
	if m.consecutiveLoss >= m.limits.RollbackConsecutiveLosses {
		m.setHalt(HaltConsecutiveLoss)
		if !exit {
			return fail(fmt.Sprintf("Consecutive loss limit reached: %d", m.consecutiveLoss))
		}
	}

	return pass()
}

// killSwitch reports the operator-set flag from risk.yaml; exits still pass
// while it is engaged.
func (m *Manager) killSwitch() bool { return m.limits.KillSwitch }

func (m *Manager) setHalt(reason HaltReason) {
	if !m.halted {
		m.log.Warn().Str("reason", string(reason)).Msg("trading halted")
	}
	m.halted = true
	m.haltReason = reason
}

// ClampSignal reduces SizePct to MaxTradePct without rejecting the signal,
// per spec.md §4.3.
func (m *Manager) ClampSignal(signal *domain.Signal, portfolioValue float64) {
	maxValue := portfolioValue * m.limits.MaxTradePct
	tradeValue := portfolioValue * signal.SizePct
	if tradeValue > maxValue && portfolioValue > 0 {
		signal.SizePct = m.limits.MaxTradePct
	}
}

// RecordTradeResult updates daily_trades/daily_pnl/consecutive_losses after
// a trade closes.
func (m *Manager) RecordTradeResult(pnl float64) {
	m.dailyTrades++
	m.dailyPnL += pnl
	if pnl < 0 {
		m.consecutiveLoss++
	} else {
		m.consecutiveLoss = 0
	}
}

// ResetDaily zeroes the two daily counters and clears a halt whose reason
// is daily-loss only; structural halts survive (spec.md §4.3).
func (m *Manager) ResetDaily() {
	m.dailyTrades = 0
	m.dailyPnL = 0
	if m.halted && !m.haltReason.structural() {
		m.halted = false
		m.haltReason = HaltNone
	}
}

// UpdatePortfolioPeak raises peak_portfolio if value is a new high.
func (m *Manager) UpdatePortfolioPeak(value float64) {
	if !m.peakSet || value > m.peakPortfolio {
		m.peakPortfolio = value
		m.peakSet = true
	}
}

// CheckRollbackTriggers re-evaluates the two structural halt conditions
// against the current counters without requiring a signal, used by the
// scan and position-monitor tasks (and the backtester's per-tick loop) to
// surface a halt promptly.
func (m *Manager) CheckRollbackTriggers(portfolioValue float64) (HaltReason, bool) {
	if m.peakSet && m.peakPortfolio > 0 {
		dd := (m.peakPortfolio - portfolioValue) / m.peakPortfolio
		if dd > m.limits.MaxDrawdownPct {
			m.setHalt(HaltDrawdown)
			return HaltDrawdown, true
		}
	}
	if m.consecutiveLoss >= m.limits.RollbackConsecutiveLosses {
		m.setHalt(HaltConsecutiveLoss)
		return HaltConsecutiveLoss, true
	}
	return HaltNone, false
}

// Unhalt clears any halt unconditionally; an explicit operator action, not
// part of the normal evaluation flow.
func (m *Manager) Unhalt() {
	m.halted = false
	m.haltReason = HaltNone
}

// Snapshot reports the manager's current counters, as returned by Status.
type Snapshot struct {
	DailyTrades        int
	DailyPnL           float64
	ConsecutiveLosses  int
	PeakPortfolio      float64
	Halted             bool
	HaltReason         HaltReason
}

// Status returns a read-only view of the manager's counters.
func (m *Manager) Status() Snapshot {
	return Snapshot{
		DailyTrades:       m.dailyTrades,
		DailyPnL:          m.dailyPnL,
		ConsecutiveLosses: m.consecutiveLoss,
		PeakPortfolio:     m.peakPortfolio,
		Halted:            m.halted,
		HaltReason:        m.haltReason,
	}
}
