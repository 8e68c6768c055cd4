package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// analysisTimeout bounds each analysis module's run; a timeout produces an
// error stub in the context rather than aborting the cycle (spec.md §4.6
// step 2).
const analysisTimeout = 30 * time.Second

// gatherContext assembles the five labeled sections the nightly analysis
// call reasons over (spec.md §4.6 step 2).
func (o *Orchestrator) gatherContext(ctx context.Context) string {
	var b strings.Builder

	b.WriteString("## GROUND TRUTH (computed directly from raw tables, never AI-generated)\n")
	b.WriteString(o.groundTruth(ctx))

	b.WriteString("\n## MARKET ANALYSIS MODULE OUTPUT (advisory)\n")
	b.WriteString(o.runAnalysisModule(ctx, "market_analysis"))

	b.WriteString("\n## TRADE PERFORMANCE MODULE OUTPUT (advisory)\n")
	b.WriteString(o.runAnalysisModule(ctx, "trade_performance"))

	b.WriteString("\n## ACTIVE STRATEGY\n")
	b.WriteString(o.strategySection(ctx))

	b.WriteString("\n## OPERATIONAL STATE\n")
	b.WriteString(o.operationalState(ctx))

	return b.String()
}

func (o *Orchestrator) groundTruth(ctx context.Context) string {
	var b strings.Builder

	daily, err := o.repo.RecentDailyPerformance(ctx, 30)
	if err != nil {
		fmt.Fprintf(&b, "daily performance unavailable: %v\n", err)
	} else if len(daily) == 0 {
		b.WriteString("no daily performance history yet\n")
	} else {
		latest := daily[0]
		var netPnL, fees float64
		var trades, wins int
		for _, d := range daily {
			netPnL += d.NetPnL
			fees += d.FeesTotal
			trades += d.TradeCount
			wins += d.Wins
		}
		winRate := 0.0
		if trades > 0 {
			winRate = float64(wins) / float64(trades)
		}
		fmt.Fprintf(&b, "portfolio_value=%.2f cash=%.2f (as of %s)\n", latest.PortfolioValue, latest.Cash, latest.Date)
		fmt.Fprintf(&b, "last_%d_days: trades=%d wins=%d win_rate=%.3f net_pnl=%.2f fees=%.2f\n",
			len(daily), trades, wins, winRate, netPnL, fees)
	}

	trades, err := o.repo.RecentTrades(ctx, 20)
	if err == nil && len(trades) > 0 {
		b.WriteString("recent trades (newest first):\n")
		for _, t := range trades {
			fmt.Fprintf(&b, "  %s %s pnl=%.2f pct=%.2f%% fees=%.2f reason=%s mae=%.4f\n",
				t.Symbol, t.Tag, t.PnL, t.PnLPct, t.Fees, t.CloseReason, t.MaxAdverseExcursion)
		}
	}

	risk := o.riskStatus()
	fmt.Fprintf(&b, "risk: daily_trades=%d daily_pnl=%.2f consecutive_losses=%d halted=%v reason=%s\n",
		risk.DailyTrades, risk.DailyPnL, risk.ConsecutiveLosses, risk.Halted, risk.HaltReason)

	return b.String()
}

// runAnalysisModule executes one deployed analysis module under the fixed
// timeout. Any failure — no module yet, crash, timeout — becomes an error
// stub, never a cycle abort.
func (o *Orchestrator) runAnalysisModule(ctx context.Context, kind string) string {
	if o.analysisRunner == nil {
		return "(no analysis runner configured)\n"
	}
	runCtx, cancel := context.WithTimeout(ctx, analysisTimeout)
	defer cancel()

	result, err := o.analysisRunner.RunAnalysis(runCtx, kind)
	if err != nil {
		return fmt.Sprintf("(module error: %v)\n", err)
	}
	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("(unserializable module output: %v)\n", err)
	}
	return string(pretty) + "\n"
}

func (o *Orchestrator) strategySection(ctx context.Context) string {
	var b strings.Builder

	active, err := o.repo.ActiveStrategy(ctx)
	if err != nil {
		fmt.Fprintf(&b, "active strategy unavailable: %v\n", err)
		return b.String()
	}
	if active == nil {
		b.WriteString("no strategy deployed\n")
		return b.String()
	}

	fmt.Fprintf(&b, "version=%s deployed_at=%s\n", active.Version, active.DeployedAt.Format(time.RFC3339))
	if active.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", active.Description)
	}
	fmt.Fprintf(&b, "code:\n```go\n%s\n```\n", active.Code)

	versions, err := o.repo.AllStrategyVersions(ctx)
	if err == nil && len(versions) > 1 {
		b.WriteString("version history (newest first):\n")
		for _, v := range versions {
			fmt.Fprintf(&b, "  %s deployed=%s %s\n", v.Version, v.DeployedAt.Format("2006-01-02"), v.Description)
		}
	}
	return b.String()
}

func (o *Orchestrator) operationalState(ctx context.Context) string {
	var b strings.Builder

	if remaining, err := o.oracle.TokensRemainingToday(ctx); err == nil {
		fmt.Fprintf(&b, "token budget remaining today: %d\n", remaining)
	}

	statuses := o.candidates.Statuses()
	if len(statuses) == 0 {
		b.WriteString("candidate slots: all empty\n")
	} else {
		b.WriteString("candidate slots:\n")
		for _, s := range statuses {
			fmt.Fprintf(&b, "  slot=%d version=%s value=%.2f trades=%d win_rate=%.3f pnl=%.2f\n",
				s.Slot, s.Version, s.TotalValue, s.TradeCount, s.WinRate, s.TotalPnL)
		}
	}

	week := time.Now().UTC().AddDate(0, 0, -7)
	if total, acted, err := o.repo.SignalCounts(ctx, week); err == nil {
		fmt.Fprintf(&b, "signals last 7 days: produced=%d acted=%d\n", total, acted)
		if total == 0 {
			b.WriteString("SIGNAL DROUGHT: the strategy has produced no signals for a week\n")
		}
	}

	observations, err := o.repo.RecentObservations(ctx, 30)
	if err == nil && len(observations) > 0 {
		b.WriteString("recent observations (newest first):\n")
		for _, obs := range observations {
			fmt.Fprintf(&b, "  [%s] %s: %s\n", obs.Timestamp.Format("2006-01-02"), obs.Kind, obs.Detail)
		}
	}
	return b.String()
}
