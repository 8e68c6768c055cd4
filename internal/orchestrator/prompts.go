package orchestrator

import (
	"fmt"
	"strings"
)

// systemPrompt fixes the fund's identity, mandate and response schema for
// the nightly analysis call (spec.md §4.6 step 3).
const systemPrompt = `You are the portfolio manager of Nightforge, an autonomous crypto fund.

Your mandate: grow the fund's capital through a single deployed trading
strategy, evolved cautiously over time. You analyze nightly. You never
trade directly; you decide whether and how the strategy should change.

You are rigorous about evidence. A loss is a loss; you do not rationalize,
cherry-pick, or draw conclusions from insufficient sample sizes. You are
comfortable answering NO_CHANGE when the data does not support action —
most nights it does not.

Architecture you operate in:
- The fund runs one active strategy; proposed replacements first live in
  isolated paper-simulation candidate slots sharing live market data.
- Candidates are created through a generate/review/backtest pipeline and
  promoted only after their paper evaluation supports it.
- The market-analysis and trade-performance modules are read-only code you
  may rewrite directly; they never touch fund state.

Respond with a single JSON object:
{
  "decision": "NO_CHANGE" | "CREATE_CANDIDATE" | "CANCEL_CANDIDATE" | "PROMOTE_CANDIDATE" | "MARKET_ANALYSIS_UPDATE" | "TRADE_ANALYSIS_UPDATE",
  "reasoning": "your analysis and the basis for the decision",
  "specific_changes": "what to build (CREATE_CANDIDATE and analysis updates only)",
  "slot": null,
  "position_handling": null,
  "evaluation_duration_days": null,
  "market_observations": "what the market did",
  "strategy_assessment": "how the strategy is performing",
  "notable_findings": "anything worth remembering"
}
For PROMOTE_CANDIDATE, position_handling is "keep" or "close_all".`

// strategyContract is the IO-contract rubric generated strategy code is
// reviewed and generated against: the exact worker shape
// internal/strategyworker expects.
const strategyContract = `The code must be a complete, self-contained Go file:
- package main, importing only the standard library (within the sandbox
  rules), github.com/markcheno/go-talib, and
  github.com/aristath/nightforge/internal/domain and /internal/strategyworker.
- It defines a type implementing domain.Strategy exactly: Initialize,
  Analyze, OnFill, OnPositionClosed, GetState, LoadState,
  ScanIntervalMinutes.
- main() calls strategyworker.Serve with an instance of that type.
- Analyze returns []domain.Signal; size_pct must be in [0, 1]; every BUY
  should carry a stop_loss; tags it invents must be stable across calls.
- No network, filesystem, subprocess, reflection or database access.
- Never panic; return errors.`

func buildAnalysisPrompt(context string) string {
	return fmt.Sprintf(`Nightly review. Decide what, if anything, should change.

%s

Weigh the ground-truth benchmarks most heavily; the analysis-module outputs
are advisory. Respond with the JSON schema from your instructions.`, context)
}

func buildGeneratePrompt(directive, currentCode, feedback string) string {
	var b strings.Builder
	b.WriteString("Write a new Nightforge strategy.\n\nDirective from the portfolio manager:\n")
	b.WriteString(directive)
	b.WriteString("\n\nIO contract:\n")
	b.WriteString(strategyContract)
	if currentCode != "" {
		b.WriteString("\n\nCurrent deployed strategy for reference:\n```go\n")
		b.WriteString(currentCode)
		b.WriteString("\n```")
	}
	if feedback != "" {
		b.WriteString("\n\nFeedback on your previous attempts — fix every point:\n")
		b.WriteString(feedback)
	}
	b.WriteString("\n\nRespond with only the complete Go source file.")
	return b.String()
}

func buildCodeReviewPrompt(code, diff string) string {
	return fmt.Sprintf(`Review this generated strategy code against the IO contract.

Contract:
%s

Check: exact method names and signatures, forbidden operations, tag
hygiene (stable tags, no collisions), arithmetic correctness, nil/empty
candle handling.

Code:
`+"```go\n%s\n```"+`

Diff against the currently deployed strategy:
%s

Respond with JSON: {"approved": true|false, "feedback": "what must change"}`, strategyContract, code, diff)
}

func buildBacktestReviewPrompt(summary, directive, attemptHistory string) string {
	return fmt.Sprintf(`A candidate strategy passed review and was backtested.

Original directive:
%s

Backtest result:
%s

Prior attempts this cycle:
%s

Decide whether this candidate should be deployed to a paper-simulation
slot. Respond with JSON:
{"deploy": true|false, "reasoning": "...", "concerns": "...", "revision_instructions": "what the next attempt should change (when deploy is false)"}`,
		directive, summary, attemptHistory)
}

func buildAnalysisModulePrompt(kind, directive, currentCode, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the %s analysis module for Nightforge.\n\nDirective:\n%s\n\n", kind, directive)
	b.WriteString(`The code must be a complete, self-contained Go file:
- package main, importing only the standard library (within the sandbox
  rules), gonum.org/v1/gonum/stat, and
  github.com/aristath/nightforge/internal/domain and
  /internal/sandbox/analysisharness.
- It defines a type implementing domain.AnalysisModule: a single
  Analyze(ctx, db, schema) method returning map[string]any. db exposes only
  Query; every statement must be read-only SELECT.
- main() calls analysisharness.Run with an instance of that type.
- Mathematical correctness matters more than breadth: state sample sizes,
  never divide by zero, and label every metric.`)
	if currentCode != "" {
		b.WriteString("\n\nCurrent module for reference:\n```go\n")
		b.WriteString(currentCode)
		b.WriteString("\n```")
	}
	if feedback != "" {
		b.WriteString("\n\nFeedback on your previous attempts — fix every point:\n")
		b.WriteString(feedback)
	}
	b.WriteString("\n\nRespond with only the complete Go source file.")
	return b.String()
}

func buildAnalysisReviewPrompt(kind, code string) string {
	return fmt.Sprintf(`Review this generated %s analysis module for mathematical
correctness and edge cases: division by zero, empty result sets, win-rate
and drawdown formulas, date-boundary handling, misleading labels.

Code:
`+"```go\n%s\n```"+`

Respond with JSON: {"approved": true|false, "feedback": "what must change"}`, kind, code)
}
