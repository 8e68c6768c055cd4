package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/nightforge/internal/ai"
	"github.com/aristath/nightforge/internal/candidate"
)

// backtestTimeout bounds one backtest replay (spec.md §5).
const backtestTimeout = 60 * time.Second

// runStrategyPipeline drives spec.md §4.6's nested strategy-code pipeline:
// the outer loop steers strategic direction from the strong model's
// backtest reviews, the inner loop steers code quality through
// generate/sandbox/review rounds.
func (o *Orchestrator) runStrategyPipeline(ctx context.Context, cycleID string, decision Decision) string {
	slot := o.pickSlot(decision)
	if slot == 0 {
		return "create rejected: no candidate slot available"
	}

	currentCode := ""
	if active, err := o.repo.ActiveStrategy(ctx); err == nil && active != nil {
		currentCode = active.Code
	}

	directive := decision.SpecificChanges
	if directive == "" {
		directive = decision.Reasoning
	}

	var attemptHistory []string
	outerFeedback := ""

	for iteration := 1; iteration <= o.cfg.MaxStrategyIterations; iteration++ {
		fullDirective := directive
		if outerFeedback != "" {
			fullDirective += "\n\nRevision instructions from the previous iteration:\n" + outerFeedback
		}

		code, err := o.generateReviewedCode(ctx, cycleID, fullDirective, currentCode)
		if err != nil {
			o.log.Warn().Err(err).Int("iteration", iteration).Msg("inner code loop exhausted")
			attemptHistory = append(attemptHistory, fmt.Sprintf("iteration %d: code loop failed (%v)", iteration, err))
			outerFeedback = "every revision failed sandbox or review; simplify the approach"
			continue
		}

		btCtx, cancel := context.WithTimeout(ctx, backtestTimeout)
		result, err := o.backtester.Run(btCtx, code)
		cancel()
		if err != nil {
			o.log.Warn().Err(err).Int("iteration", iteration).Msg("backtest failed")
			attemptHistory = append(attemptHistory, fmt.Sprintf("iteration %d: crashed during backtest (%v)", iteration, err))
			outerFeedback = fmt.Sprintf("the strategy crashed during backtest: %v — fix the crash and defend against empty candle data", err)
			continue
		}

		summary := result.Summary()
		resp, err := o.oracle.Complete(ctx, ai.Request{
			Model:       o.strongModel,
			Prompt:      buildBacktestReviewPrompt(summary, directive, strings.Join(attemptHistory, "\n")),
			MaxTokens:   4096,
			Temperature: 0.2,
			Stage:       "backtest_review",
		})
		if err != nil {
			return fmt.Sprintf("pipeline aborted at backtest review: %v", err)
		}
		o.recordThought(ctx, cycleID, "backtest_review", resp.Text)
		review := parseBacktestReview(resp.Text)

		if !review.Deploy {
			attemptHistory = append(attemptHistory, fmt.Sprintf("iteration %d: backtest %s — rejected: %s", iteration, summary, review.Reasoning))
			outerFeedback = review.RevisionInstructions
			continue
		}

		version := fmt.Sprintf("v%s", time.Now().UTC().Format("20060102-150405"))
		evalDays := decision.EvaluationDurationDays
		_, err = o.candidates.CreateCandidate(ctx, candidate.CreateRequest{
			Slot:          slot,
			Code:          code,
			Version:       version,
			Description:   directive,
			BacktestNote:  summary,
			EvalDays:      evalDays,
			FundCash:      o.fund.Cash(),
			FundPositions: o.fund.Positions(),
		})
		if err != nil {
			return fmt.Sprintf("pipeline failed at candidate creation: %v", err)
		}
		o.notifier.CandidateCreated(slot, version)
		return fmt.Sprintf("candidate %s deployed to slot %d after %d iteration(s); backtest: %s",
			version, slot, iteration, summary)
	}

	return fmt.Sprintf("strategy pipeline exhausted %d iterations without an approved candidate", o.cfg.MaxStrategyIterations)
}

// generateReviewedCode is the inner loop: weak-model generation, sandbox,
// strong-model IO-contract review, with accumulated feedback, bounded by
// max_revisions.
func (o *Orchestrator) generateReviewedCode(ctx context.Context, cycleID, directive, currentCode string) (string, error) {
	feedback := ""
	for revision := 1; revision <= o.cfg.MaxRevisions; revision++ {
		resp, err := o.oracle.Complete(ctx, ai.Request{
			Model:       o.weakModel,
			Prompt:      buildGeneratePrompt(directive, currentCode, feedback),
			MaxTokens:   16384,
			Temperature: 0.5,
			Stage:       "generate",
		})
		if err != nil {
			return "", fmt.Errorf("generation call failed: %w", err)
		}
		o.recordThought(ctx, cycleID, "generate", resp.Text)
		code := ai.StripCodeFences(resp.Text)

		if result := o.sandboxer.ValidateStrategy(ctx, code); !result.Passed {
			feedback = appendFeedback(feedback, fmt.Sprintf("revision %d failed sandbox: %s",
				revision, strings.Join(result.Errors, "; ")))
			continue
		}

		reviewResp, err := o.oracle.Complete(ctx, ai.Request{
			Model:       o.strongModel,
			Prompt:      buildCodeReviewPrompt(code, diffSummary(currentCode, code)),
			MaxTokens:   4096,
			Temperature: 0.2,
			Stage:       "review",
		})
		if err != nil {
			return "", fmt.Errorf("review call failed: %w", err)
		}
		o.recordThought(ctx, cycleID, "review", reviewResp.Text)
		review := parseCodeReview(reviewResp.Text)
		if !review.Approved {
			feedback = appendFeedback(feedback, fmt.Sprintf("revision %d rejected in review: %s", revision, review.Feedback))
			continue
		}

		return code, nil
	}
	return "", fmt.Errorf("exhausted %d revisions", o.cfg.MaxRevisions)
}

// runAnalysisPipeline is the single-loop analysis-code path: generation,
// strong-model math review, sandbox, immediate deploy — analysis modules
// are read-only so no paper test is needed (spec.md §4.6).
func (o *Orchestrator) runAnalysisPipeline(ctx context.Context, cycleID, kind string, decision Decision) string {
	directive := decision.SpecificChanges
	if directive == "" {
		directive = decision.Reasoning
	}
	currentCode, err := o.repo.AnalysisModule(ctx, kind)
	if err != nil {
		o.log.Warn().Err(err).Str("kind", kind).Msg("current analysis module read failed")
	}

	feedback := ""
	for revision := 1; revision <= o.cfg.MaxRevisions; revision++ {
		resp, err := o.oracle.Complete(ctx, ai.Request{
			Model:       o.weakModel,
			Prompt:      buildAnalysisModulePrompt(kind, directive, currentCode, feedback),
			MaxTokens:   16384,
			Temperature: 0.5,
			Stage:       "analysis_generate",
		})
		if err != nil {
			return fmt.Sprintf("analysis pipeline aborted: %v", err)
		}
		o.recordThought(ctx, cycleID, "analysis_generate", resp.Text)
		code := ai.StripCodeFences(resp.Text)

		reviewResp, err := o.oracle.Complete(ctx, ai.Request{
			Model:       o.strongModel,
			Prompt:      buildAnalysisReviewPrompt(kind, code),
			MaxTokens:   4096,
			Temperature: 0.2,
			Stage:       "analysis_review",
		})
		if err != nil {
			return fmt.Sprintf("analysis pipeline aborted: %v", err)
		}
		o.recordThought(ctx, cycleID, "analysis_review", reviewResp.Text)
		review := parseCodeReview(reviewResp.Text)
		if !review.Approved {
			feedback = appendFeedback(feedback, fmt.Sprintf("revision %d rejected in review: %s", revision, review.Feedback))
			continue
		}

		if result := o.sandboxer.ValidateAnalysis(ctx, code); !result.Passed {
			feedback = appendFeedback(feedback, fmt.Sprintf("revision %d failed sandbox: %s",
				revision, strings.Join(result.Errors, "; ")))
			continue
		}

		if err := o.repo.UpsertAnalysisModule(ctx, kind, code, hashCode(code)); err != nil {
			return fmt.Sprintf("analysis deploy failed: %v", err)
		}
		return fmt.Sprintf("%s module updated after %d revision(s)", kind, revision)
	}
	return fmt.Sprintf("analysis pipeline exhausted %d revisions for %s", o.cfg.MaxRevisions, kind)
}

func (o *Orchestrator) pickSlot(decision Decision) int {
	if decision.Slot != nil && *decision.Slot > 0 {
		return *decision.Slot
	}
	return o.candidates.FreeSlot()
}

func appendFeedback(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

// diffSummary gives the reviewer a cheap structural diff: which lines were
// added or removed relative to the deployed strategy.
func diffSummary(oldCode, newCode string) string {
	if oldCode == "" {
		return "(no deployed strategy; this is the first version)"
	}
	oldSet := map[string]bool{}
	for _, line := range strings.Split(oldCode, "\n") {
		oldSet[strings.TrimSpace(line)] = true
	}
	newSet := map[string]bool{}
	var added []string
	for _, line := range strings.Split(newCode, "\n") {
		t := strings.TrimSpace(line)
		newSet[t] = true
		if t != "" && !oldSet[t] {
			added = append(added, "+ "+line)
		}
	}
	var removed []string
	for _, line := range strings.Split(oldCode, "\n") {
		t := strings.TrimSpace(line)
		if t != "" && !newSet[t] {
			removed = append(removed, "- "+line)
		}
	}
	const maxLines = 200
	all := append(added, removed...)
	if len(all) > maxLines {
		all = append(all[:maxLines], fmt.Sprintf("... (%d more changed lines)", len(all)-maxLines))
	}
	return strings.Join(all, "\n")
}
