// Package orchestrator implements nightforge's nightly LLM-driven
// self-evolution cycle (spec.md §4.6): gather context, analyze, dispatch
// one decision through the generate/review/sandbox/backtest/deploy
// pipeline, record observations and the audit thought-spool, then run
// data-store maintenance. The one place failures are structurally caught
// and absorbed so a bad cycle never stops the system (spec.md §7).
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/ai"
	"github.com/aristath/nightforge/internal/backtest"
	"github.com/aristath/nightforge/internal/candidate"
	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/risk"
	"github.com/aristath/nightforge/internal/sandbox"
	"github.com/aristath/nightforge/internal/store"
)

// AnalysisRunner executes one deployed analysis module by kind.
type AnalysisRunner interface {
	RunAnalysis(ctx context.Context, kind string) (map[string]any, error)
}

// Sandboxer runs the full validation pipeline (static AST walk + compile +
// smoke test) for each variant. Implemented by internal/engine over
// internal/sandbox; faked in tests.
type Sandboxer interface {
	ValidateStrategy(ctx context.Context, code string) *sandbox.Result
	ValidateAnalysis(ctx context.Context, code string) *sandbox.Result
}

// Backtester loads strategy code and replays it over stored candle history
// with the runtime's exact risk semantics (spec.md §4.7).
type Backtester interface {
	Run(ctx context.Context, code string) (*backtest.Result, error)
}

// CandidateMgr is the slice of internal/candidate.Manager the cycle drives.
type CandidateMgr interface {
	FreeSlot() int
	Statuses() []candidate.Status
	CreateCandidate(ctx context.Context, req candidate.CreateRequest) (*candidate.Runner, error)
	CancelCandidate(ctx context.Context, slot int, reason string) error
	PromoteCandidate(ctx context.Context, slot int) (code, version string, err error)
}

// Notifier is the slice of the notification sink the cycle emits through.
type Notifier interface {
	OrchestratorCycleStarted()
	OrchestratorCycleCompleted(decision string)
	CandidateCreated(slot int, version string)
	CandidateCanceled(slot int, reason string)
	CandidatePromoted(slot int, version string)
	StrategyDeployed(version string)
	SystemError(op string, err error)
}

// FundView is the orchestrator's read/act surface onto the fund portfolio:
// snapshotting for candidate creation and the close_all promotion path.
type FundView interface {
	Cash() float64
	Positions() []domain.Position
	CloseAll(ctx context.Context, reason string) error
}

// Maintainer runs the post-cycle data-store maintenance pass.
type Maintainer interface {
	Maintain(ctx context.Context, now time.Time) error
}

// Orchestrator drives the nightly cycle. RunNightlyCycle holds a mutex; a
// concurrent fire returns immediately with a skip message (spec.md §4.6).
type Orchestrator struct {
	cfg        config.Orchestrator
	repo       *store.Repository
	oracle     ai.Oracle
	strongModel string
	weakModel   string

	sandboxer      Sandboxer
	backtester     Backtester
	candidates     CandidateMgr
	notifier       Notifier
	fund           FundView
	maintainer     Maintainer
	analysisRunner AnalysisRunner
	riskStatus     func() risk.Snapshot

	// onStrategyDeployed signals the scan loop to hot-reload before its
	// next analyze call (spec.md §5 ordering guarantees).
	onStrategyDeployed func(version string)

	mu       sync.Mutex
	thoughtSeq int

	log zerolog.Logger
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Repo               *store.Repository
	Oracle             ai.Oracle
	StrongModel        string
	WeakModel          string
	Sandboxer          Sandboxer
	Backtester         Backtester
	Candidates         CandidateMgr
	Notifier           Notifier
	Fund               FundView
	Maintainer         Maintainer
	AnalysisRunner     AnalysisRunner
	RiskStatus         func() risk.Snapshot
	OnStrategyDeployed func(version string)
}

// New constructs an Orchestrator.
func New(cfg config.Orchestrator, deps Deps, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:                cfg,
		repo:               deps.Repo,
		oracle:             deps.Oracle,
		strongModel:        deps.StrongModel,
		weakModel:          deps.WeakModel,
		sandboxer:          deps.Sandboxer,
		backtester:         deps.Backtester,
		candidates:         deps.Candidates,
		notifier:           deps.Notifier,
		fund:               deps.Fund,
		maintainer:         deps.Maintainer,
		analysisRunner:     deps.AnalysisRunner,
		riskStatus:         deps.RiskStatus,
		onStrategyDeployed: deps.OnStrategyDeployed,
		log:                log.With().Str("component", "orchestrator").Logger(),
	}
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// RunNightlyCycle runs the full pipeline and returns a human-readable
// report. It never returns an error for in-cycle failures — those are
// logged, notified and absorbed (spec.md §7).
func (o *Orchestrator) RunNightlyCycle(ctx context.Context) string {
	if !o.mu.TryLock() {
		return "skipped: already running"
	}
	defer o.mu.Unlock()
	o.thoughtSeq = 0

	cycleID := uuid.NewString()
	log := o.log.With().Str("cycle", cycleID).Logger()
	o.notifier.OrchestratorCycleStarted()

	report := func() (report string) {
		defer func() {
			if p := recover(); p != nil {
				err := fmt.Errorf("panic: %v", p)
				log.Error().Err(err).Msg("nightly cycle panicked")
				o.notifier.SystemError("nightly_orchestration", err)
				report = "cycle failed: " + err.Error()
			}
		}()
		return o.runCycle(ctx, cycleID, log)
	}()

	o.notifier.OrchestratorCycleCompleted(report)
	return report
}

func (o *Orchestrator) runCycle(ctx context.Context, cycleID string, log zerolog.Logger) string {
	// 1. Token budget gate.
	remaining, err := o.oracle.TokensRemainingToday(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("token budget check failed")
	} else if remaining < o.cfg.TokenBudgetFloor {
		log.Info().Int("remaining", remaining).Int("floor", o.cfg.TokenBudgetFloor).Msg("token budget below floor, skipping cycle")
		return fmt.Sprintf("skipped: %d tokens remaining, below the %d floor", remaining, o.cfg.TokenBudgetFloor)
	}

	// 2. Context gathering.
	contextText := o.gatherContext(ctx)

	// 3. Analysis call. An oracle failure after retries defaults to
	// NO_CHANGE (spec.md §7 LLMError).
	decision := Decision{Decision: DecisionNoChange, Reasoning: "analysis call failed"}
	resp, err := o.oracle.Complete(ctx, ai.Request{
		Model:       o.strongModel,
		System:      systemPrompt,
		Prompt:      buildAnalysisPrompt(contextText),
		MaxTokens:   8192,
		Temperature: 0.3,
		Stage:       "analysis",
	})
	if err != nil {
		log.Error().Err(err).Msg("nightly analysis call failed, defaulting to NO_CHANGE")
	} else {
		o.recordThought(ctx, cycleID, "analysis", resp.Text)
		decision = ParseDecision(resp.Text)
	}
	log.Info().Str("decision", string(decision.Decision)).Msg("nightly decision")

	// 4. Decision dispatch.
	versionFrom := o.activeVersion(ctx)
	report := o.dispatch(ctx, cycleID, decision, log)
	versionTo := o.activeVersion(ctx)

	// 5. Daily observation.
	o.storeObservation(ctx, cycleID, decision)

	// 6. Orchestration log row.
	o.appendLog(ctx, cycleID, fmt.Sprintf("decision=%s version_from=%s version_to=%s report=%s",
		decision.Decision, versionFrom, versionTo, report))

	// 7. Data-store maintenance.
	if o.maintainer != nil {
		if err := o.maintainer.Maintain(ctx, time.Now()); err != nil {
			log.Warn().Err(err).Msg("data-store maintenance failed")
		}
	}

	return report
}

func (o *Orchestrator) dispatch(ctx context.Context, cycleID string, decision Decision, log zerolog.Logger) string {
	switch decision.Decision {
	case DecisionNoChange:
		return "no change: " + decision.Reasoning

	case DecisionMarketAnalysisUpdate:
		return o.runAnalysisPipeline(ctx, cycleID, "market_analysis", decision)
	case DecisionTradeAnalysisUpdate:
		return o.runAnalysisPipeline(ctx, cycleID, "trade_performance", decision)

	case DecisionCreateCandidate:
		return o.runStrategyPipeline(ctx, cycleID, decision)

	case DecisionCancelCandidate:
		if decision.Slot == nil {
			return "cancel rejected: no slot specified"
		}
		if err := o.candidates.CancelCandidate(ctx, *decision.Slot, decision.Reasoning); err != nil {
			log.Warn().Err(err).Int("slot", *decision.Slot).Msg("cancel candidate failed")
			return fmt.Sprintf("cancel failed: %v", err)
		}
		o.notifier.CandidateCanceled(*decision.Slot, decision.Reasoning)
		return fmt.Sprintf("candidate in slot %d canceled", *decision.Slot)

	case DecisionPromoteCandidate:
		return o.promote(ctx, decision, log)

	default:
		return "unknown decision treated as no change"
	}
}

func (o *Orchestrator) promote(ctx context.Context, decision Decision, log zerolog.Logger) string {
	if decision.Slot == nil {
		return "promote rejected: no slot specified"
	}
	slot := *decision.Slot

	if decision.PositionHandling == "close_all" {
		if err := o.fund.CloseAll(ctx, "emergency"); err != nil {
			log.Warn().Err(err).Msg("close_all before promotion failed")
		}
	}

	code, version, err := o.candidates.PromoteCandidate(ctx, slot)
	if err != nil {
		return fmt.Sprintf("promote failed: %v", err)
	}

	parent := o.activeVersion(ctx)
	if err := o.repo.DeployStrategy(ctx, domain.StrategyVersion{
		Version:         version,
		Code:            code,
		CodeHash:        hashCode(code),
		Description:     "promoted from candidate slot " + fmt.Sprint(slot),
		PredecessorHash: parent,
	}); err != nil {
		return fmt.Sprintf("promote failed at deploy: %v", err)
	}

	o.notifier.CandidatePromoted(slot, version)
	if o.onStrategyDeployed != nil {
		o.onStrategyDeployed(version)
	}
	handling := decision.PositionHandling
	if handling == "" {
		handling = "keep"
	}
	return fmt.Sprintf("candidate from slot %d promoted as %s (position handling: %s)", slot, version, handling)
}

func (o *Orchestrator) activeVersion(ctx context.Context) string {
	active, err := o.repo.ActiveStrategy(ctx)
	if err != nil || active == nil {
		return ""
	}
	return active.Version
}

// recordThought appends one row to the audit spool; a write failure is
// logged, never propagated (the spool must not break the cycle).
func (o *Orchestrator) recordThought(ctx context.Context, cycleID, stage, content string) {
	o.thoughtSeq++
	err := o.repo.InsertThought(ctx, domain.OrchestratorThought{
		CycleID:   cycleID,
		Stage:     stage,
		Sequence:  o.thoughtSeq,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn().Err(err).Str("stage", stage).Msg("thought spool write failed")
	}
}

func (o *Orchestrator) storeObservation(ctx context.Context, cycleID string, d Decision) {
	now := time.Now().UTC()
	for kind, detail := range map[string]string{
		"market":   d.MarketObservations,
		"strategy": d.StrategyAssessment,
		"notable":  d.NotableFindings,
	} {
		if detail == "" {
			continue
		}
		err := o.repo.InsertObservation(ctx, domain.OrchestratorObservation{
			CycleID: cycleID, Kind: kind, Detail: detail, Timestamp: now,
		})
		if err != nil {
			o.log.Warn().Err(err).Msg("observation write failed")
		}
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, cycleID, message string) {
	err := o.repo.InsertOrchestratorLog(ctx, domain.OrchestratorLog{
		CycleID: cycleID, Level: "info", Message: message, Timestamp: time.Now().UTC(),
	})
	if err != nil {
		o.log.Warn().Err(err).Msg("orchestrator log write failed")
	}
}
