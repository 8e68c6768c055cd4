package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/ai"
	"github.com/aristath/nightforge/internal/backtest"
	"github.com/aristath/nightforge/internal/candidate"
	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/risk"
	"github.com/aristath/nightforge/internal/sandbox"
	"github.com/aristath/nightforge/internal/store"
)

func TestParseDecisionStrict(t *testing.T) {
	d := ParseDecision(`{"decision": "CANCEL_CANDIDATE", "slot": 2, "reasoning": "stale"}`)
	assert.Equal(t, DecisionCancelCandidate, d.Decision)
	require.NotNil(t, d.Slot)
	assert.Equal(t, 2, *d.Slot)
}

func TestParseDecisionWrappedInProse(t *testing.T) {
	d := ParseDecision("After reviewing the data:\n\n{\"decision\": \"no_change\", \"reasoning\": \"thin sample\"}\n")
	assert.Equal(t, DecisionNoChange, d.Decision)
	assert.Equal(t, "thin sample", d.Reasoning)
}

func TestParseDecisionFallsBackToNoChange(t *testing.T) {
	for _, text := range []string{
		"I think we should definitely trade more.",
		`{"decision": "LAUNCH_MISSILES"}`,
		"",
	} {
		d := ParseDecision(text)
		assert.Equal(t, DecisionNoChange, d.Decision, "input %q", text)
		assert.Equal(t, text, d.Raw)
	}
}

// scriptedOracle returns canned responses in order and reports a fixed
// remaining token budget.
type scriptedOracle struct {
	responses []string
	calls     int
	remaining int
	block     chan struct{}
}

func (s *scriptedOracle) Complete(ctx context.Context, req ai.Request) (ai.Response, error) {
	if s.block != nil {
		<-s.block
	}
	if s.calls >= len(s.responses) {
		return ai.Response{Text: `{"decision": "NO_CHANGE"}`}, nil
	}
	text := s.responses[s.calls]
	s.calls++
	return ai.Response{Text: text, PromptTokens: 100, CompletionTokens: 100}, nil
}

func (s *scriptedOracle) TokensRemainingToday(context.Context) (int, error) {
	return s.remaining, nil
}

type fakeSandboxer struct{ pass bool }

func (f *fakeSandboxer) ValidateStrategy(context.Context, string) *sandbox.Result {
	return &sandbox.Result{Passed: f.pass}
}

func (f *fakeSandboxer) ValidateAnalysis(context.Context, string) *sandbox.Result {
	return &sandbox.Result{Passed: f.pass}
}

type fakeBacktester struct {
	result *backtest.Result
	err    error
}

func (f *fakeBacktester) Run(context.Context, string) (*backtest.Result, error) {
	return f.result, f.err
}

type fakeCandidates struct {
	created  []candidate.CreateRequest
	canceled []int
}

func (f *fakeCandidates) FreeSlot() int                { return 1 }
func (f *fakeCandidates) Statuses() []candidate.Status { return nil }

func (f *fakeCandidates) CreateCandidate(_ context.Context, req candidate.CreateRequest) (*candidate.Runner, error) {
	f.created = append(f.created, req)
	return nil, nil
}

func (f *fakeCandidates) CancelCandidate(_ context.Context, slot int, _ string) error {
	f.canceled = append(f.canceled, slot)
	return nil
}

func (f *fakeCandidates) PromoteCandidate(context.Context, int) (string, string, error) {
	return "code", "v1", nil
}

type fakeNotifier struct{ completed []string }

func (f *fakeNotifier) OrchestratorCycleStarted()                 {}
func (f *fakeNotifier) OrchestratorCycleCompleted(report string)  { f.completed = append(f.completed, report) }
func (f *fakeNotifier) CandidateCreated(int, string)              {}
func (f *fakeNotifier) CandidateCanceled(int, string)             {}
func (f *fakeNotifier) CandidatePromoted(int, string)             {}
func (f *fakeNotifier) StrategyDeployed(string)                   {}
func (f *fakeNotifier) SystemError(string, error)                 {}

type fakeFund struct{}

func (fakeFund) Cash() float64                       { return 1000 }
func (fakeFund) Positions() []domain.Position        { return nil }
func (fakeFund) CloseAll(context.Context, string) error { return nil }

func testRepo(t *testing.T) *store.Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return store.NewRepository(db, zerolog.Nop())
}

func testOrchestrator(t *testing.T, oracle ai.Oracle, deps Deps) *Orchestrator {
	t.Helper()
	cfg := config.Orchestrator{
		MaxRevisions:          3,
		MaxStrategyIterations: 2,
		MaxCandidates:         3,
		TokenBudgetFloor:      200_000,
	}
	if deps.Repo == nil {
		deps.Repo = testRepo(t)
	}
	deps.Oracle = oracle
	deps.StrongModel = "strong-model"
	deps.WeakModel = "weak-model"
	if deps.Notifier == nil {
		deps.Notifier = &fakeNotifier{}
	}
	if deps.Fund == nil {
		deps.Fund = fakeFund{}
	}
	if deps.Candidates == nil {
		deps.Candidates = &fakeCandidates{}
	}
	if deps.RiskStatus == nil {
		deps.RiskStatus = func() risk.Snapshot { return risk.Snapshot{} }
	}
	return New(cfg, deps, zerolog.Nop())
}

func TestCycleSkipsBelowTokenFloor(t *testing.T) {
	oracle := &scriptedOracle{remaining: 100}
	o := testOrchestrator(t, oracle, Deps{})

	report := o.RunNightlyCycle(context.Background())
	assert.Contains(t, report, "skipped")
	assert.Zero(t, oracle.calls, "no LLM call should happen below the floor")
}

func TestCycleMutualExclusion(t *testing.T) {
	oracle := &scriptedOracle{remaining: 1_000_000, block: make(chan struct{})}
	o := testOrchestrator(t, oracle, Deps{})

	done := make(chan string, 1)
	go func() { done <- o.RunNightlyCycle(context.Background()) }()

	// Wait for the first cycle to be inside its oracle call, then fire a
	// second one.
	require.Eventually(t, func() bool {
		if o.mu.TryLock() {
			o.mu.Unlock()
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	assert.Equal(t, "skipped: already running", o.RunNightlyCycle(context.Background()))

	close(oracle.block)
	<-done
}

func TestCycleDefaultsToNoChange(t *testing.T) {
	oracle := &scriptedOracle{remaining: 1_000_000, responses: []string{"no json to be found here"}}
	o := testOrchestrator(t, oracle, Deps{})

	report := o.RunNightlyCycle(context.Background())
	assert.Contains(t, report, "no change")
}

func TestCancelCandidateDispatch(t *testing.T) {
	oracle := &scriptedOracle{
		remaining: 1_000_000,
		responses: []string{`{"decision": "CANCEL_CANDIDATE", "slot": 2, "reasoning": "underperforming"}`},
	}
	candidates := &fakeCandidates{}
	o := testOrchestrator(t, oracle, Deps{Candidates: candidates})

	report := o.RunNightlyCycle(context.Background())
	assert.Contains(t, report, "slot 2 canceled")
	assert.Equal(t, []int{2}, candidates.canceled)
}

func TestStrategyPipelineDeploysApprovedCandidate(t *testing.T) {
	oracle := &scriptedOracle{
		remaining: 1_000_000,
		responses: []string{
			`{"decision": "CREATE_CANDIDATE", "specific_changes": "trade the RSI mean-reversion on 1h"}`,
			"```go\npackage main\n// generated strategy\n```",
			`{"approved": true}`,
			`{"deploy": true, "reasoning": "positive expectancy"}`,
		},
	}
	candidates := &fakeCandidates{}
	o := testOrchestrator(t, oracle, Deps{
		Candidates: candidates,
		Sandboxer:  &fakeSandboxer{pass: true},
		Backtester: &fakeBacktester{result: &backtest.Result{TradeCount: 10, Wins: 6, WinRate: 0.6, NetPnL: 42}},
	})

	report := o.RunNightlyCycle(context.Background())
	assert.Contains(t, report, "deployed to slot 1")
	require.Len(t, candidates.created, 1)
	assert.Equal(t, "package main\n// generated strategy", candidates.created[0].Code)
	assert.Equal(t, 1000.0, candidates.created[0].FundCash)
}

func TestStrategyPipelineRetriesAfterBacktestCrash(t *testing.T) {
	oracle := &scriptedOracle{
		remaining: 1_000_000,
		responses: []string{
			`{"decision": "CREATE_CANDIDATE", "specific_changes": "anything"}`,
			"package main\n// attempt 1",
			`{"approved": true}`,
			// outer retry after the crash:
			"package main\n// attempt 2",
			`{"approved": true}`,
			`{"deploy": true}`,
		},
	}
	bt := &crashOnceBacktester{}
	candidates := &fakeCandidates{}
	o := testOrchestrator(t, oracle, Deps{
		Candidates: candidates,
		Sandboxer:  &fakeSandboxer{pass: true},
		Backtester: bt,
	})

	report := o.RunNightlyCycle(context.Background())
	assert.Contains(t, report, "after 2 iteration(s)")
	assert.Len(t, candidates.created, 1)
}

type crashOnceBacktester struct{ calls int }

func (c *crashOnceBacktester) Run(context.Context, string) (*backtest.Result, error) {
	c.calls++
	if c.calls == 1 {
		return nil, assert.AnError
	}
	return &backtest.Result{TradeCount: 5, Wins: 3, WinRate: 0.6}, nil
}
