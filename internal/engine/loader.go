package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/backtest"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/sandbox"
	"github.com/aristath/nightforge/internal/store"
	"github.com/aristath/nightforge/internal/strategyworker"
)

// importTimeout bounds the compile step of a strategy load (spec.md §5's
// "strategy import with 10s", widened because `go build` does more work
// than a scripting-language import).
const importTimeout = 30 * time.Second

// Loader owns the active strategy worker's lifecycle: filesystem-first
// load with DB fallback (spec.md §7 StrategyLoadFailure), opaque state
// restore, hot-reload after promotion, and the compile-and-spawn Factory
// the candidate manager and orchestrator share.
type Loader struct {
	repo        *store.Repository
	workDir     string
	strategyDir string
	limits      domain.RiskLimits
	symbols     []string
	log         zerolog.Logger

	mu      sync.Mutex
	active  *strategyworker.Adapter
	version string
	paused  bool
}

// NewLoader constructs a Loader; call LoadActive to bring the strategy up.
func NewLoader(repo *store.Repository, workDir, strategyDir string, limits domain.RiskLimits, symbols []string, log zerolog.Logger) *Loader {
	return &Loader{
		repo:        repo,
		workDir:     workDir,
		strategyDir: strategyDir,
		limits:      limits,
		symbols:     symbols,
		log:         log.With().Str("component", "loader").Logger(),
	}
}

// Load validates, compiles and spawns strategy code as a worker process,
// satisfying candidate.Factory. The returned closer kills the worker and
// removes its scratch directory.
func (l *Loader) Load(ctx context.Context, code string) (domain.Strategy, func() error, error) {
	if res := sandbox.Validate(sandbox.VariantStrategy, code); !res.Passed {
		return nil, nil, apperr.New(apperr.KindSandboxFailure, "loader.Load",
			fmt.Errorf("static validation failed: %v", res.Errors))
	}

	dir := filepath.Join(l.workDir, "workers", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create worker dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, nil, fmt.Errorf("write worker source: %w", err)
	}

	binPath := filepath.Join(dir, "worker")
	buildCtx, cancel := context.WithTimeout(ctx, importTimeout)
	defer cancel()
	if err := strategyworker.Build(buildCtx, dir, binPath); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	w, err := strategyworker.Spawn(ctx, binPath, l.log)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	adapter := strategyworker.Adapt(w, 0)
	closer := func() error {
		err := adapter.Close()
		os.RemoveAll(dir)
		return err
	}
	return adapter, closer, nil
}

// LoadActive brings up the deployed strategy: filesystem first, then the
// newest strategy_versions row, else pause trading but keep the system
// alive (spec.md §7).
func (l *Loader) LoadActive(ctx context.Context) error {
	version := "unversioned"
	code := ""

	if b, err := os.ReadFile(filepath.Join(l.strategyDir, "active.go")); err == nil {
		code = string(b)
	}

	if active, err := l.repo.ActiveStrategy(ctx); err == nil && active != nil {
		version = active.Version
		if code == "" {
			code = active.Code
		}
	}
	if code == "" {
		dbCode, err := l.repo.LatestStrategyCode(ctx)
		if err != nil {
			return fmt.Errorf("db fallback read: %w", err)
		}
		code = dbCode
	}
	if code == "" {
		l.mu.Lock()
		l.paused = true
		l.mu.Unlock()
		return apperr.New(apperr.KindStrategyLoad, "loader.LoadActive",
			fmt.Errorf("no strategy on filesystem and no versions in store; trading paused"))
	}

	return l.swap(ctx, version, code)
}

// Reload replaces the running worker with the named deployed version; used
// by the scan loop after a promotion flag is raised (spec.md §5).
func (l *Loader) Reload(ctx context.Context, version string) error {
	active, err := l.repo.ActiveStrategy(ctx)
	if err != nil {
		return err
	}
	if active == nil || active.Version != version {
		return apperr.New(apperr.KindStrategyLoad, "loader.Reload",
			fmt.Errorf("version %s is not the active strategy", version))
	}
	return l.swap(ctx, active.Version, active.Code)
}

func (l *Loader) swap(ctx context.Context, version, code string) error {
	strategy, closer, err := l.Load(ctx, code)
	if err != nil {
		return err
	}
	adapter := strategy.(*strategyworker.Adapter)

	if err := adapter.Initialize(l.limits, l.symbols); err != nil {
		_ = closer()
		return apperr.New(apperr.KindStrategyLoad, "loader.swap", fmt.Errorf("initialize: %w", err))
	}
	if blob, err := l.repo.LoadStrategyState(ctx, version); err == nil && len(blob) > 0 {
		var state map[string]any
		if err := msgpack.Unmarshal(blob, &state); err != nil {
			l.log.Warn().Err(err).Str("version", version).Msg("state blob undecodable, starting fresh")
		} else if err := adapter.LoadState(state); err != nil {
			l.log.Warn().Err(err).Str("version", version).Msg("strategy rejected restored state")
		}
	}

	l.mu.Lock()
	old := l.active
	l.active = adapter
	l.version = version
	l.paused = false
	l.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	l.log.Info().Str("version", version).Msg("strategy loaded")
	return nil
}

// Active returns the running strategy and its version, or nil when trading
// is paused.
func (l *Loader) Active() (*strategyworker.Adapter, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, l.version
}

// PersistState serializes the running strategy's opaque state through
// msgpack and stores it keyed by version (spec.md §4.1 shutdown step 2).
func (l *Loader) PersistState(ctx context.Context) error {
	adapter, version := l.Active()
	if adapter == nil {
		return nil
	}
	state, err := adapter.GetState()
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}
	if len(state) == 0 {
		return nil
	}
	blob, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return l.repo.SaveStrategyState(ctx, version, blob)
}

// Close shuts the active worker down.
func (l *Loader) Close() {
	l.mu.Lock()
	adapter := l.active
	l.active = nil
	l.mu.Unlock()
	if adapter != nil {
		_ = adapter.Close()
	}
}

// ValidateStrategy runs the full strategy sandbox (static walk plus
// compile-and-invoke smoke test), satisfying orchestrator.Sandboxer.
func (l *Loader) ValidateStrategy(ctx context.Context, code string) *sandbox.Result {
	if res := sandbox.Validate(sandbox.VariantStrategy, code); !res.Passed {
		return res
	}
	return sandbox.SmokeTestStrategy(ctx, l.workDir, code, l.limits, l.log)
}

// ValidateAnalysis runs the full analysis sandbox.
func (l *Loader) ValidateAnalysis(ctx context.Context, code string) *sandbox.Result {
	if res := sandbox.Validate(sandbox.VariantAnalysis, code); !res.Passed {
		return res
	}
	return sandbox.SmokeTestAnalysis(ctx, l.workDir, code)
}

// Run satisfies orchestrator.Backtester: load the candidate code into a
// throwaway worker, build the multi-timeframe series from stored candles,
// and replay (spec.md §4.6's backtest stage; the 60s wall clock comes from
// the caller's context).
func (l *Loader) Run(ctx context.Context, code string) (*backtest.Result, error) {
	strategy, closer, err := l.Load(ctx, code)
	if err != nil {
		return nil, err
	}
	defer closer()

	data := map[string]backtest.SymbolSeries{}
	now := time.Now().UTC()
	for _, symbol := range l.symbols {
		c5, err := l.repo.Candles(ctx, symbol, "5m", now.AddDate(0, 0, -30))
		if err != nil {
			return nil, err
		}
		c1h, err := l.repo.Candles(ctx, symbol, "1h", now.AddDate(0, 0, -365))
		if err != nil {
			return nil, err
		}
		c1d, err := l.repo.Candles(ctx, symbol, "1d", now.AddDate(-7, 0, 0))
		if err != nil {
			return nil, err
		}
		if len(c1h) == 0 {
			continue
		}
		data[symbol] = backtest.SymbolSeries{Candles5m: c5, Candles1h: c1h, Candles1d: c1d}
	}
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindBacktestCrash, "loader.Run", fmt.Errorf("no candle history to replay"))
	}

	return backtest.Run(ctx, data, strategy, backtest.Config{
		InitialCash: 10_000,
		Slippage:    0.0005,
		MakerFeePct: 0.25,
		TakerFeePct: 0.40,
		Limits:      l.limits,
		Log:         l.log,
	})
}

// RunAnalysis satisfies orchestrator.AnalysisRunner: compile the deployed
// module for kind and run it once against the live database read-only.
func (l *Loader) RunAnalysis(ctx context.Context, kind string) (map[string]any, error) {
	code, err := l.repo.AnalysisModule(ctx, kind)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return map[string]any{"status": "no module deployed"}, nil
	}
	if res := sandbox.Validate(sandbox.VariantAnalysis, code); !res.Passed {
		return nil, apperr.New(apperr.KindSandboxFailure, "loader.RunAnalysis",
			fmt.Errorf("deployed module no longer validates: %v", res.Errors))
	}

	dir := filepath.Join(l.workDir, "analysis", uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create analysis dir: %w", err)
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("write analysis source: %w", err)
	}

	binPath := filepath.Join(dir, "worker")
	buildCtx, cancel := context.WithTimeout(ctx, importTimeout)
	defer cancel()
	if err := strategyworker.Build(buildCtx, dir, binPath); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binPath)
	cmd.Env = append(os.Environ(), "NIGHTFORGE_DB="+l.repo.DBPath())
	out, err := cmd.Output()
	if err != nil {
		return nil, apperr.New(apperr.KindSandboxFailure, "loader.RunAnalysis", err)
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("analysis output not JSON: %w", err)
	}
	return result, nil
}
