package candidate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/portfolio"
	"github.com/aristath/nightforge/internal/sandbox"
	"github.com/aristath/nightforge/internal/store"
)

// Store is the repository surface the manager needs on top of the per-slot
// tables the runners write through.
type Store interface {
	repo
	RunningCandidates(ctx context.Context) ([]domain.Candidate, error)
	CreateCandidate(ctx context.Context, c domain.Candidate, snapshot store.PortfolioSnapshot) error
	ResolveCandidate(ctx context.Context, slot int, status domain.CandidateStatus) error
	ResolveOtherCandidates(ctx context.Context, keep int) error
	ReplaceCandidatePositions(ctx context.Context, slot int, positions []domain.Position) error
	InsertCandidateSignal(ctx context.Context, slot int, s domain.Signal, actedOn bool, rejectedReason string) error
	CandidateTrades(ctx context.Context, slot int) ([]domain.Trade, error)
}

// Factory turns validated strategy source into a running domain.Strategy.
// The production implementation (internal/engine) compiles the code into a
// worker binary and spawns it; tests substitute in-process strategies.
type Factory interface {
	Load(ctx context.Context, code string) (domain.Strategy, func() error, error)
}

// Config bundles the manager's construction parameters.
type Config struct {
	MaxSlots    int
	Symbols     []string
	Limits      domain.RiskLimits
	Slippage    float64
	MakerFeePct float64
	TakerFeePct float64
	TZ          *time.Location
}

// Manager owns the set of active candidate runners keyed by slot
// (spec.md §4.5).
type Manager struct {
	store   Store
	factory Factory
	cfg     Config
	log     zerolog.Logger

	mu      sync.Mutex
	runners map[int]*Runner
}

// NewManager constructs an empty manager; call Initialize to recover
// running candidates from the store.
func NewManager(st Store, factory Factory, cfg Config, log zerolog.Logger) *Manager {
	if cfg.TZ == nil {
		cfg.TZ = time.UTC
	}
	return &Manager{
		store:   st,
		factory: factory,
		cfg:     cfg,
		log:     log.With().Str("component", "candidate_manager").Logger(),
		runners: make(map[int]*Runner),
	}
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) newTracker(initialCash float64, slot int) *portfolio.Tracker {
	return portfolio.New(portfolio.Config{
		InitialCash: initialCash,
		Mode:        config.ModePaper,
		Slippage:    m.cfg.Slippage,
		Store:       newSlotStore(m.store, slot),
		TZ:          m.cfg.TZ,
	}, m.log)
}

// Initialize recovers every running candidate after a restart: re-validate
// the stored code, reload positions and the full trade history, and
// recompute cash from the creation snapshot (spec.md §4.5's recovery rule).
// A candidate whose code no longer validates or loads is canceled rather
// than aborting startup.
func (m *Manager) Initialize(ctx context.Context) error {
	candidates, err := m.store.RunningCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list running candidates: %w", err)
	}

	for _, c := range candidates {
		if err := m.recoverCandidate(ctx, c); err != nil {
			m.log.Error().Err(err).Int("slot", c.Slot).Msg("candidate recovery failed, canceling slot")
			if cancelErr := m.store.ResolveCandidate(ctx, c.Slot, domain.CandidateCanceled); cancelErr != nil {
				m.log.Error().Err(cancelErr).Int("slot", c.Slot).Msg("failed to cancel unrecoverable candidate")
			}
		}
	}
	m.log.Info().Int("recovered", len(m.runners)).Msg("candidate manager initialized")
	return nil
}

func (m *Manager) recoverCandidate(ctx context.Context, c domain.Candidate) error {
	if res := sandbox.Validate(sandbox.VariantStrategy, c.Code); !res.Passed {
		return fmt.Errorf("stored code failed validation: %v", res.Errors)
	}

	strategy, closer, err := m.factory.Load(ctx, c.Code)
	if err != nil {
		return fmt.Errorf("load candidate strategy: %w", err)
	}

	var snapshot store.PortfolioSnapshot
	if c.PortfolioSnapshot != "" {
		if err := json.Unmarshal([]byte(c.PortfolioSnapshot), &snapshot); err != nil {
			m.log.Warn().Err(err).Int("slot", c.Slot).Msg("unparseable portfolio snapshot, recovering with zero basis")
		}
	}

	positions, err := m.store.CandidatePositions(ctx, c.Slot)
	if err != nil {
		_ = closer()
		return fmt.Errorf("load candidate positions: %w", err)
	}
	trades, err := m.store.CandidateTrades(ctx, c.Slot)
	if err != nil {
		_ = closer()
		return fmt.Errorf("load candidate trades: %w", err)
	}

	// cash = initial_cash − Σ(position cost) + Σ(trade pnl) + Σ(trade fees
	// offset), clamped at zero (spec.md §4.5).
	cash := snapshot.Cash
	for _, p := range positions {
		cash -= p.Qty*p.AvgEntry + p.EntryFee
	}
	for _, t := range trades {
		cash += t.PnL + t.Fees
	}
	if cash < 0 {
		cash = 0
	}

	tracker := m.newTracker(cash, c.Slot)
	if err := tracker.Initialize(ctx); err != nil {
		_ = closer()
		return fmt.Errorf("initialize candidate tracker: %w", err)
	}

	if err := strategy.Initialize(m.cfg.Limits, m.cfg.Symbols); err != nil {
		_ = closer()
		return fmt.Errorf("initialize candidate strategy: %w", err)
	}

	runner := newRunner(RunnerConfig{
		Slot:        c.Slot,
		Version:     c.StrategyVersion,
		Code:        c.Code,
		Strategy:    strategy,
		Closer:      closer,
		Tracker:     tracker,
		Limits:      m.cfg.Limits,
		MakerFeePct: m.cfg.MakerFeePct,
		TakerFeePct: m.cfg.TakerFeePct,
		CreatedAt:   c.CreatedAt,
		EvalDays:    c.EvaluationDurationDays,
	}, m.log)
	runner.allTrades = trades

	m.mu.Lock()
	m.runners[c.Slot] = runner
	m.mu.Unlock()
	return nil
}

// CreateRequest carries everything needed to seed a new candidate slot.
type CreateRequest struct {
	Slot          int
	Code          string
	Version       string
	Description   string
	BacktestNote  string
	EvalDays      *int
	FundCash      float64
	FundPositions []domain.Position
}

// CreateCandidate cancels any running occupant of the slot, loads the new
// code, and seeds the runner with a snapshot of fund cash + positions
// (cloned and slot-prefixed, spec.md §4.5 / §9 Open Question resolution:
// the rename applies at creation too, matching recovery).
func (m *Manager) CreateCandidate(ctx context.Context, req CreateRequest) (*Runner, error) {
	if req.Slot < 1 || req.Slot > m.cfg.MaxSlots {
		return nil, fmt.Errorf("slot %d out of range [1, %d]", req.Slot, m.cfg.MaxSlots)
	}

	m.mu.Lock()
	occupant := m.runners[req.Slot]
	m.mu.Unlock()
	if occupant != nil {
		if err := m.CancelCandidate(ctx, req.Slot, "replaced by new candidate"); err != nil {
			return nil, fmt.Errorf("cancel occupant of slot %d: %w", req.Slot, err)
		}
	}

	strategy, closer, err := m.factory.Load(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("load candidate strategy: %w", err)
	}

	cloned := make([]domain.Position, 0, len(req.FundPositions))
	now := time.Now().UTC()
	for _, p := range req.FundPositions {
		clone := p
		clone.Tag = tagPrefix(req.Slot) + p.Tag
		clone.StrategyVersion = req.Version
		cloned = append(cloned, clone)
	}

	row := domain.Candidate{
		Slot:                   req.Slot,
		StrategyVersion:        req.Version,
		Code:                   req.Code,
		CodeHash:               hashCode(req.Code),
		Description:            req.Description,
		BacktestSummary:        req.BacktestNote,
		EvaluationDurationDays: req.EvalDays,
		Status:                 domain.CandidateRunning,
		CreatedAt:              now,
	}
	snapshot := store.PortfolioSnapshot{Cash: req.FundCash, Positions: cloned}
	if err := m.store.CreateCandidate(ctx, row, snapshot); err != nil {
		_ = closer()
		return nil, fmt.Errorf("persist candidate row: %w", err)
	}
	if err := m.store.ReplaceCandidatePositions(ctx, req.Slot, cloned); err != nil {
		_ = closer()
		return nil, fmt.Errorf("persist initial positions: %w", err)
	}

	tracker := m.newTracker(req.FundCash, req.Slot)
	if err := tracker.Initialize(ctx); err != nil {
		_ = closer()
		return nil, fmt.Errorf("initialize candidate tracker: %w", err)
	}
	if err := strategy.Initialize(m.cfg.Limits, m.cfg.Symbols); err != nil {
		_ = closer()
		return nil, fmt.Errorf("initialize candidate strategy: %w", err)
	}

	runner := newRunner(RunnerConfig{
		Slot:        req.Slot,
		Version:     req.Version,
		Code:        req.Code,
		Strategy:    strategy,
		Closer:      closer,
		Tracker:     tracker,
		Limits:      m.cfg.Limits,
		MakerFeePct: m.cfg.MakerFeePct,
		TakerFeePct: m.cfg.TakerFeePct,
		CreatedAt:   now,
		EvalDays:    req.EvalDays,
	}, m.log)

	m.mu.Lock()
	m.runners[req.Slot] = runner
	m.mu.Unlock()

	m.log.Info().Int("slot", req.Slot).Str("version", req.Version).Msg("candidate created")
	return runner, nil
}

// CancelCandidate removes the runner and marks the row canceled; position
// and trade history stays behind for post-mortem (spec.md §4.5).
func (m *Manager) CancelCandidate(ctx context.Context, slot int, reason string) error {
	m.mu.Lock()
	runner, ok := m.runners[slot]
	delete(m.runners, slot)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no running candidate in slot %d", slot)
	}
	if err := runner.Close(); err != nil {
		m.log.Warn().Err(err).Int("slot", slot).Msg("candidate worker close failed")
	}
	if err := m.store.ResolveCandidate(ctx, slot, domain.CandidateCanceled); err != nil {
		return fmt.Errorf("mark candidate canceled: %w", err)
	}
	m.log.Info().Int("slot", slot).Str("reason", reason).Msg("candidate canceled")
	return nil
}

// PromoteCandidate returns the winner's code and version, marks the slot
// promoted and every other running slot canceled, and clears all runners
// (spec.md §4.5: promotion implicitly cancels all other candidates).
func (m *Manager) PromoteCandidate(ctx context.Context, slot int) (code, version string, err error) {
	m.mu.Lock()
	runner, ok := m.runners[slot]
	m.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("no running candidate in slot %d", slot)
	}
	code, version = runner.Code(), runner.Version()

	if err := m.store.ResolveCandidate(ctx, slot, domain.CandidatePromoted); err != nil {
		return "", "", fmt.Errorf("mark candidate promoted: %w", err)
	}
	if err := m.store.ResolveOtherCandidates(ctx, slot); err != nil {
		return "", "", fmt.Errorf("cancel other candidates: %w", err)
	}

	m.mu.Lock()
	runners := m.runners
	m.runners = make(map[int]*Runner)
	m.mu.Unlock()
	for s, r := range runners {
		if err := r.Close(); err != nil {
			m.log.Warn().Err(err).Int("slot", s).Msg("candidate worker close failed")
		}
	}

	m.log.Info().Int("slot", slot).Str("version", version).Msg("candidate promoted")
	return code, version, nil
}

// RunScans invokes every runner against the shared tick; one candidate's
// failure is logged per-slot and never aborts the others (spec.md §4.5).
func (m *Manager) RunScans(ctx context.Context, markets map[string]domain.SymbolData, ts time.Time) {
	for _, slot := range m.ActiveSlots() {
		m.mu.Lock()
		runner := m.runners[slot]
		m.mu.Unlock()
		if runner == nil {
			continue
		}
		if _, err := runner.RunScan(ctx, markets, ts); err != nil {
			m.log.Warn().Err(err).Int("slot", slot).Msg("candidate scan failed")
		}
	}
}

// CheckSLTP runs SL/TP monitoring on every slot.
func (m *Manager) CheckSLTP(ctx context.Context, prices map[string]float64) {
	for _, slot := range m.ActiveSlots() {
		m.mu.Lock()
		runner := m.runners[slot]
		m.mu.Unlock()
		if runner == nil {
			continue
		}
		if _, err := runner.CheckSLTP(ctx, prices); err != nil {
			m.log.Warn().Err(err).Int("slot", slot).Msg("candidate sl/tp check failed")
		}
	}
}

// PersistState flushes every runner's buffered signals, rewrites its
// position set, and appends a daily performance snapshot (spec.md §4.5).
func (m *Manager) PersistState(ctx context.Context, date string) {
	for _, slot := range m.ActiveSlots() {
		m.mu.Lock()
		runner := m.runners[slot]
		m.mu.Unlock()
		if runner == nil {
			continue
		}

		for _, ps := range runner.drainPendingSignals() {
			if err := m.store.InsertCandidateSignal(ctx, slot, ps.signal, ps.actedOn, ps.rejectedReason); err != nil {
				m.log.Warn().Err(err).Int("slot", slot).Msg("persist candidate signal failed")
			}
		}

		if err := m.store.ReplaceCandidatePositions(ctx, slot, runner.tracker.Positions()); err != nil {
			m.log.Warn().Err(err).Int("slot", slot).Msg("persist candidate positions failed")
		}

		s := runner.Status()
		perf := domain.DailyPerformance{
			Date:            date,
			PortfolioValue:  s.TotalValue,
			Cash:            s.Cash,
			TradeCount:      s.TradeCount,
			Wins:            s.Wins,
			Losses:          s.Losses,
			NetPnL:          s.TotalPnL,
			WinRate:         s.WinRate,
			StrategyVersion: s.Version,
		}
		if err := m.store.UpsertCandidateDailyPerformance(ctx, slot, perf); err != nil {
			m.log.Warn().Err(err).Int("slot", slot).Msg("persist candidate daily performance failed")
		}
	}
}

// ActiveSlots returns the running slot numbers in ascending order.
func (m *Manager) ActiveSlots() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	slots := make([]int, 0, len(m.runners))
	for slot := range m.runners {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots
}

// FreeSlot returns the lowest unoccupied slot number, or 0 when every slot
// is busy.
func (m *Manager) FreeSlot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slot := 1; slot <= m.cfg.MaxSlots; slot++ {
		if _, busy := m.runners[slot]; !busy {
			return slot
		}
	}
	return 0
}

// Statuses reports every running slot's cumulative performance.
func (m *Manager) Statuses() []Status {
	var out []Status
	for _, slot := range m.ActiveSlots() {
		m.mu.Lock()
		runner := m.runners[slot]
		m.mu.Unlock()
		if runner != nil {
			out = append(out, runner.Status())
		}
	}
	return out
}

// Shutdown closes every runner without resolving its candidate row, so the
// slots recover as running on the next startup.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	runners := m.runners
	m.runners = make(map[int]*Runner)
	m.mu.Unlock()
	for slot, r := range runners {
		if err := r.Close(); err != nil {
			m.log.Warn().Err(err).Int("slot", slot).Msg("candidate worker close failed during shutdown")
		}
	}
}
