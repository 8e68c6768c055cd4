// Package engine is nightforge's main loop: it wires the store, exchange
// client, risk manager, portfolio tracker, strategy loader, candidate
// manager, orchestrator and notification sink together, registers every
// periodic job on the scheduler (spec.md §4.1), and owns the graceful
// shutdown ordering. Grounded on trader-go/cmd/server/main.go's wiring
// sequence, pulled into a package so the §8 end-to-end scenarios can be
// exercised in tests.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/ai"
	"github.com/aristath/nightforge/internal/archive"
	"github.com/aristath/nightforge/internal/candidate"
	"github.com/aristath/nightforge/internal/config"
	"github.com/aristath/nightforge/internal/datastore"
	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/exchange"
	"github.com/aristath/nightforge/internal/notification"
	"github.com/aristath/nightforge/internal/orchestrator"
	"github.com/aristath/nightforge/internal/portfolio"
	"github.com/aristath/nightforge/internal/risk"
	"github.com/aristath/nightforge/internal/scheduler"
	"github.com/aristath/nightforge/internal/store"
)

// Engine is the assembled trading system.
type Engine struct {
	cfg *config.Config
	tz  *time.Location
	log zerolog.Logger

	db         *store.DB
	repo       *store.Repository
	client     *exchange.Client
	stream     *exchange.Stream
	cache      *marketCache
	md         *marketData
	fees       *feeBook
	risk       *risk.Manager
	tracker    *portfolio.Tracker
	loader     *Loader
	candidates *candidate.Manager
	oracle     *ai.Client
	orch       *orchestrator.Orchestrator
	sched      *scheduler.Scheduler
	notifier   *notification.Sink
	maintainer *datastore.Maintainer
	archiver   *archive.Archiver

	mu            sync.Mutex
	pendingReload string
	alertedHalt   risk.HaltReason

	wsWG sync.WaitGroup
}

// New assembles the engine: opens the store, recovers risk counters and
// positions, loads the active strategy (pausing trading on failure rather
// than aborting), and recovers running candidates.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Engine, error) {
	tz, err := time.LoadLocation(cfg.General.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	repo := store.NewRepository(db, log)

	client := exchange.New(exchange.Config{
		RESTBaseURL: cfg.Exchange.RESTBaseURL,
		APIKey:      cfg.ExchangeAPIKey,
		APISecret:   cfg.ExchangeAPISecret,
	}, log)

	notifier := notification.New(cfg, log)

	limits := domain.RiskLimits{
		MaxTradePct:               cfg.Risk.MaxTradePct,
		DefaultTradePct:           cfg.Risk.DefaultTradePct,
		MaxPositions:              cfg.Risk.MaxPositions,
		MaxDailyLossPct:           cfg.Risk.MaxDailyLossPct,
		MaxDrawdownPct:            cfg.Risk.MaxDrawdownPct,
		MaxPositionPct:            cfg.Risk.MaxPositionPct,
		MaxDailyTrades:            cfg.Risk.MaxDailyTrades,
		RollbackConsecutiveLosses: cfg.Risk.RollbackConsecutiveLosses,
		KillSwitch:                cfg.Risk.KillSwitch,
	}

	riskMgr := risk.New(limits, log)
	if err := riskMgr.Initialize(ctx, repo, tz); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover risk counters: %w", err)
	}

	initialCash, err := resolveInitialCash(ctx, cfg, client, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	tracker := portfolio.New(portfolio.Config{
		InitialCash: initialCash,
		Mode:        cfg.General.Mode,
		Slippage:    cfg.General.DefaultSlippageFactor,
		Store:       repo,
		LiveExec:    &recordingExecutor{client: client, repo: repo, log: log},
		TZ:          tz,
	}, log)
	if err := tracker.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("recover positions: %w", err)
	}

	fees := newFeeBook(cfg.Exchange.MakerFeePct, cfg.Exchange.TakerFeePct)
	if schedules, err := repo.FeeSchedules(ctx); err == nil {
		fees.load(schedules)
	}

	cache := newMarketCache()
	md := &marketData{client: client, repo: repo, cache: cache, fees: fees, log: log}

	loader := NewLoader(repo, cfg.Data.SandboxWorkDir, cfg.Data.StrategyDir, limits, cfg.Markets.Symbols, log)

	candidates := candidate.NewManager(repo, loader, candidate.Config{
		MaxSlots:    cfg.Orchestrator.MaxCandidates,
		Symbols:     cfg.Markets.Symbols,
		Limits:      limits,
		Slippage:    cfg.General.DefaultSlippageFactor,
		MakerFeePct: cfg.Exchange.MakerFeePct,
		TakerFeePct: cfg.Exchange.TakerFeePct,
		TZ:          tz,
	}, log)

	oracle := ai.New(ai.Config{
		APIKey:      cfg.AIAPIKey,
		StrongModel: cfg.AI.StrongModel,
		WeakModel:   cfg.AI.WeakModel,
		DailyLimit:  cfg.AI.DailyTokenLimit,
		TZ:          tz,
	}, repo, log)

	maintainer := datastore.New(repo, datastore.Retention{
		Keep5mDays:  cfg.Data.Retain5mDays,
		Keep1hDays:  cfg.Data.Retain1hDays,
		Keep1dYears: cfg.Data.Retain1dYears,
	}, log)

	archiver, err := archive.New(ctx, cfg.Archive, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("archive setup: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		tz:         tz,
		log:        log.With().Str("component", "engine").Logger(),
		db:         db,
		repo:       repo,
		client:     client,
		cache:      cache,
		md:         md,
		fees:       fees,
		risk:       riskMgr,
		tracker:    tracker,
		loader:     loader,
		candidates: candidates,
		oracle:     oracle,
		notifier:   notifier,
		maintainer: maintainer,
		archiver:   archiver,
		sched:      scheduler.New(tz, log),
	}

	e.orch = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Repo:               repo,
		Oracle:             oracle,
		StrongModel:        cfg.AI.StrongModel,
		WeakModel:          cfg.AI.WeakModel,
		Sandboxer:          loader,
		Backtester:         loader,
		Candidates:         candidates,
		Notifier:           notifier,
		Fund:               fundView{e},
		Maintainer:         maintainer,
		AnalysisRunner:     loader,
		RiskStatus:         riskMgr.Status,
		OnStrategyDeployed: e.requestReload,
	}, log)

	// A strategy that won't load pauses trading but keeps the system alive
	// (spec.md §7 StrategyLoadFailure).
	if err := loader.LoadActive(ctx); err != nil {
		e.log.Error().Err(err).Msg("strategy load failed, trading paused")
		notifier.SystemError("strategy_load", err)
	}

	if err := candidates.Initialize(ctx); err != nil {
		e.log.Error().Err(err).Msg("candidate recovery failed")
	}

	return e, nil
}

// resolveInitialCash picks the paper balance or, in live mode, the
// exchange's reported USD balance.
func resolveInitialCash(ctx context.Context, cfg *config.Config, client *exchange.Client, log zerolog.Logger) (float64, error) {
	if cfg.General.Mode == config.ModePaper {
		return cfg.General.PaperBalanceUSD, nil
	}
	balance, err := client.Balance(ctx)
	if err != nil {
		return 0, fmt.Errorf("live balance: %w", err)
	}
	for _, asset := range []string{"ZUSD", "USD"} {
		if v, ok := balance[asset]; ok {
			return v, nil
		}
	}
	log.Warn().Msg("no USD balance reported, starting from zero cash")
	return 0, nil
}

// fundView exposes the fund portfolio to the orchestrator.
type fundView struct{ e *Engine }

func (f fundView) Cash() float64                { return f.e.tracker.Cash() }
func (f fundView) Positions() []domain.Position { return f.e.tracker.Positions() }

// CloseAll force-closes every fund position, used by the close_all
// promotion path. Each close is recorded with the given reason.
func (f fundView) CloseAll(ctx context.Context, reason string) error {
	prices := f.e.md.currentPrices(ctx, f.e.cfg.Markets.Symbols)
	maker, taker := f.e.cfg.Exchange.MakerFeePct, f.e.cfg.Exchange.TakerFeePct
	var firstErr error
	for _, p := range f.e.tracker.Positions() {
		price, ok := prices[p.Symbol]
		if !ok {
			price = p.CurrentPrice
		}
		fill, err := f.e.tracker.CloseByReason(ctx, p.Tag, price, maker, taker, reason)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if fill.Trade != nil {
			f.e.risk.RecordTradeResult(fill.Trade.PnL)
		}
	}
	return firstErr
}

// requestReload flags the scan loop to hot-reload the deployed strategy
// before its next analyze call (spec.md §5's ordering guarantee).
func (e *Engine) requestReload(version string) {
	e.mu.Lock()
	e.pendingReload = version
	e.mu.Unlock()
}

// Start registers every job and begins serving. The WebSocket stream runs
// on its own goroutine; its permanent failure flips the cache into REST
// polling and alerts (spec.md §4.9).
func (e *Engine) Start() error {
	if err := e.registerJobs(); err != nil {
		return err
	}

	e.stream = exchange.NewStream(e.cfg.Exchange.WSBaseURL, e.cfg.Markets.Symbols, 0, exchange.Handlers{
		OnTicker: e.cache.setTicker,
		OnCandle: e.cache.addCandle,
		OnPermanentFailure: func(err error) {
			e.cache.markWSDown()
			e.notifier.WebSocketFailed(err)
		},
	}, e.log)
	e.wsWG.Add(1)
	go func() {
		defer e.wsWG.Done()
		e.stream.Run(context.Background())
	}()

	e.sched.Start()
	e.notifier.SystemOnline(string(e.cfg.General.Mode))
	e.log.Info().Str("mode", string(e.cfg.General.Mode)).Msg("nightforge started")
	return nil
}

func (e *Engine) registerJobs() error {
	scanInterval := time.Duration(e.cfg.Strategy.ScanIntervalMinutes) * time.Minute
	if err := e.sched.AddEvery("scan", scanInterval, 10*time.Second, e.runScan); err != nil {
		return err
	}
	if err := e.sched.AddEvery("position_monitor", 30*time.Second, 0, e.runPositionMonitor); err != nil {
		return err
	}
	feeInterval := time.Duration(e.cfg.Fees.CheckIntervalHours) * time.Hour
	if err := e.sched.AddEvery("fee_check", feeInterval, time.Minute, e.runFeeCheck); err != nil {
		return err
	}
	if err := e.sched.AddCron("daily_snapshot", scheduler.DailyAt(23, 55), e.runDailySnapshot); err != nil {
		return err
	}
	if err := e.sched.AddCron("daily_reset", scheduler.DailyAt(0, 0), e.runDailyReset); err != nil {
		return err
	}
	nightly := scheduler.DailyAt(e.cfg.Orchestrator.StartHour, e.cfg.Orchestrator.StartMinute)
	if err := e.sched.AddCron("nightly_orchestration", nightly, e.runNightly); err != nil {
		return err
	}
	if err := e.sched.AddCron("weekly_report", scheduler.WeeklyAt(time.Sunday, 20, 0), e.runWeeklyReport); err != nil {
		return err
	}
	return e.sched.AddEvery("health_check", time.Hour, 0, e.runHealthCheck)
}

// Shutdown runs spec.md §4.1's ordered, best-effort teardown.
func (e *Engine) Shutdown() {
	e.log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. Stop accepting new job fires.
	e.sched.Stop()

	// 2. Persist the active strategy's opaque state blob.
	if err := e.loader.PersistState(ctx); err != nil {
		e.log.Warn().Err(err).Msg("strategy state persist failed")
	}

	// 3. In live mode, cancel unfilled exchange orders.
	if e.cfg.General.Mode == config.ModeLive {
		if n, err := e.client.CancelAllOrders(ctx); err != nil {
			e.log.Warn().Err(err).Msg("cancel open orders failed")
		} else if n > 0 {
			e.log.Info().Int("canceled", n).Msg("open orders canceled")
		}
		if err := e.repo.MarkPendingOrders(ctx, "canceled"); err != nil {
			e.log.Warn().Err(err).Msg("order tracking cancel failed")
		}
	}

	// 4. Stop the WebSocket stream.
	if e.stream != nil {
		e.stream.Stop()
		e.wsWG.Wait()
	}

	// 5. Stop the notification sink (fire-and-forget; nothing to drain) and
	// the strategy workers behind it.
	e.candidates.Shutdown()
	e.loader.Close()

	// 6. Close the exchange REST client.
	e.client.Close()

	// 7. Commit and close the store.
	if err := e.db.WALCheckpoint(""); err != nil {
		e.log.Warn().Err(err).Msg("wal checkpoint failed")
	}
	if err := e.db.Close(); err != nil {
		e.log.Warn().Err(err).Msg("store close failed")
	}
	e.log.Info().Msg("shutdown complete")
}
