// Package config loads nightforge's configuration from environment
// variables (via godotenv) plus two declarative YAML files, matching the
// env-first pattern of trader-go/internal/config with YAML layered on top
// for the richer nested settings the trading engine needs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects paper vs live trading.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// General holds the top-level runtime settings.
type General struct {
	Mode                  Mode    `yaml:"mode"`
	PaperBalanceUSD       float64 `yaml:"paper_balance_usd"`
	Timezone              string  `yaml:"timezone"`
	LogLevel              string  `yaml:"log_level"`
	DefaultSlippageFactor float64 `yaml:"default_slippage_factor"`
}

// Strategy holds the scan cadence settings.
type Strategy struct {
	ScanIntervalMinutes int `yaml:"scan_interval_minutes"`
}

// Markets holds the tradable symbol universe.
type Markets struct {
	Symbols []string `yaml:"symbols"`
}

// Exchange holds endpoint and default fee configuration.
type Exchange struct {
	RESTBaseURL   string  `yaml:"rest_base_url"`
	WSBaseURL     string  `yaml:"ws_base_url"`
	MakerFeePct   float64 `yaml:"maker_fee_pct"`
	TakerFeePct   float64 `yaml:"taker_fee_pct"`
}

// AI holds the LLM provider/model configuration.
type AI struct {
	Provider       string `yaml:"provider"`
	StrongModel    string `yaml:"strong_model"`
	WeakModel      string `yaml:"weak_model"`
	DailyTokenLimit int   `yaml:"daily_token_limit"`
}

// Orchestrator holds the nightly-cycle schedule and iteration bounds.
type Orchestrator struct {
	StartHour             int `yaml:"start_hour"`
	StartMinute            int `yaml:"start_minute"`
	EndHour                int `yaml:"end_hour"`
	MaxRevisions           int `yaml:"max_revisions"`
	MaxStrategyIterations  int `yaml:"max_strategy_iterations"`
	MaxCandidates          int `yaml:"max_candidates"`
	TokenBudgetFloor       int `yaml:"token_budget_floor"`
}

// Data holds candle retention windows and scratch-space locations.
type Data struct {
	Retain5mDays   int    `yaml:"retain_5m_days"`
	Retain1hDays   int    `yaml:"retain_1h_days"`
	Retain1dYears  int    `yaml:"retain_1d_years"`
	SandboxWorkDir string `yaml:"sandbox_work_dir"` // throwaway dir internal/sandbox compiles candidate code into
	StrategyDir    string `yaml:"strategy_dir"`     // filesystem home of the active strategy source
}

// Fees holds the fee-refresh schedule.
type Fees struct {
	CheckIntervalHours int `yaml:"check_interval_hours"`
}

// Risk holds the risk manager's configured limits (spec.md §4.3/§6).
type Risk struct {
	MaxPositionPct              float64 `yaml:"max_position_pct"`
	MaxPositions                int     `yaml:"max_positions"`
	MaxLeverage                 float64 `yaml:"max_leverage"`
	MaxDailyLossPct             float64 `yaml:"max_daily_loss_pct"`
	MaxDailyTrades              int     `yaml:"max_daily_trades"`
	MaxTradePct                 float64 `yaml:"max_trade_pct"`
	DefaultTradePct             float64 `yaml:"default_trade_pct"`
	MaxDrawdownPct              float64 `yaml:"max_drawdown_pct"`
	RollbackConsecutiveLosses   int     `yaml:"rollback_consecutive_losses"`
	KillSwitch                  bool    `yaml:"kill_switch"`
}

// Archive holds optional S3 cold-storage export settings.
type Archive struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// Notifications gates each convenience emitter independently (spec.md
// §4.10: "each emitter is gated by a configuration flag; high-frequency
// ones default off").
type Notifications struct {
	MaxMessageBytes         int  `yaml:"max_message_bytes"`
	TradeExecuted           bool `yaml:"trade_executed"`
	StopTriggered           bool `yaml:"stop_triggered"`
	CandidateCreated        bool `yaml:"candidate_created"`
	CandidateCanceled       bool `yaml:"candidate_canceled"`
	CandidatePromoted       bool `yaml:"candidate_promoted"`
	StrategyDeployed        bool `yaml:"strategy_deployed"`
	RollbackAlert           bool `yaml:"rollback_alert"`
	SystemError             bool `yaml:"system_error"`
	WebSocketFailed         bool `yaml:"websocket_failed"`
	SystemOnline            bool `yaml:"system_online"`
	OrchestratorCycleStart  bool `yaml:"orchestrator_cycle_started"`
	OrchestratorCycleDone   bool `yaml:"orchestrator_cycle_completed"`
	DailySummary            bool `yaml:"daily_summary"`
	WeeklyReport            bool `yaml:"weekly_report"`
}

// Config is the fully assembled, validated configuration.
type Config struct {
	General      General      `yaml:"general"`
	Strategy     Strategy     `yaml:"strategy"`
	Markets      Markets      `yaml:"markets"`
	Exchange     Exchange     `yaml:"exchange"`
	AI           AI           `yaml:"ai"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Data         Data         `yaml:"data"`
	Fees         Fees         `yaml:"fees"`
	Archive      Archive      `yaml:"archive"`
	Notifications Notifications `yaml:"notifications"`

	Risk Risk `yaml:"risk"` // loaded from the separate risk.yaml file

	// Environment-only secrets, never written to a YAML file.
	ExchangeAPIKey    string
	ExchangeAPISecret string
	AIAPIKey          string
	NotifyBotToken    string
	NotifyChatID      string
	DatabasePath      string
}

// Load reads .env, then config.yaml and risk.yaml from dir, then overlays
// environment-only secrets, and validates the result.
func Load(dir string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if err := loadYAML(dir+"/config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("load config.yaml: %w", err)
	}
	riskWrapper := struct {
		Risk Risk `yaml:"risk"`
	}{Risk: cfg.Risk}
	if err := loadYAML(dir+"/risk.yaml", &riskWrapper); err != nil {
		return nil, fmt.Errorf("load risk.yaml: %w", err)
	}
	cfg.Risk = riskWrapper.Risk

	cfg.ExchangeAPIKey = getEnv("EXCHANGE_API_KEY", "")
	cfg.ExchangeAPISecret = getEnv("EXCHANGE_API_SECRET", "")
	cfg.AIAPIKey = getEnv("AI_API_KEY", "")
	cfg.NotifyBotToken = getEnv("NOTIFY_BOT_TOKEN", "")
	cfg.NotifyChatID = getEnv("NOTIFY_CHAT_ID", "")
	cfg.DatabasePath = getEnv("DATABASE_PATH", "./data/nightforge.db")

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		General: General{
			Mode:                  ModePaper,
			PaperBalanceUSD:       1000,
			Timezone:              "UTC",
			LogLevel:              "info",
			DefaultSlippageFactor: 0.0005,
		},
		Strategy: Strategy{ScanIntervalMinutes: 5},
		Exchange: Exchange{
			MakerFeePct: 0.25,
			TakerFeePct: 0.40,
		},
		Orchestrator: Orchestrator{
			StartHour:             3,
			StartMinute:           0,
			EndHour:               6,
			MaxRevisions:          12,
			MaxStrategyIterations: 9,
			MaxCandidates:         3,
			TokenBudgetFloor:      200_000,
		},
		Data: Data{
			Retain5mDays:   30,
			Retain1hDays:   365,
			Retain1dYears:  7,
			SandboxWorkDir: "./data/sandbox",
			StrategyDir:    "./data/strategy",
		},
		Fees: Fees{CheckIntervalHours: 24},
		Notifications: Notifications{
			MaxMessageBytes:        4096,
			TradeExecuted:          false,
			StopTriggered:          false,
			CandidateCreated:       true,
			CandidateCanceled:      true,
			CandidatePromoted:      true,
			StrategyDeployed:       true,
			RollbackAlert:          true,
			SystemError:            true,
			WebSocketFailed:        true,
			SystemOnline:           true,
			OrchestratorCycleStart: true,
			OrchestratorCycleDone:  true,
			DailySummary:           true,
			WeeklyReport:           true,
		},
		Risk: Risk{
			MaxPositionPct:            0.25,
			MaxPositions:              5,
			MaxLeverage:               1,
			MaxDailyLossPct:           0.05,
			MaxDailyTrades:            20,
			MaxTradePct:               0.05,
			DefaultTradePct:           0.02,
			MaxDrawdownPct:            0.10,
			RollbackConsecutiveLosses: 999,
		},
	}
}

func loadYAML(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(b, out)
}

// Validate collects every configuration violation instead of failing on the
// first one, per spec.md §6 ("invalid config aborts startup with the
// combined list of violations").
func (c *Config) Validate() []error {
	var errs []error

	if c.General.Mode != ModePaper && c.General.Mode != ModeLive {
		errs = append(errs, fmt.Errorf("general.mode must be paper or live, got %q", c.General.Mode))
	}
	if c.General.PaperBalanceUSD <= 0 {
		errs = append(errs, fmt.Errorf("general.paper_balance_usd must be > 0"))
	}
	if _, err := time.LoadLocation(c.General.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("general.timezone %q is not a valid IANA zone: %w", c.General.Timezone, err))
	}
	if c.General.DefaultSlippageFactor < 0 || c.General.DefaultSlippageFactor > 0.05 {
		errs = append(errs, fmt.Errorf("general.default_slippage_factor must be in [0, 0.05]"))
	}

	if len(c.Markets.Symbols) == 0 {
		errs = append(errs, fmt.Errorf("markets.symbols must contain at least one symbol"))
	}
	for _, s := range c.Markets.Symbols {
		if !strings.HasSuffix(s, "USD") {
			errs = append(errs, fmt.Errorf("markets.symbols entry %q must end in USD", s))
		}
	}

	if c.Strategy.ScanIntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("strategy.scan_interval_minutes must be >= 1"))
	}

	if c.Fees.CheckIntervalHours < 1 {
		errs = append(errs, fmt.Errorf("fees.check_interval_hours must be >= 1"))
	}

	r := c.Risk
	if r.MaxPositionPct <= 0 || r.MaxPositionPct > 1 {
		errs = append(errs, fmt.Errorf("risk.max_position_pct must be in (0,1]"))
	}
	if r.MaxPositions < 1 {
		errs = append(errs, fmt.Errorf("risk.max_positions must be >= 1"))
	}
	if r.MaxDailyLossPct <= 0 || r.MaxDailyLossPct > 1 {
		errs = append(errs, fmt.Errorf("risk.max_daily_loss_pct must be in (0,1]"))
	}
	if r.MaxDailyTrades < 1 {
		errs = append(errs, fmt.Errorf("risk.max_daily_trades must be >= 1"))
	}
	if r.MaxTradePct <= 0 || r.MaxTradePct > 1 {
		errs = append(errs, fmt.Errorf("risk.max_trade_pct must be in (0,1]"))
	}
	if !(r.DefaultTradePct <= r.MaxTradePct && r.MaxTradePct <= r.MaxPositionPct) {
		errs = append(errs, fmt.Errorf("risk: default_trade_pct <= max_trade_pct <= max_position_pct must hold"))
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 1 {
		errs = append(errs, fmt.Errorf("risk.max_drawdown_pct must be in (0,1]"))
	}
	if r.RollbackConsecutiveLosses < 1 {
		errs = append(errs, fmt.Errorf("risk.rollback_consecutive_losses must be >= 1"))
	}

	if c.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("DATABASE_PATH is required"))
	}

	return errs
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
