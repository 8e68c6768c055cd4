// Package domain holds the core data types shared by every nightforge
// component: candles, positions, trades, signals, and the strategy/analysis
// IO contract.
package domain

import "time"

// Action is what a Signal asks the shell to do.
type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionClose  Action = "CLOSE"
	ActionModify Action = "MODIFY"
)

// Intent classifies the expected holding horizon of a position.
type Intent string

const (
	IntentDay      Intent = "DAY"
	IntentSwing    Intent = "SWING"
	IntentPosition Intent = "POSITION"
)

// OrderType selects market vs limit execution.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Side is long or short. Nightforge only ever opens long positions against
// spot balances, but the field is carried through for symmetry with the
// contract and to keep the portfolio math side-aware.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Candle is one OHLCV bar at a given timeframe.
type Candle struct {
	Symbol    string
	Timeframe string // "5m", "1h", "1d"
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// Position is an open, tag-keyed holding. Unlike the Python original's
// symbol-keyed dict, nightforge keys positions by Tag so a strategy can run
// several concurrent entries on the same symbol (spec.md upgrade).
type Position struct {
	Symbol               string
	Tag                  string
	Side                 Side
	Qty                  float64
	AvgEntry             float64
	CurrentPrice         float64
	UnrealizedPnL        float64
	UnrealizedPnLPct     float64
	EntryFee             float64
	StopLoss             *float64
	TakeProfit           *float64
	Intent               Intent
	StrategyVersion      string
	OpenedAt             time.Time
	MaxAdverseExcursion  float64 // worst unrealized drawdown observed while open, as a fraction
}

// Trade is a closed (fully or partially) position leg.
type Trade struct {
	Symbol              string
	Tag                 string
	Side                Side
	Qty                 float64
	EntryPrice          float64
	ExitPrice           float64
	PnL                 float64
	PnLPct              float64
	Fees                float64
	Intent              Intent
	StrategyVersion     string
	CloseReason         string
	OpenedAt            time.Time
	ClosedAt            time.Time
	MaxAdverseExcursion float64
}

// Signal is what a strategy's Analyze returns: an instruction for the shell
// to evaluate through the risk manager and, if accepted, execute.
type Signal struct {
	Symbol              string
	Action              Action
	SizePct             float64 // 0.0-1.0 of portfolio, ignored for MODIFY/CLOSE
	OrderType           OrderType
	LimitPrice          *float64
	StopLoss            *float64
	TakeProfit          *float64
	Intent              Intent
	Confidence           float64
	Reasoning           string
	SlippageTolerance   *float64
	Tag                 string
}

// OpenPosition is the read-only view of a Position handed to strategy code.
type OpenPosition struct {
	Symbol           string
	Side             Side
	Qty              float64
	AvgEntry         float64
	CurrentPrice     float64
	UnrealizedPnL    float64
	UnrealizedPnLPct float64
	Intent           Intent
	StopLoss         *float64
	TakeProfit       *float64
	OpenedAt         time.Time
	Tag              string
}

// ClosedTrade is the read-only view of a Trade handed to strategy code.
type ClosedTrade struct {
	Symbol     string
	Side       Side
	Qty        float64
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	PnLPct     float64
	Fees       float64
	Intent     Intent
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// SymbolData is the per-symbol market snapshot passed into Analyze.
type SymbolData struct {
	Symbol       string
	CurrentPrice float64
	Candles5m    []Candle // last 30 days
	Candles1h    []Candle // last 1 year
	Candles1d    []Candle // last 7 years
	Spread       float64
	Volume24h    float64
	MakerFeePct  float64
	TakerFeePct  float64
}

// Portfolio is the read-only portfolio snapshot passed into Analyze.
type Portfolio struct {
	Cash         float64
	TotalValue   float64
	Positions    []OpenPosition
	RecentTrades []ClosedTrade // last 100
	DailyPnL     float64
	TotalPnL     float64
	FeesToday    float64
}

// RiskLimits is the configuration the risk manager enforces and the value
// every strategy is initialized with.
type RiskLimits struct {
	MaxTradePct                float64
	DefaultTradePct            float64
	MaxPositions               int
	MaxDailyLossPct            float64
	MaxDrawdownPct             float64
	MaxPositionPct             float64
	MaxDailyTrades             int
	RollbackConsecutiveLosses  int
	KillSwitch                 bool // operator-set; blocks every entry while true
}

// DailyPerformance is one row of the daily rollup used for drawdown and
// halt-state recovery across restarts.
type DailyPerformance struct {
	Date            string // YYYY-MM-DD, shell's local trading day
	PortfolioValue  float64
	Cash            float64
	TradeCount      int
	Wins            int
	Losses          int
	GrossPnL        float64
	NetPnL          float64
	FeesTotal       float64
	WinRate         float64
	StrategyVersion string
}

// StrategyVersion identifies one generation of deployed strategy code.
type StrategyVersion struct {
	Version         string
	Code            string
	CodeHash        string
	Description     string
	DeployedAt      time.Time
	PredecessorHash string
}

// CandidateStatus is the lifecycle state of a paper-trading candidate slot.
type CandidateStatus string

const (
	CandidateRunning  CandidateStatus = "running"
	CandidatePromoted CandidateStatus = "promoted"
	CandidateCanceled CandidateStatus = "canceled"
)

// Candidate is one paper-trading evaluation slot.
type Candidate struct {
	Slot                     int
	StrategyVersion          string
	Code                     string
	CodeHash                 string
	Description              string
	BacktestSummary          string
	PortfolioSnapshot        string // JSON: cash + cloned positions at creation
	EvaluationDurationDays   *int
	Status                   CandidateStatus
	CreatedAt                time.Time
	ResolvedAt               *time.Time
}

// ConditionalOrder is a pending stop-loss/take-profit watch attached to a
// live position, monitored by the position monitor job rather than placed
// on the exchange's own conditional-order book (spec.md §4.4).
type ConditionalOrder struct {
	Symbol     string
	Tag        string
	StopLoss   *float64
	TakeProfit *float64
}

// TokenUsage tracks LLM token spend for a single orchestrator call, kept for
// cost accounting and the weekly report.
type TokenUsage struct {
	Timestamp        time.Time
	Stage            string // "analysis", "generate", "review", ...
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// OrchestratorThought is one free-text reasoning entry persisted during a
// nightly cycle, forming the audit "thought spool".
type OrchestratorThought struct {
	CycleID   string
	Stage     string
	Sequence  int
	Content   string
	Timestamp time.Time
}

// OrchestratorObservation is a structured note the orchestrator records
// about the outcome of a decision (e.g. backtest result, sandbox verdict).
type OrchestratorObservation struct {
	CycleID   string
	Kind      string
	Detail    string
	Timestamp time.Time
}

// OrchestratorLog is a single line of the orchestrator's own operational
// log, distinct from the activity feed (spec.md supplemental entity).
type OrchestratorLog struct {
	CycleID   string
	Level     string
	Message   string
	Timestamp time.Time
}

// ActivityLogEntry is a free-text, leveled entry in the general activity
// feed (original_source/src/shell/activity.py), separate from structured
// notifications and orchestrator logs.
type ActivityLogEntry struct {
	Level     string // info|warn|error|critical
	Message   string
	Timestamp time.Time
}

// ExchangeHealth is the last-known latency/error snapshot for the REST and
// WebSocket legs of the exchange client.
type ExchangeHealth struct {
	RESTLatencyMs   int64
	RESTErrorCount  int
	WSConnected     bool
	WSLastMessageAt time.Time
	WSReconnects    int
	UpdatedAt       time.Time
}

// FeeSchedule is the cached per-pair maker/taker fee override fetched by the
// fee_check job.
type FeeSchedule struct {
	Symbol      string
	MakerFeePct float64
	TakerFeePct float64
	UpdatedAt   time.Time
}
