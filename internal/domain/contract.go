package domain

import (
	"context"
	"time"
)

// Strategy is the IO contract every deployed or candidate strategy must
// satisfy. In nightforge strategies run out-of-process (internal/strategyworker)
// so this interface also doubles as the RPC surface exposed by the worker.
type Strategy interface {
	// Initialize is called once on startup with the active risk limits and
	// tradable symbol list.
	Initialize(limits RiskLimits, symbols []string) error

	// Analyze is called on every scan tick. It must return quickly; slow
	// strategies are killed by the worker's call timeout.
	Analyze(ctx context.Context, markets map[string]SymbolData, portfolio Portfolio, timestamp time.Time) ([]Signal, error)

	// OnFill notifies the strategy that an order was filled.
	OnFill(symbol string, action Action, qty, price float64, intent Intent, tag string) error

	// OnPositionClosed notifies the strategy that a position fully closed.
	OnPositionClosed(symbol string, pnl, pnlPct float64, tag string) error

	// GetState serializes internal state for persistence across restarts.
	GetState() (map[string]any, error)

	// LoadState restores internal state after a restart.
	LoadState(state map[string]any) error

	// ScanIntervalMinutes reports how often Analyze should be invoked.
	ScanIntervalMinutes() int
}

// AnalysisModule is the IO contract for orchestrator-generated analysis
// code: it receives a read-only database handle and a schema description
// and returns a structured report.
type AnalysisModule interface {
	Analyze(ctx context.Context, db ReadOnlyQuerier, schema SchemaDescription) (map[string]any, error)
}

// ReadOnlyQuerier is the minimal surface an AnalysisModule is allowed to use.
// Implemented by internal/store.ReadOnlyFacade.
type ReadOnlyQuerier interface {
	Query(ctx context.Context, stmt string, args ...any) ([]map[string]any, error)
}

// SchemaDescription describes all tables/columns available to analysis
// modules, handed to them alongside the read-only handle.
type SchemaDescription struct {
	Tables map[string][]ColumnDescription
}

// ColumnDescription is one column of one table in SchemaDescription.
type ColumnDescription struct {
	Name string
	Type string
}
