// Package strategyworker runs a nightforge Strategy out-of-process, spoken
// to over a length-prefixed MessagePack-RPC channel. A generated strategy's
// package main calls Serve from its own main() to become the child end of
// this protocol; internal/sandbox and internal/candidate drive the host end
// through Worker. Grounded on aristath-sentinel/bridge-go/main.go's
// rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(...)) pattern, generalized
// from a single long-lived TCP peer to a spawned, pipe-connected child
// process per strategy (spec.md Design Notes §9's "opaque strategy worker").
package strategyworker

import (
	"time"

	"github.com/aristath/nightforge/internal/domain"
)

// ServiceName is the net/rpc service name every worker registers under.
const ServiceName = "Strategy"

// InitializeArgs/Reply mirror domain.Strategy.Initialize.
type InitializeArgs struct {
	Limits  domain.RiskLimits
	Symbols []string
}

type InitializeReply struct{}

// AnalyzeArgs/Reply mirror domain.Strategy.Analyze.
type AnalyzeArgs struct {
	Markets   map[string]domain.SymbolData
	Portfolio domain.Portfolio
	Timestamp time.Time
}

type AnalyzeReply struct {
	Signals []domain.Signal
}

// OnFillArgs/Reply mirror domain.Strategy.OnFill.
type OnFillArgs struct {
	Symbol string
	Action domain.Action
	Qty    float64
	Price  float64
	Intent domain.Intent
	Tag    string
}

type OnFillReply struct{}

// OnPositionClosedArgs/Reply mirror domain.Strategy.OnPositionClosed.
type OnPositionClosedArgs struct {
	Symbol string
	PnL    float64
	PnLPct float64
	Tag    string
}

type OnPositionClosedReply struct{}

// GetStateArgs/Reply mirror domain.Strategy.GetState.
type GetStateArgs struct{}

type GetStateReply struct {
	State map[string]any
}

// LoadStateArgs/Reply mirror domain.Strategy.LoadState.
type LoadStateArgs struct {
	State map[string]any
}

type LoadStateReply struct{}

// ScanIntervalArgs/Reply mirror domain.Strategy.ScanIntervalMinutes.
type ScanIntervalArgs struct{}

type ScanIntervalReply struct {
	Minutes int
}
