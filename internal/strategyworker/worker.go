package strategyworker

import (
	"context"
	"fmt"
	"io"
	"net/rpc"
	"os/exec"
	"path/filepath"
	"time"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc"
	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/apperr"
	"github.com/aristath/nightforge/internal/domain"
)

// DefaultCallTimeout bounds every RPC round trip; a strategy that doesn't
// answer within this window is treated as hung and its worker is killed.
const DefaultCallTimeout = 5 * time.Second

// Build compiles the Go source under srcDir (a package main that calls
// strategyworker.Serve from its own main) into a worker binary at binPath.
// This is nightforge's realization of spec.md §4.8's "materialize the code
// to a throwaway location, load it dynamically": Go has no source-level
// dynamic import, so materialization means compiling a real binary.
func Build(ctx context.Context, srcDir, binPath string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binPath, ".")
	cmd.Dir = srcDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return apperr.New(apperr.KindSandboxFailure, "strategyworker.Build", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

// Worker is the host-side handle to a running strategy child process.
type Worker struct {
	cmd    *exec.Cmd
	client *rpc.Client
	log    zerolog.Logger
}

// Spawn launches the compiled binary at binPath and dials it over its own
// stdin/stdout using the MessagePack-RPC codec.
func Spawn(ctx context.Context, binPath string, log zerolog.Logger) (*Worker, error) {
	cmd := exec.CommandContext(ctx, binPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = &logWriter{log: log}

	if err := cmd.Start(); err != nil {
		return nil, apperr.New(apperr.KindSandboxFailure, "strategyworker.Spawn", err)
	}

	conn := hostConn{ReadCloser: stdout, WriteCloser: stdin}
	client := rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(conn))

	return &Worker{
		cmd:    cmd,
		client: client,
		log:    log.With().Str("component", "strategyworker").Str("binary", filepath.Base(binPath)).Logger(),
	}, nil
}

// hostConn pairs the child's stdout (as our reader) with its stdin (as our
// writer) into the single io.ReadWriteCloser net/rpc's codec expects.
type hostConn struct {
	io.ReadCloser
	io.WriteCloser
}

func (c hostConn) Close() error {
	_ = c.WriteCloser.Close()
	return c.ReadCloser.Close()
}

// logWriter routes the child's stderr into the structured logger line by
// line instead of leaking straight to the host's own stderr.
type logWriter struct{ log zerolog.Logger }

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Warn().Str("stream", "stderr").Msg(string(p))
	return len(p), nil
}

func (w *Worker) call(ctx context.Context, method string, args, reply any) error {
	call := w.client.Go(ServiceName+"."+method, args, reply, nil)
	select {
	case <-ctx.Done():
		w.Kill()
		return apperr.New(apperr.KindSandboxFailure, "strategyworker.call", fmt.Errorf("%s timed out: %w", method, ctx.Err()))
	case res := <-call.Done:
		if res.Error != nil {
			return apperr.New(apperr.KindStrategyLoad, "strategyworker."+method, res.Error)
		}
		return nil
	}
}

func (w *Worker) withTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return context.WithTimeout(parent, timeout)
}

// Initialize calls the strategy's Initialize over RPC.
func (w *Worker) Initialize(ctx context.Context, limits domain.RiskLimits, symbols []string) error {
	ctx, cancel := w.withTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	return w.call(ctx, "Initialize", &InitializeArgs{Limits: limits, Symbols: symbols}, &InitializeReply{})
}

// Analyze calls the strategy's Analyze over RPC within the given timeout.
func (w *Worker) Analyze(ctx context.Context, markets map[string]domain.SymbolData, portfolio domain.Portfolio, ts time.Time, timeout time.Duration) ([]domain.Signal, error) {
	ctx, cancel := w.withTimeout(ctx, timeout)
	defer cancel()
	var reply AnalyzeReply
	if err := w.call(ctx, "Analyze", &AnalyzeArgs{Markets: markets, Portfolio: portfolio, Timestamp: ts}, &reply); err != nil {
		return nil, err
	}
	return reply.Signals, nil
}

// OnFill calls the strategy's OnFill over RPC.
func (w *Worker) OnFill(ctx context.Context, symbol string, action domain.Action, qty, price float64, intent domain.Intent, tag string) error {
	ctx, cancel := w.withTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	return w.call(ctx, "OnFill", &OnFillArgs{Symbol: symbol, Action: action, Qty: qty, Price: price, Intent: intent, Tag: tag}, &OnFillReply{})
}

// OnPositionClosed calls the strategy's OnPositionClosed over RPC.
func (w *Worker) OnPositionClosed(ctx context.Context, symbol string, pnl, pnlPct float64, tag string) error {
	ctx, cancel := w.withTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	return w.call(ctx, "OnPositionClosed", &OnPositionClosedArgs{Symbol: symbol, PnL: pnl, PnLPct: pnlPct, Tag: tag}, &OnPositionClosedReply{})
}

// GetState calls the strategy's GetState over RPC.
func (w *Worker) GetState(ctx context.Context) (map[string]any, error) {
	ctx, cancel := w.withTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	var reply GetStateReply
	if err := w.call(ctx, "GetState", &GetStateArgs{}, &reply); err != nil {
		return nil, err
	}
	return reply.State, nil
}

// LoadState calls the strategy's LoadState over RPC.
func (w *Worker) LoadState(ctx context.Context, state map[string]any) error {
	ctx, cancel := w.withTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	return w.call(ctx, "LoadState", &LoadStateArgs{State: state}, &LoadStateReply{})
}

// ScanIntervalMinutes calls the strategy's ScanIntervalMinutes over RPC.
func (w *Worker) ScanIntervalMinutes(ctx context.Context) (int, error) {
	ctx, cancel := w.withTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	var reply ScanIntervalReply
	if err := w.call(ctx, "ScanIntervalMinutes", &ScanIntervalArgs{}, &reply); err != nil {
		return 0, err
	}
	return reply.Minutes, nil
}

// Kill terminates the child process immediately. Safe to call more than
// once and after a normal Close.
func (w *Worker) Kill() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// Close closes the RPC client and waits for the child to exit, killing it
// if it doesn't within a grace period.
func (w *Worker) Close() error {
	_ = w.client.Close()
	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		w.Kill()
		<-done
		return nil
	}
}
