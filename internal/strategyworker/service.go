package strategyworker

import (
	"context"
	"io"
	"net/rpc"
	"os"

	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc"

	"github.com/aristath/nightforge/internal/domain"
)

// service adapts a domain.Strategy to the net/rpc calling convention
// (exported method, pointer-to-struct args/reply, single error return).
type service struct {
	strategy domain.Strategy
}

func (s *service) Initialize(args *InitializeArgs, reply *InitializeReply) error {
	return s.strategy.Initialize(args.Limits, args.Symbols)
}

func (s *service) Analyze(args *AnalyzeArgs, reply *AnalyzeReply) error {
	signals, err := s.strategy.Analyze(context.Background(), args.Markets, args.Portfolio, args.Timestamp)
	if err != nil {
		return err
	}
	reply.Signals = signals
	return nil
}

func (s *service) OnFill(args *OnFillArgs, reply *OnFillReply) error {
	return s.strategy.OnFill(args.Symbol, args.Action, args.Qty, args.Price, args.Intent, args.Tag)
}

func (s *service) OnPositionClosed(args *OnPositionClosedArgs, reply *OnPositionClosedReply) error {
	return s.strategy.OnPositionClosed(args.Symbol, args.PnL, args.PnLPct, args.Tag)
}

func (s *service) GetState(args *GetStateArgs, reply *GetStateReply) error {
	state, err := s.strategy.GetState()
	if err != nil {
		return err
	}
	reply.State = state
	return nil
}

func (s *service) LoadState(args *LoadStateArgs, reply *LoadStateReply) error {
	return s.strategy.LoadState(args.State)
}

func (s *service) ScanIntervalMinutes(args *ScanIntervalArgs, reply *ScanIntervalReply) error {
	reply.Minutes = s.strategy.ScanIntervalMinutes()
	return nil
}

// stdioConn adapts the process's own stdin/stdout into the io.ReadWriteCloser
// net/rpc's codec wants; Close is a no-op since the process owns both ends
// and exits when its parent closes the pipe.
type stdioConn struct {
	io.Reader
	io.Writer
}

func (stdioConn) Close() error { return nil }

// Serve registers strategy as the RPC service and blocks, answering calls
// over stdin/stdout, until the peer hangs up (the host closed the pipe, or
// killed the process). A generated strategy worker's package main calls this
// from its own main() after constructing the concrete strategy.
func Serve(strategy domain.Strategy) error {
	server := rpc.NewServer()
	if err := server.RegisterName(ServiceName, &service{strategy: strategy}); err != nil {
		return err
	}
	conn := stdioConn{Reader: os.Stdin, Writer: os.Stdout}
	server.ServeCodec(msgpackrpc.NewServerCodec(conn))
	return nil
}
