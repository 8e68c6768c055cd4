// Command fixturestrategy is the compiled worker binary for the bundled RSI
// reference strategy. internal/sandbox's self-test and
// internal/strategyworker's integration tests build this package with
// strategyworker.Build and spawn it with strategyworker.Spawn, exercising
// the exact child-process path a deployed or candidate strategy runs under.
package main

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/aristath/nightforge/internal/strategyworker"
	"github.com/aristath/nightforge/internal/strategyworker/builtin"
)

func main() {
	if err := strategyworker.Serve(builtin.New()); err != nil {
		logger := zerolog.New(os.Stderr)
		logger.Error().Err(err).Msg("strategy worker exited")
		os.Exit(1)
	}
}
