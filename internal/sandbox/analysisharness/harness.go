// Package analysisharness is the one-shot counterpart to
// internal/strategyworker for analysis modules: analysis code runs a single
// call per invocation rather than a long-running per-tick loop (spec.md
// §4.8 stage 4's "instantiate an in-memory store with canonical schema but
// no data, build a read-only facade, call analyze, verify no crash"), so it
// is realized as a plain subprocess with an exit-code/stdout contract
// instead of strategyworker's persistent msgpack-rpc protocol. Generated
// analysis code's own main() calls Run the way a generated strategy's
// main() calls strategyworker.Serve.
package analysisharness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/nightforge/internal/domain"
	"github.com/aristath/nightforge/internal/store"
)

// Run builds an in-memory store with the canonical schema and no data,
// wraps it in a read-only facade, invokes mod.Analyze, and reports the
// result on stdout as JSON, exiting 1 on any error or panic.
func Run(mod domain.AnalysisModule) {
	defer func() {
		if p := recover(); p != nil {
			fmt.Fprintf(os.Stderr, "analysis module panicked: %v\n", p)
			os.Exit(1)
		}
	}()

	// The sandbox smoke test runs against an empty in-memory store; a
	// production run (the orchestrator's context gathering) points the
	// harness at the real database read-only via NIGHTFORGE_DB.
	target := "file::memory:?cache=shared&mode=memory"
	migrate := true
	if path := os.Getenv("NIGHTFORGE_DB"); path != "" {
		target = "file:" + path + "?mode=ro"
		migrate = false
	}

	db, err := store.Open(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if migrate {
		if err := db.Migrate(); err != nil {
			fmt.Fprintf(os.Stderr, "migrate schema: %v\n", err)
			os.Exit(1)
		}
	}

	facade := store.NewReadOnlyFacade(db)
	schema := store.Schema()

	result, err := mod.Analyze(context.Background(), facade, schema)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze returned error: %v\n", err)
		os.Exit(1)
	}

	if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		os.Exit(1)
	}
}
