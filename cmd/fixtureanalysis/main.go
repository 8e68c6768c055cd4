// Command fixtureanalysis is the compiled one-shot binary for the bundled
// trade-summary reference analysis module, used by internal/sandbox's
// self-test.
package main

import (
	"github.com/aristath/nightforge/internal/sandbox/analysisharness"
	"github.com/aristath/nightforge/internal/sandbox/builtin"
)

func main() {
	analysisharness.Run(builtin.New())
}
