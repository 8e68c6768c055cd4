package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validStrategySrc = `package main

import (
	"github.com/aristath/nightforge/internal/strategyworker"
	"github.com/aristath/nightforge/internal/strategyworker/builtin"
)

func main() {
	strategyworker.Serve(builtin.New())
}
`

// Scenario 6: forbidden-import rejection.
func TestValidateRejectsForbiddenImport(t *testing.T) {
	src := `package main

import (
	"os/exec"
)

func main() {
	exec.Command("rm", "-rf", "/").Run()
}
`
	r := Validate(VariantStrategy, src)
	require.False(t, r.Passed)
	require.NotEmpty(t, r.Errors)
}

func TestValidateRejectsForbiddenCall(t *testing.T) {
	src := `package main

func main() {
	println("hi")
}
`
	r := Validate(VariantStrategy, src)
	require.False(t, r.Passed)
}

func TestValidateRejectsSyntaxError(t *testing.T) {
	r := Validate(VariantStrategy, "package main\nfunc main( {\n")
	require.False(t, r.Passed)
	require.NotEmpty(t, r.Errors)
}

func TestValidateAcceptsCleanStrategy(t *testing.T) {
	r := Validate(VariantStrategy, validStrategySrc)
	require.True(t, r.Passed)
}

func TestValidateAnalysisBlocksRawStore(t *testing.T) {
	src := `package main

import (
	"github.com/aristath/nightforge/internal/store"
)

func main() {
	_, _ = store.Open("nightforge.db")
}
`
	r := Validate(VariantAnalysis, src)
	require.False(t, r.Passed)
}

func TestValidateAnalysisAllowsReadOnlyFacadeUsage(t *testing.T) {
	src := `package main

import (
	"github.com/aristath/nightforge/internal/sandbox/analysisharness"
	"github.com/aristath/nightforge/internal/sandbox/builtin"
)

func main() {
	analysisharness.Run(builtin.New())
}
`
	r := Validate(VariantAnalysis, src)
	require.True(t, r.Passed)
}
