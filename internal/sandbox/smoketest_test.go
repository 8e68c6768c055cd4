package sandbox

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nightforge/internal/domain"
)

func readFixture(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// sandboxWorkDir returns a scratch directory inside this package (and so
// inside the module tree), required for `go build` to resolve the
// candidate's imports of nightforge's own internal packages.
func sandboxWorkDir(t *testing.T) string {
	t.Helper()
	dir := "testdata/work"
	require.NoError(t, os.MkdirAll(dir, 0o755))
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestSmokeTestStrategyPassesOnBundledFixture(t *testing.T) {
	code := readFixture(t, "../../cmd/fixturestrategy/main.go")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	r := SmokeTestStrategy(ctx, sandboxWorkDir(t), code, domain.RiskLimits{MaxTradePct: 0.05, MaxPositions: 5}, zerolog.Nop())
	require.True(t, r.Passed, "errors: %v", r.Errors)
}

func TestSmokeTestAnalysisPassesOnBundledFixture(t *testing.T) {
	code := readFixture(t, "../../cmd/fixtureanalysis/main.go")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	r := SmokeTestAnalysis(ctx, sandboxWorkDir(t), code)
	require.True(t, r.Passed, "errors: %v", r.Errors)
}

func TestSmokeTestStrategyFailsOnCompileError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	r := SmokeTestStrategy(ctx, sandboxWorkDir(t), "package main\nfunc main( {\n", domain.RiskLimits{}, zerolog.Nop())
	require.False(t, r.Passed)
}
