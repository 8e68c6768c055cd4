package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// runAnalysisBinary runs the compiled one-shot analysis worker and returns
// its stdout, treating a non-zero exit or a killed process as failure.
func runAnalysisBinary(ctx context.Context, binPath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
