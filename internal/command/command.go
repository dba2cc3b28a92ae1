// Package command wraps external build-tool invocation so pipelines can
// swap in a recording stub under test.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kiln-project/kiln/internal/logging"
)

// Runner executes external commands on behalf of a build pipeline.
type Runner interface {
	// Run executes name with args in dir and fails on a non-zero exit.
	Run(ctx context.Context, dir, name string, args ...string) error

	// Output executes the command and returns its combined output.
	Output(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	_, err := r.Output(ctx, dir, name, args...)
	return err
}

func (r *ExecRunner) Output(ctx context.Context, dir, name string, args ...string) (string, error) {
	logger := logging.Ensure(r.loggerOrNil())
	logger.Debug("running command", "command", name+" "+strings.Join(args, " "), "dir", dir)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return string(output), fmt.Errorf("%s: %w (output: %s)", name, err, trimmed)
		}
		return string(output), fmt.Errorf("%s: %w", name, err)
	}
	return string(output), nil
}

func (r *ExecRunner) loggerOrNil() *slog.Logger {
	if r == nil {
		return nil
	}
	return r.Logger
}
