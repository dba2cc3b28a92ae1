package command

import (
	"context"
	"runtime"
	"strings"
	"testing"
)

func TestOutputCapturesStdout(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on sh")
	}

	runner := &ExecRunner{}
	out, err := runner.Output(context.Background(), "", "sh", "-c", "echo built")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if strings.TrimSpace(out) != "built" {
		t.Fatalf("got %q, want built", out)
	}
}

func TestRunReportsFailureWithOutput(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on sh")
	}

	runner := &ExecRunner{}
	err := runner.Run(context.Background(), "", "sh", "-c", "echo mirror unreachable >&2; exit 2")
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(err.Error(), "mirror unreachable") {
		t.Fatalf("error should carry tool output, got %v", err)
	}
}

func TestRunHonorsDir(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on sh")
	}

	dir := t.TempDir()
	runner := &ExecRunner{}
	out, err := runner.Output(context.Background(), dir, "sh", "-c", "pwd")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if !strings.Contains(out, dir) {
		t.Fatalf("command did not run in %s: %q", dir, out)
	}
}
