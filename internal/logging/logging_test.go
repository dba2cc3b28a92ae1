package logging

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormatsAttributes(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelInfo)

	logger.With("component", "dispatch").Info("bundle sent", "bytes", 42)

	line := buf.String()
	if !strings.HasPrefix(line, "INFO ") {
		t.Fatalf("expected INFO prefix, got %q", line)
	}
	if !strings.Contains(line, "bundle sent") {
		t.Fatalf("message missing from %q", line)
	}
	if !strings.Contains(line, "component=dispatch") {
		t.Fatalf("component attribute missing from %q", line)
	}
	if !strings.Contains(line, "bytes=42") {
		t.Fatalf("bytes attribute missing from %q", line)
	}
}

func TestCLIHandlerFormatsErrors(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelInfo)

	logger.Error("transfer failed", "error", errors.New("stream closed"))

	if !strings.Contains(buf.String(), "error=stream closed") {
		t.Fatalf("error attribute missing from %q", buf.String())
	}
}

func TestCLIHandlerHonorsLevel(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	logger := NewCLI(&buf, slog.LevelWarn)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info record to be suppressed, got %q", buf.String())
	}

	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn record to pass, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	level, err := ParseLevel("warning")
	if err != nil {
		t.Fatalf("ParseLevel() error = %v", err)
	}
	if level != slog.LevelWarn {
		t.Fatalf("got %v, want %v", level, slog.LevelWarn)
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
