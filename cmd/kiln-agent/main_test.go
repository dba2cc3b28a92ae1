package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiln-project/kiln/internal/bundle"
	"github.com/kiln-project/kiln/internal/invoker"
	"github.com/kiln-project/kiln/internal/protocol"
	"github.com/kiln-project/kiln/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stdinConn wraps a prepared wire byte sequence the way the agent sees
// its stdin: readable once, writes discarded.
func stdinConn(wire []byte) transport.Conn {
	return transport.NewPipe(io.NopCloser(bytes.NewReader(wire)), nil)
}

func packedExchange(t *testing.T, document []byte) []byte {
	t.Helper()

	bundleDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(bundleDir, "convert.conf"), []byte("mode=test\n"), 0o644); err != nil {
		t.Fatalf("write bundle file: %v", err)
	}
	docPath := filepath.Join(t.TempDir(), "input.pdf")
	if err := os.WriteFile(docPath, document, 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}

	payload, err := bundle.PackWithDocument(bundleDir, docPath)
	if err != nil {
		t.Fatalf("PackWithDocument() error = %v", err)
	}

	var wire bytes.Buffer
	if err := protocol.Send(&wire, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	return wire.Bytes()
}

func TestRunInvokesBuiltinEntryPoint(t *testing.T) {
	t.Parallel()

	wire := packedExchange(t, []byte("%PDF-1.4 document"))
	stagingDir := t.TempDir()

	status := run(context.Background(), testLogger(), stdinConn(wire), invoker.CopyEntryPoint, stagingDir)
	if status != invoker.ExitSuccess {
		t.Fatalf("got status %d, want %d", status, invoker.ExitSuccess)
	}
}

func TestRunTruncatedTransferReservedStatus(t *testing.T) {
	t.Parallel()

	wire := packedExchange(t, []byte("%PDF-1.4 document"))
	if len(wire) <= protocol.HeaderLength+10 {
		t.Fatalf("exchange too small to truncate: %d bytes", len(wire))
	}

	// Header declares the full payload; the stream ends after 10 bytes.
	truncated := wire[:protocol.HeaderLength+10]

	status := run(context.Background(), testLogger(), stdinConn(truncated), "", t.TempDir())
	if status != invoker.ExitTruncatedTransfer {
		t.Fatalf("got status %d, want %d", status, invoker.ExitTruncatedTransfer)
	}
}

func TestRunShortHeaderIsAgentFailure(t *testing.T) {
	t.Parallel()

	status := run(context.Background(), testLogger(), stdinConn([]byte{0x00, 0x01}), "", t.TempDir())
	if status != invoker.ExitAgentFailure {
		t.Fatalf("got status %d, want %d", status, invoker.ExitAgentFailure)
	}
}

func TestRunStagingFailureIsAgentFailure(t *testing.T) {
	t.Parallel()

	// A complete exchange whose payload is not a gzip stream: reception
	// succeeds, staging must fail without reaching any entry point.
	var wire bytes.Buffer
	if err := protocol.Send(&wire, []byte("definitely not a tarball")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	status := run(context.Background(), testLogger(), stdinConn(wire.Bytes()), "", t.TempDir())
	if status != invoker.ExitAgentFailure {
		t.Fatalf("got status %d, want %d", status, invoker.ExitAgentFailure)
	}
}
