// kiln-agent is the untrusted side of the code-delivery protocol. It runs
// inside a sandbox, reads exactly one bundle exchange from stdin, stages
// it, invokes the bundle's entry point and exits with the contract status.
// All diagnostics go to stderr; nothing is ever written to stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kiln-project/kiln/internal/bundle"
	"github.com/kiln-project/kiln/internal/invoker"
	"github.com/kiln-project/kiln/internal/logging"
	"github.com/kiln-project/kiln/internal/protocol"
	"github.com/kiln-project/kiln/internal/transport"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log verbosity (debug, info, warning, error)")
	entryPoint := flag.String("entry-point", "", "Registered entry point name; empty runs the bundle executable")
	stagingDir := flag.String("staging-dir", "", "Directory bundles are staged under (default system temp)")
	flag.Parse()

	var levelVar slog.LevelVar
	if level, err := logging.ParseLevel(*logLevel); err == nil {
		levelVar.Set(level)
	}
	logger := logging.NewCLI(os.Stderr, &levelVar).With("component", "agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, logger, transport.Stdio(), *entryPoint, *stagingDir))
}

func run(ctx context.Context, logger *slog.Logger, conn transport.Conn, entryPoint, stagingDir string) int {
	payload, err := protocol.Receive(conn)
	if err != nil {
		var truncated *protocol.TruncatedTransferError
		if errors.As(err, &truncated) {
			logger.Error("bundle transfer truncated",
				"declared", truncated.Declared,
				"received", truncated.Received,
			)
			return invoker.ExitTruncatedTransfer
		}
		logger.Error("bundle reception failed", "error", err)
		return invoker.ExitAgentFailure
	}
	logger.Info("received bundle", "bundle_bytes", len(payload))

	staged, err := bundle.Stage(payload, stagingDir)
	if err != nil {
		logger.Error("bundle staging failed", "error", err)
		return invoker.ExitAgentFailure
	}
	defer func() {
		if err := staged.Close(); err != nil {
			logger.Warn("staging cleanup error", "error", err)
		}
	}()

	inv := invoker.Invocation{
		EntryPoint: entryPoint,
		WorkDir:    staged.Root,
	}
	inputPath := filepath.Join(staged.Root, filepath.FromSlash(bundle.InputEntryName))
	if _, err := os.Stat(inputPath); err == nil {
		inv.InputPath = inputPath
		inv.OutputPath = filepath.Join(staged.Root, "data", "output")
	}

	agentInvoker := &invoker.Invoker{Registry: invoker.Builtins(), Logger: logger}
	status, err := agentInvoker.Run(ctx, staged.Root, inv)
	if err != nil {
		logger.Error("invocation failed", "error", err, "status", status)
		return status
	}

	logger.Info("invocation finished", "status", status)
	return status
}
