// Package dispatch drives one conversion job end to end on the trusted
// side: open the transport to a sandbox, deliver the code bundle, wait
// for the agent's exit status and translate it back into an error the
// caller can act on.
//
// There are no retries at this layer. A failed conversion means a fresh
// sandbox and a fresh job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiln-project/kiln/internal/invoker"
	"github.com/kiln-project/kiln/internal/logging"
	"github.com/kiln-project/kiln/internal/protocol"
	"github.com/kiln-project/kiln/internal/transport"
)

// Sandbox is one disposable execution environment. Open yields the
// boundary transport, Wait blocks until the agent inside has exited and
// reports its status, Close tears the sandbox down. Implementations are
// single use.
type Sandbox interface {
	Open(ctx context.Context) (transport.Conn, error)
	Wait(ctx context.Context) (int, error)
	Close() error
}

// Dispatcher delivers bundles into sandboxes.
type Dispatcher struct {
	Logger *slog.Logger
}

// Run sends bundle into the sandbox and waits for the agent to finish.
// The returned status is the agent's exit status. Status 113 comes back
// as a TruncatedTransferError, any other non-zero status as a
// ConversionError carrying the status opaquely.
func (d *Dispatcher) Run(ctx context.Context, sandbox Sandbox, bundle []byte) (int, error) {
	logger := logging.Ensure(d.loggerOrNil())

	defer func() {
		if err := sandbox.Close(); err != nil {
			logger.Warn("sandbox teardown error", "error", err)
		}
	}()

	conn, err := sandbox.Open(ctx)
	if err != nil {
		return invoker.ExitAgentFailure, fmt.Errorf("open sandbox transport: %w", err)
	}

	logger.Info("delivering bundle", "bundle_bytes", len(bundle))
	if err := protocol.Send(conn, bundle); err != nil {
		return invoker.ExitAgentFailure, fmt.Errorf("deliver bundle: %w", err)
	}

	status, err := sandbox.Wait(ctx)
	if err != nil {
		return invoker.ExitAgentFailure, fmt.Errorf("wait for agent: %w", err)
	}

	logger.Info("agent finished", "status", status)

	switch status {
	case invoker.ExitSuccess:
		return status, nil
	case invoker.ExitTruncatedTransfer:
		return status, &protocol.TruncatedTransferError{Declared: uint32(len(bundle))}
	default:
		return status, &invoker.ConversionError{Status: status}
	}
}

func (d *Dispatcher) loggerOrNil() *slog.Logger {
	if d == nil {
		return nil
	}
	return d.Logger
}

// ErrSandboxClosed reports reuse of a spent sandbox.
var ErrSandboxClosed = errors.New("dispatch: sandbox already closed")
