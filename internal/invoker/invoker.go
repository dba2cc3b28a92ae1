// Package invoker locates the conversion entry point inside a staged
// bundle and runs it to completion.
//
// The entry-point contract is explicit: a bundle ships an executable at
// the well-known path bin/entrypoint relative to its root, or the host and
// sandbox agree on a named in-process entry point registered ahead of
// time. Resolution is an explicit lookup, never an import-path search.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kiln-project/kiln/internal/logging"
)

// EntryPointPath is the well-known location of the bundle's executable
// entry point, relative to the bundle root.
const EntryPointPath = "bin/entrypoint"

// Process exit statuses reported by the sandbox agent.
const (
	// ExitSuccess means the conversion entry point completed with status 0.
	ExitSuccess = 0

	// ExitAgentFailure is the generic agent failure status, covering
	// protocol violations and staging errors. Entry-point statuses other
	// than 1 pass through unchanged.
	ExitAgentFailure = 1

	// ExitTruncatedTransfer is reserved exclusively for a truncated bundle
	// transfer. No conversion entry point may produce it; the host relies
	// on this value to distinguish "bundle never ran" from every
	// conversion outcome.
	ExitTruncatedTransfer = 113
)

// Invocation describes one conversion run. InputPath and OutputPath are
// the out-of-band document channels agreed with the entry point; WorkDir
// defaults to the bundle root.
type Invocation struct {
	// EntryPoint optionally names a registered in-process entry point.
	// Empty means the bundle's bin/entrypoint executable.
	EntryPoint string

	WorkDir    string
	InputPath  string
	OutputPath string
	Args       []string
}

// Func is an in-process conversion entry point. It runs to completion and
// returns the process-style status that becomes the agent's exit status.
type Func func(ctx context.Context, inv Invocation) int

// Registry holds named in-process entry points. Registration is explicit;
// looking up an unregistered name is an error, not a fallback.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Func)}
}

// Register binds name to fn. Re-registering a name is a programming error.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return errors.New("entry point name is required")
	}
	if fn == nil {
		return fmt.Errorf("entry point %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("entry point %q is already registered", name)
	}
	r.entries[name] = fn
	return nil
}

// Lookup returns the entry point registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entries[name]
	return fn, ok
}

// Names returns the registered entry point names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConversionError reports a non-zero entry-point status. The status is
// opaque to the core: it is relayed, never inspected or retried.
type ConversionError struct {
	Status int
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion entry point exited with status %d", e.Status)
}

// Invoker resolves and runs conversion entry points.
type Invoker struct {
	Registry *Registry
	Logger   *slog.Logger
}

// Run resolves the entry point for inv against the staged bundle root and
// blocks until it completes. The returned status is the entry point's own
// completion status; err is non-nil only when the entry point could not be
// resolved or started at all.
func (i *Invoker) Run(ctx context.Context, bundleRoot string, inv Invocation) (int, error) {
	logger := logging.Ensure(i.Logger).With("component", "invoker")

	if bundleRoot == "" {
		return ExitAgentFailure, errors.New("bundle root is required")
	}
	if inv.WorkDir == "" {
		inv.WorkDir = bundleRoot
	}
	if err := validateInvocation(inv); err != nil {
		return ExitAgentFailure, err
	}

	if inv.EntryPoint != "" {
		registry := i.Registry
		if registry == nil {
			return ExitAgentFailure, fmt.Errorf("entry point %q requested but no registry configured", inv.EntryPoint)
		}
		fn, ok := registry.Lookup(inv.EntryPoint)
		if !ok {
			return ExitAgentFailure, fmt.Errorf("entry point %q is not registered", inv.EntryPoint)
		}
		logger.Info("invoking registered entry point", "name", inv.EntryPoint)
		return sanitizeStatus(logger, fn(ctx, inv)), nil
	}

	executable := filepath.Join(bundleRoot, filepath.FromSlash(EntryPointPath))
	info, err := os.Stat(executable)
	if err != nil {
		return ExitAgentFailure, fmt.Errorf("resolve bundle entry point: %w", err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return ExitAgentFailure, fmt.Errorf("bundle entry point %s is not executable", EntryPointPath)
	}

	logger.Info("invoking bundle entry point", "path", executable, "workdir", inv.WorkDir)

	cmd := exec.CommandContext(ctx, executable, inv.Args...)
	cmd.Dir = inv.WorkDir
	cmd.Stdout = os.Stderr // diagnostics only; stdout of the agent is the protocol channel
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"KILN_BUNDLE_ROOT="+bundleRoot,
		"KILN_INPUT="+inv.InputPath,
		"KILN_OUTPUT="+inv.OutputPath,
	)

	err = cmd.Run()
	if err == nil {
		return ExitSuccess, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		status := exitErr.ExitCode()
		logger.Warn("entry point reported failure", "status", status)
		return sanitizeStatus(logger, status), nil
	}
	return ExitAgentFailure, fmt.Errorf("run bundle entry point: %w", err)
}

// sanitizeStatus keeps ExitTruncatedTransfer unforgeable. Only the
// agent's receive path may produce it; an entry point exiting with the
// reserved value is coerced to the generic failure status so the host
// never mistakes a completed conversion for a transfer that never ran.
func sanitizeStatus(logger *slog.Logger, status int) int {
	if status == ExitTruncatedTransfer {
		logger.Warn("entry point exited with the reserved transfer status", "status", status)
		return ExitAgentFailure
	}
	return status
}

func validateInvocation(inv Invocation) error {
	info, err := os.Stat(inv.WorkDir)
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", inv.WorkDir)
	}

	if inv.InputPath != "" {
		if _, err := os.Stat(inv.InputPath); err != nil {
			return fmt.Errorf("input document: %w", err)
		}
	}
	if inv.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(inv.OutputPath), 0o755); err != nil {
			return fmt.Errorf("output directory: %w", err)
		}
	}
	return nil
}
