package invoker

import (
	"context"
	"io"
	"os"
)

// CopyEntryPoint is the built-in identity conversion: the input document
// is copied verbatim to the output path.
const CopyEntryPoint = "copy"

// Builtins returns a registry preloaded with the entry points compiled
// into the agent.
func Builtins() *Registry {
	registry := NewRegistry()
	if err := registry.Register(CopyEntryPoint, copyDocument); err != nil {
		panic(err)
	}
	return registry
}

// copyDocument streams the input document to the output path unchanged.
// It stands in for a real converter when the delivery path itself is
// under test, and doubles as the smallest possible conversion.
func copyDocument(_ context.Context, inv Invocation) int {
	if inv.InputPath == "" || inv.OutputPath == "" {
		return ExitAgentFailure
	}

	src, err := os.Open(inv.InputPath)
	if err != nil {
		return ExitAgentFailure
	}
	defer src.Close()

	dst, err := os.OpenFile(inv.OutputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ExitAgentFailure
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return ExitAgentFailure
	}
	if err := dst.Close(); err != nil {
		return ExitAgentFailure
	}
	return ExitSuccess
}
