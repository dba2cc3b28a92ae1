package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Architecture is the canonical architecture value shared by the image
// pipeline (Alpine apk naming) and the libvirt runner (qemu naming). The
// two ecosystems happen to agree on these identifiers.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
)

// Supported returns the architectures the sandbox images can be built for.
func Supported() []Architecture {
	return []Architecture{X86_64, AArch64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Normalize maps a possibly ambiguous string into a canonical Architecture.
// Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	default:
		return ""
	}
}

// Parse returns the canonical Architecture for the provided string or an
// error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	supported := make([]string, 0, len(Supported()))
	for _, a := range Supported() {
		supported = append(supported, a.String())
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supported, ", "))
}

// Host returns the canonical architecture of the running host.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}
