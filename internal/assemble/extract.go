package assemble

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/kiln-project/kiln/internal/command"
)

// extractBoot pulls the kernel and initramfs out of the built disk image
// into standalone files, reading the ISO9660 filesystem directly instead
// of loop-mounting the image.
func extractBoot(_ context.Context, buildCtx *Context, _ command.Runner, logger *slog.Logger) error {
	profile := buildCtx.Profile
	imagePath := filepath.Join(buildCtx.OutputDir, profile.ImageName())

	file, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open disk image: %w", err)
	}
	defer file.Close()

	image, err := iso9660.OpenImage(file)
	if err != nil {
		return fmt.Errorf("read ISO9660 filesystem: %w", err)
	}

	root, err := image.RootDir()
	if err != nil {
		return fmt.Errorf("read image root directory: %w", err)
	}

	bootDir, err := findChild(root, "boot")
	if err != nil {
		return fmt.Errorf("locate /boot in image: %w", err)
	}

	for _, name := range []string{profile.KernelName(), profile.InitramfsName()} {
		entry, err := findChild(bootDir, name)
		if err != nil {
			return fmt.Errorf("locate /boot/%s in image: %w", name, err)
		}

		target := filepath.Join(buildCtx.OutputDir, name)
		if err := writeImageEntry(entry, target); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
		logger.Debug("extracted boot file", "file", name, "target", target)
	}
	return nil
}

// findChild looks up a directory entry by its logical name, tolerating the
// identifier mangling ISO9660 applies (case folding, '-' to '_', a ";1"
// version suffix).
func findChild(dir *iso9660.File, name string) (*iso9660.File, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir.Name())
	}

	children, err := dir.GetChildren()
	if err != nil {
		return nil, err
	}

	want := normalizeISOName(name)
	for _, child := range children {
		if normalizeISOName(child.Name()) == want {
			return child, nil
		}
	}
	return nil, fmt.Errorf("no entry named %q", name)
}

func normalizeISOName(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimSuffix(name, ";1")
	name = strings.TrimSuffix(name, ".")
	return strings.ReplaceAll(name, "_", "-")
}

func writeImageEntry(entry *iso9660.File, target string) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, entry.Reader()); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
