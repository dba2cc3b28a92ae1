package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

// writeSeedISO builds the read-only seed disk attached to the instance.
// It carries a single instance.json that the guest init reads to learn
// which instance it is.
func writeSeedISO(imagePath string, desc seedDescriptor) error {
	payload, err := desc.marshal()
	if err != nil {
		return fmt.Errorf("encode instance descriptor: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddFile(strings.NewReader(string(payload)), "instance.json"); err != nil {
		return fmt.Errorf("stage instance descriptor: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, seedVolumeLabel(desc.InstanceID)); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func seedVolumeLabel(instanceID string) string {
	const maxLen = 32

	label := "SEED_" + instanceID
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= maxLen {
			break
		}
	}
	return b.String()
}
