package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPublishRecordsChecksum(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "vmlinuz-virt")
	if err := os.WriteFile(source, []byte("kernel bytes"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	store := &LocalStore{BaseDir: filepath.Join(dir, "store")}
	artifact, err := store.Publish(source, KernelArtifact, "build-1", map[string]any{"release": "v3.14"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if artifact.Kind != KernelArtifact {
		t.Fatalf("got kind %q, want %q", artifact.Kind, KernelArtifact)
	}
	if !strings.HasPrefix(artifact.Checksum, "sha256:") {
		t.Fatalf("expected sha256 checksum, got %q", artifact.Checksum)
	}
	if artifact.BuildID != "build-1" {
		t.Fatalf("got build id %q, want build-1", artifact.BuildID)
	}

	if err := store.Verify(artifact); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if _, err := os.Stat(artifact.Path + ".json"); err != nil {
		t.Fatalf("expected metadata document: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "disk.iso")
	if err := os.WriteFile(source, []byte("original"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	store := &LocalStore{BaseDir: filepath.Join(dir, "store")}
	artifact, err := store.Publish(source, DiskArtifact, "build-1", nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := os.WriteFile(artifact.Path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if err := store.Verify(artifact); err == nil {
		t.Fatalf("expected checksum mismatch")
	}
}

func TestRemoveAndClear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	source := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(source, []byte("id"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	store := &LocalStore{BaseDir: filepath.Join(dir, "store")}
	artifact, err := store.Publish(source, TextArtifact, "build-2", nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if err := store.Remove(artifact); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(artifact.Path); !os.IsNotExist(err) {
		t.Fatalf("expected artifact file to be gone")
	}

	// Removing twice must not fail.
	if err := store.Remove(artifact); err != nil {
		t.Fatalf("Remove() second call error = %v", err)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
}
