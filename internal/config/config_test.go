package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Fatalf("StateDir = %q, want %q", cfg.StateDir, DefaultStateDir)
	}
	if cfg.Network.BridgeName != "kiln-isolated" {
		t.Fatalf("Network.BridgeName = %q, want default bridge", cfg.Network.BridgeName)
	}
}

func TestLoadPartialOverride(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "state_dir: /tmp/kiln-test\nruntime: docker\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StateDir != "/tmp/kiln-test" {
		t.Fatalf("StateDir = %q, want override", cfg.StateDir)
	}
	if cfg.Runtime != "docker" {
		t.Fatalf("Runtime = %q, want docker", cfg.Runtime)
	}
	if cfg.ConnectionURI != DefaultConnectionURI {
		t.Fatalf("ConnectionURI = %q, want default kept", cfg.ConnectionURI)
	}
	if cfg.ImageDir() != "/tmp/kiln-test/images" {
		t.Fatalf("ImageDir() = %q", cfg.ImageDir())
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("state_dir: [unterminated"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load() expected error for malformed YAML")
	}
}
