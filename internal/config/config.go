// Package config holds host-side defaults and the optional YAML override
// file. Everything here has a working default so a fresh install can run
// without writing any configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/kiln-project/kiln/internal/netsetup"
)

// Default locations, overridable per field in the config file.
const (
	DefaultStateDir      = "/var/lib/kiln"
	DefaultConnectionURI = "qemu:///system"
	DefaultRuntime       = "podman"
)

// Config is the host configuration. Zero values fall back to defaults
// during Load.
type Config struct {
	StateDir      string                   `yaml:"state_dir"`
	ConnectionURI string                   `yaml:"connection_uri"`
	Runtime       string                   `yaml:"runtime"`
	Network       netsetup.Config          `yaml:"network"`
	Namespace     netsetup.NamespaceConfig `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateDir:      DefaultStateDir,
		ConnectionURI: DefaultConnectionURI,
		Runtime:       DefaultRuntime,
		Network:       netsetup.DefaultConfig,
		Namespace:     netsetup.DefaultNamespaceConfig,
	}
}

// Load reads the config file at path, or the defaults when path is empty
// or the file does not exist. Fields left unset in the file keep their
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.ConnectionURI == "" {
		c.ConnectionURI = DefaultConnectionURI
	}
	if c.Runtime == "" {
		c.Runtime = DefaultRuntime
	}
	if c.Network.BridgeName == "" {
		c.Network = netsetup.DefaultConfig
	}
	if c.Namespace.Name == "" {
		c.Namespace = netsetup.DefaultNamespaceConfig
	}
	return c
}

// ImageDir is where assembled VM images land.
func (c Config) ImageDir() string { return filepath.Join(c.StateDir, "images") }

// ArtifactDir is where published artifacts and sidecar metadata land.
func (c Config) ArtifactDir() string { return filepath.Join(c.StateDir, "artifacts") }

// RunDir is where per-instance sandbox workspaces land.
func (c Config) RunDir() string { return filepath.Join(c.StateDir, "runs") }
