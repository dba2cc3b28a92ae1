package assemble

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kiln-project/kiln/internal/platform"
)

// Profile describes how to produce one sandbox VM image. A profile is
// immutable once a build starts; two builds from the same profile and the
// same base sources are expected to be functionally equivalent.
type Profile struct {
	// Name is the image-build profile identifier passed to the
	// distribution's mkimage tool (mkimg.<name>.sh).
	Name string `yaml:"name"`

	// Release is the base distribution release tag, e.g. "v3.14".
	Release string `yaml:"release"`

	Arch platform.Architecture `yaml:"arch"`

	// Mirrors are the package repository URLs handed to the image-build
	// tool, highest priority first.
	Mirrors []string `yaml:"mirrors"`

	// OverlayDir holds the overlay scripts (mkimg.<name>.sh,
	// genapkovl-<name>.sh and companions) applied onto the base sources
	// before the build tool runs.
	OverlayDir string `yaml:"overlay_dir"`

	// KernelFlavor selects which kernel/initramfs pair is extracted from
	// the built image, e.g. "virt" for vmlinuz-virt/initramfs-virt.
	KernelFlavor string `yaml:"kernel_flavor"`
}

// Validate reports the first problem that would make the profile unbuildable.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if strings.TrimSpace(p.Release) == "" {
		return fmt.Errorf("profile %q: release is required", p.Name)
	}
	if !p.Arch.IsValid() {
		return fmt.Errorf("profile %q: invalid architecture %q", p.Name, p.Arch)
	}
	if len(p.Mirrors) == 0 {
		return fmt.Errorf("profile %q: at least one repository mirror is required", p.Name)
	}
	if strings.TrimSpace(p.KernelFlavor) == "" {
		return fmt.Errorf("profile %q: kernel flavor is required", p.Name)
	}
	return nil
}

// ImageName returns the canonical artifact name for the bootable image.
func (p Profile) ImageName() string {
	return fmt.Sprintf("sandbox-%s-%s.iso", p.Release, p.Arch)
}

// KernelName returns the kernel file name as laid out under /boot in the image.
func (p Profile) KernelName() string {
	return "vmlinuz-" + p.KernelFlavor
}

// InitramfsName returns the initramfs file name under /boot in the image.
func (p Profile) InitramfsName() string {
	return "initramfs-" + p.KernelFlavor
}

// LoadProfile reads a profile from a YAML document on disk.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if arch := platform.Normalize(profile.Arch.String()); arch != "" {
		profile.Arch = arch
	}
	// A relative overlay directory is anchored to the profile file, not
	// to whatever directory the process happens to run from.
	if profile.OverlayDir != "" && !filepath.IsAbs(profile.OverlayDir) {
		profile.OverlayDir = filepath.Join(filepath.Dir(path), profile.OverlayDir)
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

//go:embed profiles.yaml
var embeddedProfiles []byte

// DefaultProfiles returns the built-in profiles shipped with the binary.
func DefaultProfiles() ([]Profile, error) {
	var doc struct {
		Profiles []Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(embeddedProfiles, &doc); err != nil {
		return nil, fmt.Errorf("parse embedded profiles: %w", err)
	}
	for i := range doc.Profiles {
		if err := doc.Profiles[i].Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Profiles, nil
}

// DefaultProfile returns the embedded profile with the given name.
func DefaultProfile(name string) (Profile, error) {
	profiles, err := DefaultProfiles()
	if err != nil {
		return Profile{}, err
	}
	for _, profile := range profiles {
		if profile.Name == name {
			return profile, nil
		}
	}
	return Profile{}, fmt.Errorf("no embedded profile named %q", name)
}
