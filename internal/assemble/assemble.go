// Package assemble builds the minimal sandbox VM image: a bootable disk
// image plus the standalone kernel and initramfs extracted from it.
//
// The pipeline is linear and fail-fast. Each step works on an explicit
// build context instead of ambient process state, and the output directory
// is cleared before anything is written so a failed run can never leave
// stale files that a later run would mix into a fresh artifact set.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiln-project/kiln/internal/command"
	"github.com/kiln-project/kiln/internal/logging"
)

// BuildStepError reports which pipeline step failed. Any step failing
// aborts the whole pipeline; the operator re-runs from the start.
type BuildStepError struct {
	Step string
	Err  error
}

func (e *BuildStepError) Error() string {
	return fmt.Sprintf("build step %q failed: %v", e.Step, e.Err)
}

func (e *BuildStepError) Unwrap() error { return e.Err }

// ImageArtifact is the produced triple. All three files originate from the
// same build invocation, identified by BuildID.
type ImageArtifact struct {
	BuildID   string
	Profile   string
	CreatedAt time.Time

	KernelPath    string
	InitramfsPath string
	DiskPath      string
}

// Context carries everything a pipeline step needs. It replaces working
// directory and environment mutation with explicit state.
type Context struct {
	Profile   Profile
	SourceDir string // base distribution sources (aports checkout)
	OutputDir string // canonical artifact directory, cleared per run
	WorkDir   string // scratch space for intermediate build products
	BuildID   string
	StartedAt time.Time
}

// Options configures one Assembler run.
type Options struct {
	// SourceDir is the checkout of the base distribution's build sources.
	SourceDir string

	// SourceURL, when set, is cloned into SourceDir if the checkout does
	// not exist yet. Left empty, SourceDir must already be populated.
	SourceURL string

	// SourceRef is the branch or tag checked out when cloning.
	SourceRef string

	OutputDir string

	// OverlayBase anchors relative profile overlay directories. The
	// embedded profiles name their overlays relative to the host state
	// directory; left empty, relative paths stay as written.
	OverlayBase string
}

// Assembler runs the image pipeline. External tools (git, the
// distribution's mkimage script) go through Runner so tests can stub them.
type Assembler struct {
	Logger *slog.Logger
	Runner command.Runner
}

// Run executes the full pipeline for one profile and returns the artifact
// triple. It fails fast: the first step error aborts the run and nothing
// is published.
func (a *Assembler) Run(ctx context.Context, profile Profile, opts Options) (ImageArtifact, error) {
	if err := profile.Validate(); err != nil {
		return ImageArtifact{}, err
	}
	profile = resolveOverlay(profile, opts.OverlayBase)
	if opts.SourceDir == "" {
		return ImageArtifact{}, errors.New("source directory is required")
	}
	if opts.OutputDir == "" {
		return ImageArtifact{}, errors.New("output directory is required")
	}

	runner := a.Runner
	if runner == nil {
		runner = &command.ExecRunner{Logger: a.Logger}
	}

	workDir, err := os.MkdirTemp("", "kiln-assemble-*")
	if err != nil {
		return ImageArtifact{}, fmt.Errorf("create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	buildCtx := &Context{
		Profile:   profile,
		SourceDir: opts.SourceDir,
		OutputDir: opts.OutputDir,
		WorkDir:   workDir,
		BuildID:   uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	logger := logging.Ensure(a.Logger).With(
		"component", "assemble",
		"profile", profile.Name,
		"release", profile.Release,
		"arch", profile.Arch,
		"build_id", buildCtx.BuildID,
	)
	logger.Info("starting image build", "output_dir", buildCtx.OutputDir)

	steps := []struct {
		name string
		run  func(context.Context, *Context, command.Runner, *slog.Logger) error
	}{
		{"clear-output", clearOutput},
		{"fetch-sources", fetchSources(opts)},
		{"apply-overlay", applyOverlay},
		{"mkimage", runMkimage},
		{"rename-image", renameImage},
		{"extract-boot", extractBoot},
		{"fix-permissions", fixPermissions},
	}

	for _, step := range steps {
		logger.Info("running build step", "step", step.name)
		if err := step.run(ctx, buildCtx, runner, logger); err != nil {
			return ImageArtifact{}, &BuildStepError{Step: step.name, Err: err}
		}
	}

	artifact := ImageArtifact{
		BuildID:       buildCtx.BuildID,
		Profile:       profile.Name,
		CreatedAt:     buildCtx.StartedAt,
		KernelPath:    filepath.Join(buildCtx.OutputDir, profile.KernelName()),
		InitramfsPath: filepath.Join(buildCtx.OutputDir, profile.InitramfsName()),
		DiskPath:      filepath.Join(buildCtx.OutputDir, profile.ImageName()),
	}

	logger.Info("image build complete",
		"kernel", artifact.KernelPath,
		"initramfs", artifact.InitramfsPath,
		"disk", artifact.DiskPath,
	)
	return artifact, nil
}

// resolveOverlay joins a relative overlay directory onto base. Absolute
// paths and profiles without overlays pass through untouched.
func resolveOverlay(profile Profile, base string) Profile {
	if profile.OverlayDir == "" || base == "" || filepath.IsAbs(profile.OverlayDir) {
		return profile
	}
	profile.OverlayDir = filepath.Join(base, profile.OverlayDir)
	return profile
}

// clearOutput guarantees the output directory holds no artifacts from any
// previous run before this build writes a single byte.
func clearOutput(_ context.Context, buildCtx *Context, _ command.Runner, _ *slog.Logger) error {
	if err := os.RemoveAll(buildCtx.OutputDir); err != nil {
		return fmt.Errorf("clear output directory: %w", err)
	}
	if err := os.MkdirAll(buildCtx.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return nil
}

func fetchSources(opts Options) func(context.Context, *Context, command.Runner, *slog.Logger) error {
	return func(ctx context.Context, buildCtx *Context, runner command.Runner, logger *slog.Logger) error {
		mkimage := filepath.Join(buildCtx.SourceDir, "scripts", "mkimage.sh")
		if _, err := os.Stat(mkimage); err == nil {
			logger.Debug("base sources already present", "source_dir", buildCtx.SourceDir)
			return nil
		}

		if opts.SourceURL == "" {
			return fmt.Errorf("base sources missing at %s and no source URL configured", buildCtx.SourceDir)
		}

		args := []string{"clone", "--depth", "1"}
		if opts.SourceRef != "" {
			args = append(args, "--branch", opts.SourceRef)
		}
		args = append(args, opts.SourceURL, buildCtx.SourceDir)
		if err := runner.Run(ctx, "", "git", args...); err != nil {
			return fmt.Errorf("clone base sources: %w", err)
		}

		if _, err := os.Stat(mkimage); err != nil {
			return fmt.Errorf("cloned sources lack scripts/mkimage.sh: %w", err)
		}
		return nil
	}
}

// applyOverlay copies the profile's overlay scripts into the base source
// checkout so the image-build tool picks up the custom image profile.
func applyOverlay(_ context.Context, buildCtx *Context, _ command.Runner, logger *slog.Logger) error {
	overlayDir := buildCtx.Profile.OverlayDir
	if overlayDir == "" {
		logger.Debug("profile declares no overlay, skipping")
		return nil
	}

	scriptsDir := filepath.Join(buildCtx.SourceDir, "scripts")
	entries, err := os.ReadDir(overlayDir)
	if err != nil {
		return fmt.Errorf("read overlay directory %s: %w", overlayDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(overlayDir, entry.Name())
		dst := filepath.Join(scriptsDir, entry.Name())

		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read overlay file %s: %w", src, err)
		}

		mode := fs.FileMode(0o644)
		if strings.HasSuffix(entry.Name(), ".sh") {
			mode = 0o755
		}
		if err := os.WriteFile(dst, data, mode); err != nil {
			return fmt.Errorf("install overlay file %s: %w", dst, err)
		}
		logger.Debug("installed overlay file", "file", entry.Name())
	}
	return nil
}

// runMkimage invokes the distribution's image-build tool with the declared
// profile, architecture and repository mirrors.
func runMkimage(ctx context.Context, buildCtx *Context, runner command.Runner, _ *slog.Logger) error {
	profile := buildCtx.Profile

	args := []string{
		"mkimage.sh",
		"--tag", profile.Release,
		"--outdir", buildCtx.WorkDir,
		"--arch", profile.Arch.String(),
		"--profile", profile.Name,
	}
	for _, mirror := range profile.Mirrors {
		args = append(args, "--repository", mirror)
	}

	scriptsDir := filepath.Join(buildCtx.SourceDir, "scripts")
	if err := runner.Run(ctx, scriptsDir, "sh", args...); err != nil {
		return fmt.Errorf("mkimage: %w", err)
	}
	return nil
}

// renameImage moves the tool's output image to the canonical artifact name.
func renameImage(_ context.Context, buildCtx *Context, _ command.Runner, _ *slog.Logger) error {
	profile := buildCtx.Profile

	produced := filepath.Join(
		buildCtx.WorkDir,
		fmt.Sprintf("alpine-%s-%s-%s.iso", profile.Name, profile.Release, profile.Arch),
	)
	if _, err := os.Stat(produced); err != nil {
		return fmt.Errorf("image-build tool produced no image: %w", err)
	}

	target := filepath.Join(buildCtx.OutputDir, profile.ImageName())
	if err := os.Rename(produced, target); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to a copy.
	if err := copyFile(produced, target); err != nil {
		return fmt.Errorf("move image to %s: %w", target, err)
	}
	return os.Remove(produced)
}

// fixPermissions makes the artifacts world-readable; the image-build tool
// runs under a restrictive umask.
func fixPermissions(_ context.Context, buildCtx *Context, _ command.Runner, _ *slog.Logger) error {
	profile := buildCtx.Profile
	for _, name := range []string{profile.ImageName(), profile.KernelName(), profile.InitramfsName()} {
		path := filepath.Join(buildCtx.OutputDir, name)
		if err := os.Chmod(path, 0o644); err != nil {
			return fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
