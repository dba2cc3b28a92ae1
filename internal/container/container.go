// Package container builds the conversion container image and serializes
// it into a shippable, verifiable artifact.
//
// The produced identifier is always computed from the exact bytes written
// to disk, never hand-specified: it is the only artifact-integrity anchor
// the dispatcher has before trusting a sandbox instance.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/kiln-project/kiln/internal/command"
	"github.com/kiln-project/kiln/internal/logging"
)

// Canonical output file names under the artifact directory.
const (
	TarballName  = "container.tar.gz"
	IdentityName = "image-id.txt"
)

// BuildStepError reports which pipeline step failed; the whole pipeline
// aborts and no partial artifact is published.
type BuildStepError struct {
	Step string
	Err  error
}

func (e *BuildStepError) Error() string {
	return fmt.Sprintf("container build step %q failed: %v", e.Step, e.Err)
}

func (e *BuildStepError) Unwrap() error { return e.Err }

// Artifact is the serialized container image plus its content-derived
// identifier.
type Artifact struct {
	TarballPath  string
	IdentityPath string
	Digest       digest.Digest
	Tag          string
}

// BuildOptions configures one builder run.
type BuildOptions struct {
	// ContextDir is the container build context (Dockerfile directory).
	ContextDir string

	// Tag names the image inside the container runtime.
	Tag string

	// OutputDir receives the tarball and identity file.
	OutputDir string
}

// Builder drives the container runtime. Runtime defaults to podman, the
// host-side runtime the conversion stack targets.
type Builder struct {
	Logger  *slog.Logger
	Runner  command.Runner
	Runtime string

	// saveStream overrides image serialization under test.
	saveStream func(ctx context.Context, runtime, tag string) (io.ReadCloser, error)
}

// Build runs the pipeline: build the image, serialize it, compress the
// stream, and record the digest of the bytes actually written.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (Artifact, error) {
	if opts.ContextDir == "" {
		return Artifact{}, errors.New("build context directory is required")
	}
	if opts.Tag == "" {
		return Artifact{}, errors.New("image tag is required")
	}
	if opts.OutputDir == "" {
		return Artifact{}, errors.New("output directory is required")
	}

	runtime := b.Runtime
	if runtime == "" {
		runtime = "podman"
	}
	runner := b.Runner
	if runner == nil {
		runner = &command.ExecRunner{Logger: b.Logger}
	}

	logger := logging.Ensure(b.Logger).With(
		"component", "container",
		"runtime", runtime,
		"tag", opts.Tag,
	)

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return Artifact{}, &BuildStepError{Step: "prepare-output", Err: err}
	}

	tarballPath := filepath.Join(opts.OutputDir, TarballName)
	identityPath := filepath.Join(opts.OutputDir, IdentityName)

	// Remove outputs from any previous run so a failure below can never
	// leave a mixed artifact pair behind.
	for _, path := range []string{tarballPath, identityPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Artifact{}, &BuildStepError{Step: "prepare-output", Err: err}
		}
	}

	logger.Info("building container image", "context", opts.ContextDir)
	if err := runner.Run(ctx, opts.ContextDir, runtime, "build", "-t", opts.Tag, "."); err != nil {
		return Artifact{}, &BuildStepError{Step: "build", Err: err}
	}

	logger.Info("serializing container image", "tarball", tarballPath)
	imageDigest, err := b.serialize(ctx, runtime, opts.Tag, tarballPath)
	if err != nil {
		os.Remove(tarballPath)
		return Artifact{}, &BuildStepError{Step: "serialize", Err: err}
	}

	if err := os.WriteFile(identityPath, []byte(imageDigest.String()+"\n"), 0o644); err != nil {
		os.Remove(tarballPath)
		return Artifact{}, &BuildStepError{Step: "record-identity", Err: err}
	}

	logger.Info("container artifact ready", "digest", imageDigest)
	return Artifact{
		TarballPath:  tarballPath,
		IdentityPath: identityPath,
		Digest:       imageDigest,
		Tag:          opts.Tag,
	}, nil
}

// serialize streams the runtime's image export through gzip onto disk and
// digests the compressed bytes as they are written.
func (b *Builder) serialize(ctx context.Context, runtime, tag, tarballPath string) (digest.Digest, error) {
	open := b.saveStream
	if open == nil {
		open = execSaveStream
	}

	stream, err := open(ctx, runtime, tag)
	if err != nil {
		return "", fmt.Errorf("open image export stream: %w", err)
	}
	defer stream.Close()

	out, err := os.OpenFile(tarballPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	digester := digest.SHA256.Digester()
	gz := gzip.NewWriter(io.MultiWriter(out, digester.Hash()))

	if _, err := io.Copy(gz, stream); err != nil {
		out.Close()
		return "", fmt.Errorf("compress image stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return "", fmt.Errorf("finalize compressed image: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return digester.Digest(), nil
}

func execSaveStream(ctx context.Context, runtime, tag string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, runtime, "save", tag)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &processStream{ReadCloser: stdout, cmd: cmd}, nil
}

type processStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (s *processStream) Close() error {
	s.ReadCloser.Close()
	return s.cmd.Wait()
}

// Verify recomputes the tarball's digest and compares it against the
// recorded identity file. The dispatcher calls this before trusting any
// sandbox started from the artifact.
func Verify(tarballPath, identityPath string) error {
	recordedRaw, err := os.ReadFile(identityPath)
	if err != nil {
		return fmt.Errorf("read recorded identity: %w", err)
	}
	recorded, err := digest.Parse(strings.TrimSpace(string(recordedRaw)))
	if err != nil {
		return fmt.Errorf("parse recorded identity: %w", err)
	}

	file, err := os.Open(tarballPath)
	if err != nil {
		return fmt.Errorf("open container tarball: %w", err)
	}
	defer file.Close()

	actual, err := recorded.Algorithm().FromReader(file)
	if err != nil {
		return fmt.Errorf("digest container tarball: %w", err)
	}
	if actual != recorded {
		return fmt.Errorf("container artifact mismatch: recorded %s, actual %s", recorded, actual)
	}
	return nil
}
