package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/kiln-project/kiln/internal/container"
	"github.com/kiln-project/kiln/internal/runner"
	"github.com/kiln-project/kiln/internal/transport"
)

// ProcessSandbox runs the agent as a child process and speaks the
// protocol over its stdin. The child's exit status is the agent status,
// so container runtimes that pass exit codes through work unchanged.
type ProcessSandbox struct {
	Command []string
	Dir     string
	Logger  *slog.Logger

	cmd    *exec.Cmd
	conn   transport.Conn
	closed bool
}

// ContainerSandbox builds a ProcessSandbox that runs the agent inside a
// verified container image. The artifact digest is recomputed from the
// tarball before anything runs; a sandbox from an unverifiable image is
// never started.
func ContainerSandbox(runtime string, artifact container.Artifact, logger *slog.Logger) (*ProcessSandbox, error) {
	if runtime == "" {
		runtime = "podman"
	}
	if err := container.Verify(artifact.TarballPath, artifact.IdentityPath); err != nil {
		return nil, fmt.Errorf("verify container artifact: %w", err)
	}
	return &ProcessSandbox{
		Command: []string{runtime, "run", "--rm", "-i", "--network=none", artifact.Tag},
		Logger:  logger,
	}, nil
}

func (s *ProcessSandbox) Open(ctx context.Context) (transport.Conn, error) {
	if s.closed {
		return nil, ErrSandboxClosed
	}
	if len(s.Command) == 0 {
		return nil, errors.New("sandbox command is required")
	}
	if s.cmd != nil {
		return nil, errors.New("sandbox already opened")
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox process: %w", err)
	}

	s.cmd = cmd
	s.conn = transport.NewPipe(nil, stdin)
	return s.conn, nil
}

func (s *ProcessSandbox) Wait(ctx context.Context) (int, error) {
	if s.cmd == nil {
		return 0, errors.New("sandbox was never opened")
	}

	err := s.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("wait for sandbox process: %w", err)
}

func (s *ProcessSandbox) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil && s.cmd.ProcessState == nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}

// VMSandbox runs the agent inside a disposable VM. The transport is the
// domain's virtio-serial channel; after the agent exits, the guest init
// writes the agent's exit status as a single byte back over the channel.
type VMSandbox struct {
	Driver      runner.Driver
	Spec        runner.InstanceSpec
	DialTimeout time.Duration
	Logger      *slog.Logger

	instance runner.Instance
	conn     transport.Conn
	started  bool
	closed   bool
}

func (s *VMSandbox) Open(ctx context.Context) (transport.Conn, error) {
	if s.closed {
		return nil, ErrSandboxClosed
	}
	if s.started {
		return nil, errors.New("sandbox already opened")
	}

	instance, err := s.Driver.Acquire(ctx, s.Spec)
	if err != nil {
		return nil, fmt.Errorf("acquire sandbox instance: %w", err)
	}
	s.instance = instance

	instance, err = s.Driver.Start(instance)
	if err != nil {
		_ = s.Driver.Release(s.instance, true)
		return nil, fmt.Errorf("start sandbox instance: %w", err)
	}
	s.instance = instance
	s.started = true

	wait := s.DialTimeout
	if wait == 0 {
		wait = 30 * time.Second
	}
	conn, err := transport.DialVirtioSerial(instance.ChannelSocket, wait)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

func (s *VMSandbox) Wait(ctx context.Context) (int, error) {
	if s.conn == nil {
		return 0, errors.New("sandbox was never opened")
	}

	type result struct {
		status int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var status [1]byte
		if _, err := io.ReadFull(s.conn, status[:]); err != nil {
			done <- result{err: fmt.Errorf("read agent status: %w", err)}
			return
		}
		done <- result{status: int(status[0])}
	}()

	select {
	case r := <-done:
		return r.status, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *VMSandbox) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.instance.ID == "" {
		return nil
	}
	return s.Driver.Release(s.instance, true)
}
