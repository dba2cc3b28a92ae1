// Package transport supplies the raw ordered byte channel between the
// trusted dispatcher and a sandbox instance.
//
// The code-delivery protocol assumes a single contiguous read sequence, so
// every transport here is strictly point-to-point: no multiplexing, no
// message boundaries, no reordering. A transport is a byte pipe and
// nothing more.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Conn is the boundary transport seen by the protocol layer.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

type pipeConn struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

// NewPipe builds a Conn from an existing reader/writer pair, typically the
// stdio of a sandboxed child process or container exec session. Either end
// may be nil for a one-directional channel.
func NewPipe(r io.ReadCloser, w io.WriteCloser) Conn {
	return &pipeConn{reader: r, writer: w}
}

func (p *pipeConn) Read(buf []byte) (int, error) {
	if p.reader == nil {
		return 0, io.EOF
	}
	return p.reader.Read(buf)
}

func (p *pipeConn) Write(buf []byte) (int, error) {
	if p.writer == nil {
		return 0, errors.New("transport: write side is not connected")
	}
	return p.writer.Write(buf)
}

func (p *pipeConn) Close() error {
	var errs []error
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.reader != nil {
		if err := p.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DialVirtioSerial connects to the host side of a sandbox VM's
// virtio-serial channel, a Unix stream socket created by the hypervisor
// when the domain starts. The socket may not exist yet while the domain is
// still booting, so the dial retries until wait elapses.
func DialVirtioSerial(socketPath string, wait time.Duration) (Conn, error) {
	if socketPath == "" {
		return nil, errors.New("transport: socket path is required")
	}

	deadline := time.Now().Add(wait)
	for {
		conn, err := net.DialTimeout("unix", socketPath, time.Second)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("connect to sandbox channel %s: %w", socketPath, err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// Stdio returns the process's own stdin/stdout as a Conn. The sandbox
// agent uses this: its stdin carries the inbound protocol stream and
// nothing is ever written back over the channel.
func Stdio() Conn {
	return NewPipe(os.Stdin, nopWriteCloser{})
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(buf []byte) (int, error) { return len(buf), nil }
func (nopWriteCloser) Close() error                  { return nil }
