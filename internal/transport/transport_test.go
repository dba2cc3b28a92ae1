package transport

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestPipeCarriesBytesInOrder(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	conn := NewPipe(pr, pw)

	go func() {
		conn.Write([]byte("abc"))
		conn.Write([]byte("def"))
		pw.Close()
	}()

	data, err := io.ReadAll(pr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("got %q, want abcdef", data)
	}
}

func TestPipeCloseReleasesBothEnds(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	conn := NewPipe(pr, pw)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := pw.Write([]byte("x")); err == nil {
		t.Fatalf("expected write to closed pipe to fail")
	}
}

func TestDialVirtioSerialWaitsForSocket(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "channel.sock")

	// Bring the listener up only after a delay, as a booting domain would.
	go func() {
		time.Sleep(300 * time.Millisecond)
		listener, err := net.Listen("unix", socketPath)
		if err != nil {
			return
		}
		conn, err := listener.Accept()
		if err == nil {
			io.Copy(io.Discard, conn)
			conn.Close()
		}
		listener.Close()
	}()

	conn, err := DialVirtioSerial(socketPath, 5*time.Second)
	if err != nil {
		t.Fatalf("DialVirtioSerial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write over channel: %v", err)
	}
}

func TestDialVirtioSerialTimesOut(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "never.sock")
	if _, err := DialVirtioSerial(socketPath, 500*time.Millisecond); err == nil {
		t.Fatalf("expected timeout error")
	}
}
