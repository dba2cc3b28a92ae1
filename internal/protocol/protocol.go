// Package protocol implements the code-delivery wire format used to ship a
// conversion bundle from the trusted host into a sandbox instance.
//
// The channel is an ordered, reliable byte stream with a single exchange
// per connection:
//
//	[4 bytes bundle length, big-endian uint32] [exactly N bytes of bundle]
//
// No acknowledgement flows back over the channel; the sandbox reports its
// outcome through its process exit status. Length-exactness is the only
// integrity check available before the bundle is handed to the invoker, so
// the receiver never acts on a partially received bundle.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLength is the fixed width of the length prefix in bytes.
const HeaderLength = 4

// MaxBundleSize is the largest bundle the receiver accepts. A declared
// length above this is treated as a protocol violation; the cap bounds
// receiver memory and is part of the documented protocol contract.
const MaxBundleSize = 256 * 1024 * 1024

// ProtocolError reports a malformed exchange: a short or absent length
// header, or a declared length outside the protocol's bounds. The current
// connection cannot be recovered.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TruncatedTransferError reports that the stream closed before the declared
// bundle length was satisfied. The partial payload must never be executed.
type TruncatedTransferError struct {
	Declared uint32
	Received int
}

func (e *TruncatedTransferError) Error() string {
	return fmt.Sprintf("truncated transfer: declared %d bytes, received %d", e.Declared, e.Received)
}

// Send writes one complete exchange to w: the length header followed by the
// bundle bytes. The caller must know the exact bundle length up front, which
// the []byte form guarantees.
func Send(w io.Writer, bundle []byte) error {
	if len(bundle) > MaxBundleSize {
		return &ProtocolError{Reason: fmt.Sprintf("bundle of %d bytes exceeds maximum %d", len(bundle), MaxBundleSize)}
	}

	var header [HeaderLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(bundle)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write bundle header: %w", err)
	}
	if len(bundle) > 0 {
		if _, err := w.Write(bundle); err != nil {
			return fmt.Errorf("write bundle payload: %w", err)
		}
	}
	return nil
}

// Receive reads one complete exchange from r and returns the bundle bytes.
//
// A short read of the header yields a ProtocolError. A stream that closes
// after the header but before the declared length is satisfied yields a
// TruncatedTransferError carrying the declared and received counts.
func Receive(r io.Reader) ([]byte, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, &ProtocolError{Reason: "short length header", Err: err}
	}

	declared := binary.BigEndian.Uint32(header[:])
	if declared > MaxBundleSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("declared length %d exceeds maximum %d", declared, MaxBundleSize)}
	}

	payload := make([]byte, declared)
	received, err := io.ReadFull(r, payload)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &TruncatedTransferError{Declared: declared, Received: received}
		}
		return nil, fmt.Errorf("read bundle payload: %w", err)
	}
	return payload, nil
}
