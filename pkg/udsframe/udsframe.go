// Package udsframe implements the length-prefixed JSON-over-UDS wire
// protocol shared by the capability proxy (C9) and the egress proxy (C10):
// a 4-byte big-endian length prefix followed by that many bytes of JSON.
//
// Grounded in original_source/.../tenpu/capability_proxy.py's documented
// "length-prefix JSON protocol (same as rumi_syscall)" and its request/
// response size ceilings.
package udsframe

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxRequestSize and MaxResponseSize mirror the original's
// MAX_REQUEST_SIZE / MAX_RESPONSE_SIZE constants.
const (
	MaxRequestSize  = 4 * 1024 * 1024
	MaxResponseSize = 4 * 1024 * 1024
)

// WriteFrame writes a 4-byte big-endian length prefix followed by payload.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize > 0 && len(payload) > maxSize {
		return fmt.Errorf("udsframe: payload %d bytes exceeds max %d", len(payload), maxSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("udsframe: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("udsframe: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting a declared length
// over maxSize before reading the body (so a malicious peer cannot force an
// unbounded allocation).
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("udsframe: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("udsframe: declared length %d exceeds max %d", n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("udsframe: read payload: %w", err)
	}
	return payload, nil
}
