// Package wire implements the length-framed binary protocol used between
// ptymuxd and its clients: a 4-byte big-endian length prefix followed by a
// msgpack-encoded tagged-union payload.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame payload. A client that declares a
// larger length has the connection closed without the body being read.
const MaxFrameSize = 10 * 1024 * 1024 // 10 MiB

const frameHeaderLen = 4

// FramingError is fatal to the connection it occurred on: a short read
// mid-frame or a declared length over MaxFrameSize.
type FramingError struct {
	msg string
	err error
}

func (e *FramingError) Error() string { return e.msg }

func (e *FramingError) Unwrap() error { return e.err }

func newFramingError(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	return &FramingError{msg: err.Error(), err: errors.Unwrap(err)}
}

// ReadFrame reads one length-prefixed frame from r. It returns io.EOF if
// the stream closed cleanly before any bytes of the next frame were read.
// Any other error (including a short read after the header has started)
// is a *FramingError and is fatal to the connection.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	hdr := make([]byte, frameHeaderLen)
	n, err := io.ReadFull(r, hdr)
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, newFramingError("short read on frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr)
	if length > MaxFrameSize {
		return nil, newFramingError("frame length %d exceeds max %d", length, MaxFrameSize)
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, newFramingError("short read on frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w and flushes it.
func WriteFrame(w *bufio.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return newFramingError("frame length %d exceeds max %d", len(payload), MaxFrameSize)
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return w.Flush()
}
