package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	payload := []byte("hello from a pty")
	if err := WriteFrame(w, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestFrameRoundTripTwoFrames(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteFrame(w, []byte("p1")); err != nil {
		t.Fatalf("WriteFrame p1: %v", err)
	}
	if err := WriteFrame(w, []byte("p2")); err != nil {
		t.Fatalf("WriteFrame p2: %v", err)
	}

	r := bufio.NewReader(&buf)
	p1, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame p1: %v", err)
	}
	p2, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame p2: %v", err)
	}
	if string(p1) != "p1" || string(p2) != "p2" {
		t.Fatalf("got %q, %q", p1, p2)
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after both frames, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader(nil))
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestReadFrameShortMidFrame(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteFrame(w, []byte("0123456789")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buf.Bytes()[:len(buf.Bytes())-3]

	r := bufio.NewReader(bytes.NewReader(truncated))
	_, err := ReadFrame(r)
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError on truncated frame, got %v", err)
	}
}

func TestReadFrameOversize(t *testing.T) {
	var hdr [4]byte
	hdr[0] = 0x80 // sets a length far above MaxFrameSize without allocating it
	r := bufio.NewReader(bytes.NewReader(hdr[:]))
	_, err := ReadFrame(r)
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError on oversize declared length, got %v", err)
	}
}

func TestWriteFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	err := WriteFrame(w, make([]byte, MaxFrameSize+1))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FramingError, got %v", err)
	}
}
