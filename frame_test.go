// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package smsg

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	want := header{
		Version:   protocolVersion,
		Type:      typeData,
		SubType:   subDataPlain,
		Flags:     flagReplyRequired,
		MessageID: 0xCAFEBABE,
		SessionID: 0x00020001,
		Size:      31,
	}
	buf := make([]byte, headerSize)
	putHeader(buf, want)
	got := parseHeader(buf)
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(header{})); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
}

func TestHeaderWireLayout(t *testing.T) {
	buf := make([]byte, headerSize)
	putHeader(buf, header{
		Version:   1,
		Type:      typeSession,
		SubType:   subSessionInitStart,
		Flags:     flagReplyRequired,
		MessageID: 0x01020304,
		SessionID: 0x0A0B0C0D,
		Size:      sizeInitStart,
	})
	// little-endian, packed, no padding
	want := []byte{
		1, 1, 1, 1,
		0x04, 0x03, 0x02, 0x01,
		0x0D, 0x0C, 0x0B, 0x0A,
		byte(sizeInitStart), 0, 0, 0,
	}
	if diff := cmp.Diff(want, buf); diff != "" {
		t.Fatalf("wire layout mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeFrameTrailer(t *testing.T) {
	frame := encodeFrame(header{
		Version:   protocolVersion,
		Type:      typeHeartbeat,
		SubType:   subHeartbeatStart,
		MessageID: 1,
		SessionID: 2,
	}, nil)
	if len(frame) != sizeHeartbeat {
		t.Fatalf("frame size = %d, want %d", len(frame), sizeHeartbeat)
	}
	if !validTrailer(frame) {
		t.Fatal("trailer sentinel missing")
	}
	if got := binary.LittleEndian.Uint32(frame[len(frame)-trailerSize:]); got != 1314472257 {
		t.Fatalf("sentinel = %d, want 1314472257", got)
	}
}

func TestEncodeDataParts(t *testing.T) {
	payload := []byte("hello world")
	parts := encodeDataParts(header{
		Version:   protocolVersion,
		Type:      typeData,
		SubType:   subDataPlain,
		MessageID: 7,
		SessionID: 9,
	}, payload)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}
	h := parseHeader(parts[0])
	if h.Size != uint32(headerSize+len(payload)+trailerSize) {
		t.Fatalf("size = %d, want %d", h.Size, headerSize+len(payload)+trailerSize)
	}
	var flat []byte
	for _, part := range parts {
		flat = append(flat, part...)
	}
	if !validTrailer(flat) {
		t.Fatal("trailer sentinel missing")
	}
	if string(flat[headerSize:headerSize+len(payload)]) != "hello world" {
		t.Fatal("payload mangled")
	}
}

func TestErrorBodyTruncation(t *testing.T) {
	long := strings.Repeat("x", 2*errorMessageCapacity)
	body := encodeErrorBody(long)
	if len(body) != errorBodySize {
		t.Fatalf("body size = %d, want %d", len(body), errorBodySize)
	}
	used := binary.LittleEndian.Uint64(body[errorMessageCapacity:])
	if used != errorMessageCapacity-1 {
		t.Fatalf("used length = %d, want %d", used, errorMessageCapacity-1)
	}
	text := parseErrorBody(body)
	if len(text) != errorMessageCapacity-1 {
		t.Fatalf("parsed length = %d, want %d", len(text), errorMessageCapacity-1)
	}
}

func TestErrorBodyRoundTrip(t *testing.T) {
	body := encodeErrorBody("unknown session 0xDEADBEEF")
	if got := parseErrorBody(body); got != "unknown session 0xDEADBEEF" {
		t.Fatalf("text = %q", got)
	}
}

func TestPeekFrame(t *testing.T) {
	ring := newRingBuffer(64)
	frame := encodeFrame(header{
		Version:   protocolVersion,
		Type:      typeSession,
		SubType:   subSessionCloseStart,
		MessageID: 3,
		SessionID: 4,
	}, []byte{4, 0, 0, 0})

	// partial header
	ring.Write(frame[:8])
	if _, _, err := peekFrame(ring, 0); !errors.Is(err, ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}

	// header present, body missing
	ring.Write(frame[8:20])
	if _, _, err := peekFrame(ring, 0); !errors.Is(err, ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}

	// complete
	ring.Write(frame[20:])
	h, view, err := peekFrame(ring, 0)
	if err != nil {
		t.Fatalf("peekFrame: %v", err)
	}
	if h.SubType != subSessionCloseStart || len(view) != sizeCloseStart {
		t.Fatalf("h = %+v, view = %d bytes", h, len(view))
	}
}

func TestPeekFrameBadVersion(t *testing.T) {
	ring := newRingBuffer(64)
	frame := encodeFrame(header{
		Version:   2,
		Type:      typeHeartbeat,
		SubType:   subHeartbeatStart,
		MessageID: 1,
		SessionID: 1,
	}, nil)
	ring.Write(frame)
	if _, _, err := peekFrame(ring, 0); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("err = %v, want ErrInvalidVersion", err)
	}
}

func TestPeekFrameBadTrailer(t *testing.T) {
	ring := newRingBuffer(64)
	frame := encodeFrame(header{
		Version:   protocolVersion,
		Type:      typeHeartbeat,
		SubType:   subHeartbeatStart,
		MessageID: 1,
		SessionID: 1,
	}, nil)
	frame[len(frame)-1] ^= 0xFF
	ring.Write(frame)
	if _, _, err := peekFrame(ring, 0); !errors.Is(err, ErrInvalidTrailer) {
		t.Fatalf("err = %v, want ErrInvalidTrailer", err)
	}
}

func TestPeekFrameUnknownType(t *testing.T) {
	ring := newRingBuffer(64)
	frame := encodeFrame(header{
		Version:   protocolVersion,
		Type:      42,
		SubType:   1,
		MessageID: 1,
		SessionID: 1,
	}, nil)
	ring.Write(frame)
	if _, _, err := peekFrame(ring, 0); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}

func TestPeekFrameSizeMismatch(t *testing.T) {
	ring := newRingBuffer(64)
	// heartbeat frame claiming a body it cannot have
	frame := encodeFrame(header{
		Version:   protocolVersion,
		Type:      typeHeartbeat,
		SubType:   subHeartbeatStart,
		MessageID: 1,
		SessionID: 1,
	}, []byte{1, 2, 3, 4})
	ring.Write(frame)
	if _, _, err := peekFrame(ring, 0); !errors.Is(err, ErrInvalidTrailer) {
		t.Fatalf("err = %v, want ErrInvalidTrailer", err)
	}
}

func TestPeekFrameTooLarge(t *testing.T) {
	ring := newRingBuffer(64)
	frame := encodeDataParts(header{
		Version:   protocolVersion,
		Type:      typeData,
		SubType:   subDataPlain,
		MessageID: 1,
		SessionID: 1,
	}, make([]byte, 256))
	for _, part := range frame {
		ring.Write(part)
	}
	if _, _, err := peekFrame(ring, 128); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}
