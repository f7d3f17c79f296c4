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
)

const (
	protocolVersion = 1

	headerSize  = 16
	trailerSize = 4

	// trailerSentinel terminates every frame; a mismatch indicates stream corruption.
	trailerSentinel uint32 = 0x4E594141 // 1314472257
)

// message types
const (
	typeSession     byte = 1
	typeHeartbeat   byte = 2
	typeError       byte = 3
	typeData        byte = 4
	typeSubProtocol byte = 5
)

// session sub-types
const (
	subSessionInitStart  byte = 1
	subSessionInitReply  byte = 2
	subSessionCloseStart byte = 3
	subSessionCloseReply byte = 4
)

// heartbeat sub-types
const (
	subHeartbeatStart byte = 1
	subHeartbeatReply byte = 2
)

// error sub-types
const (
	subErrorFalseVersion   byte = 1
	subErrorUnknownSession byte = 2
	subErrorInvalidMessage byte = 3
)

// data sub-types
const (
	subDataPlain byte = 1
	subDataReply byte = 2
)

// header flag bits; bits 1..7 are reserved and must be zero.
const flagReplyRequired byte = 0x1

// errorMessageCapacity is the fixed text buffer of an error body; the
// used length is carried separately and capped one below capacity.
const (
	errorMessageCapacity = 500
	errorBodySize        = errorMessageCapacity + 8
)

// fixed frame sizes
const (
	sizeInitStart  = headerSize + 4 + trailerSize
	sizeInitReply  = headerSize + 8 + trailerSize
	sizeCloseStart = headerSize + 4 + trailerSize
	sizeCloseReply = headerSize + 4 + trailerSize
	sizeHeartbeat  = headerSize + trailerSize
	sizeError      = headerSize + errorBodySize + trailerSize
)

var (
	ErrShortRead      = errors.New("not enough bytes for a complete frame")
	ErrInvalidVersion = errors.New("invalid protocol version")
	ErrInvalidTrailer = errors.New("invalid frame trailer")
	ErrUnknownType    = errors.New("unknown message type")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// header is the common 16-byte prefix of every frame. All integers are
// little-endian on the wire, and size covers header, body and trailer.
type header struct {
	Version   byte
	Type      byte
	SubType   byte
	Flags     byte
	MessageID uint32
	SessionID uint32
	Size      uint32
}

func (h header) replyRequired() bool {
	return h.Flags&flagReplyRequired != 0
}

func putHeader(buf []byte, h header) {
	buf[0] = h.Version
	buf[1] = h.Type
	buf[2] = h.SubType
	buf[3] = h.Flags
	binary.LittleEndian.PutUint32(buf[4:], h.MessageID)
	binary.LittleEndian.PutUint32(buf[8:], h.SessionID)
	binary.LittleEndian.PutUint32(buf[12:], h.Size)
}

func parseHeader(buf []byte) header {
	return header{
		Version:   buf[0],
		Type:      buf[1],
		SubType:   buf[2],
		Flags:     buf[3],
		MessageID: binary.LittleEndian.Uint32(buf[4:]),
		SessionID: binary.LittleEndian.Uint32(buf[8:]),
		Size:      binary.LittleEndian.Uint32(buf[12:]),
	}
}

func putTrailer(buf []byte) {
	binary.LittleEndian.PutUint32(buf, trailerSentinel)
}

// validTrailer checks the sentinel of a complete frame view.
func validTrailer(frame []byte) bool {
	if len(frame) < headerSize+trailerSize {
		return false
	}
	return binary.LittleEndian.Uint32(frame[len(frame)-trailerSize:]) == trailerSentinel
}

// encodeFrame packs a control frame into a single buffer. The size
// field is derived from the body length.
func encodeFrame(h header, body []byte) []byte {
	h.Size = uint32(headerSize + len(body) + trailerSize)
	buf := make([]byte, h.Size)
	putHeader(buf, h)
	copy(buf[headerSize:], body)
	putTrailer(buf[h.Size-trailerSize:])
	return buf
}

// encodeDataParts packs a data frame as [header, payload, trailer] so
// the send path can write the user payload without copying it.
func encodeDataParts(h header, payload []byte) [][]byte {
	h.Size = uint32(headerSize + len(payload) + trailerSize)
	head := make([]byte, headerSize)
	putHeader(head, h)
	tail := make([]byte, trailerSize)
	putTrailer(tail)
	return [][]byte{head, payload, tail}
}

// encodeErrorBody fills the fixed 500-byte text buffer; text longer
// than capacity-1 is truncated and the used length reflects that.
func encodeErrorBody(text string) []byte {
	if len(text) > errorMessageCapacity-1 {
		text = text[:errorMessageCapacity-1]
	}
	body := make([]byte, errorBodySize)
	copy(body, text)
	binary.LittleEndian.PutUint64(body[errorMessageCapacity:], uint64(len(text)))
	return body
}

func parseErrorBody(body []byte) string {
	used := binary.LittleEndian.Uint64(body[errorMessageCapacity:])
	if used > errorMessageCapacity-1 {
		used = errorMessageCapacity - 1
	}
	return string(body[:used])
}

// fixedFrameSize reports the exact on-wire size of fixed-layout frames,
// or 0 for variable-size and unknown ones.
func fixedFrameSize(msgType byte, subType byte) uint32 {
	switch msgType {
	case typeSession:
		switch subType {
		case subSessionInitStart:
			return sizeInitStart
		case subSessionInitReply:
			return sizeInitReply
		case subSessionCloseStart:
			return sizeCloseStart
		case subSessionCloseReply:
			return sizeCloseReply
		}
	case typeHeartbeat:
		switch subType {
		case subHeartbeatStart, subHeartbeatReply:
			return sizeHeartbeat
		}
	case typeError:
		switch subType {
		case subErrorFalseVersion, subErrorUnknownSession, subErrorInvalidMessage:
			return sizeError
		}
	}
	return 0
}

// peekFrame validates and returns the next complete frame from the ring
// without consuming it. ErrShortRead means the caller must wait for
// more bytes. ErrUnknownType is returned before the size is checked, so
// the caller decides whether the frame can be skipped; any other error
// means the stream cannot be trusted.
func peekFrame(ring *ringBuffer, maxFrameSize int) (header, []byte, error) {
	head, err := ring.Peek(headerSize)
	if err != nil {
		return header{}, nil, ErrShortRead
	}
	h := parseHeader(head)
	if h.Version != protocolVersion {
		return h, nil, ErrInvalidVersion
	}
	if h.Type < typeSession || h.Type > typeSubProtocol {
		return h, nil, ErrUnknownType
	}
	if h.Size < headerSize+trailerSize {
		return h, nil, ErrInvalidTrailer
	}
	if maxFrameSize > 0 && h.Size > uint32(maxFrameSize) {
		return h, nil, ErrFrameTooLarge
	}
	if fixed := fixedFrameSize(h.Type, h.SubType); fixed != 0 && h.Size != fixed {
		return h, nil, ErrInvalidTrailer
	}
	frame, err := ring.Peek(int(h.Size))
	if err != nil {
		return h, nil, ErrShortRead
	}
	if binary.LittleEndian.Uint32(frame[h.Size-trailerSize:]) != trailerSentinel {
		return h, nil, ErrInvalidTrailer
	}
	return h, frame, nil
}
