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

// ringBuffer is the inbound byte buffer a session's receive loop parses
// frames out of. The buffer always holds a prefix of an unparsed frame
// and grows when a single frame is larger than the current capacity, so
// a large frame never stalls the dispatcher. It is owned by exactly one
// session and driven by a single goroutine; no locking.
type ringBuffer struct {
	buf     []byte
	start   int
	length  int
	scratch []byte // contiguous view for wrapped peeks
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < headerSize+trailerSize {
		capacity = headerSize + trailerSize
	}
	return &ringBuffer{buf: make([]byte, capacity)}
}

func (r *ringBuffer) Len() int {
	return r.length
}

func (r *ringBuffer) Cap() int {
	return len(r.buf)
}

// Write appends p, growing the buffer when the free space runs out.
func (r *ringBuffer) Write(p []byte) {
	if r.length+len(p) > len(r.buf) {
		r.grow(r.length + len(p))
	}
	end := (r.start + r.length) % len(r.buf)
	n := copy(r.buf[end:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
	}
	r.length += len(p)
}

// Peek returns a contiguous view of the first n buffered bytes without
// consuming them, or ErrShortRead if fewer are buffered. The view is
// only valid until the next Write or Consume.
func (r *ringBuffer) Peek(n int) ([]byte, error) {
	if n > r.length {
		return nil, ErrShortRead
	}
	if r.start+n <= len(r.buf) {
		return r.buf[r.start : r.start+n], nil
	}
	if cap(r.scratch) < n {
		r.scratch = make([]byte, n)
	}
	view := r.scratch[:n]
	head := copy(view, r.buf[r.start:])
	copy(view[head:], r.buf)
	return view, nil
}

// Consume discards the first n buffered bytes.
func (r *ringBuffer) Consume(n int) {
	if n > r.length {
		n = r.length
	}
	r.start = (r.start + n) % len(r.buf)
	r.length -= n
	if r.length == 0 {
		r.start = 0
	}
}

func (r *ringBuffer) grow(need int) {
	capacity := len(r.buf) * 2
	for capacity < need {
		capacity *= 2
	}
	next := make([]byte, capacity)
	head := copy(next, r.buf[r.start:min(r.start+r.length, len(r.buf))])
	if head < r.length {
		copy(next[head:], r.buf[:r.length-head])
	}
	r.buf = next
	r.start = 0
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
