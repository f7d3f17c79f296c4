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
	"errors"
	"sync"
	"sync/atomic"
)

var ErrSessionIDExhausted = errors.New("no free session id half")

// idAllocator hands out the three identifier spaces of a controller:
// message ids (strictly monotonic across all sessions), 16-bit session
// id halves (zero reserved as unassigned) and server ids.
type idAllocator struct {
	messageID uint32
	serverID  uint32

	halfLock    sync.Mutex
	sessionHalf uint16
}

// nextMessageID never returns the same value twice within the counter's
// representable range; the first id handed out is 1.
func (a *idAllocator) nextMessageID() uint32 {
	return atomic.AddUint32(&a.messageID, 1)
}

func (a *idAllocator) nextServerID() uint32 {
	return atomic.AddUint32(&a.serverID, 1)
}

// nextSessionHalf returns the next nonzero 16-bit half for which inUse
// reports false. The counter wraps at 0xFFFF; halves still held by live
// sessions are skipped.
func (a *idAllocator) nextSessionHalf(inUse func(uint16) bool) (uint16, error) {
	a.halfLock.Lock()
	defer a.halfLock.Unlock()
	for tries := 0; tries < 1<<16; tries++ {
		a.sessionHalf++
		if a.sessionHalf == 0 {
			a.sessionHalf = 1
		}
		if !inUse(a.sessionHalf) {
			return a.sessionHalf, nil
		}
	}
	return 0, ErrSessionIDExhausted
}
