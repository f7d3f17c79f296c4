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
	"container/heap"
	"sync"
	"time"
)

// expectation is one outstanding reply-required message.
type expectation struct {
	msgType   byte
	subType   byte
	sessionID uint32
	messageID uint32
	deadline  time.Time
	index     int
}

type expectKey struct {
	sessionID uint32
	messageID uint32
}

type expectationHeap []*expectation

func (h expectationHeap) Len() int            { return len(h) }
func (h expectationHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h expectationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expectationHeap) Push(x interface{}) { *h = append(*h, x.(*expectation)); x.(*expectation).index = len(*h) - 1 }
func (h *expectationHeap) Pop() (x interface{}) {
	n := len(*h)
	x = (*h)[n-1]
	(*h)[n-1] = nil
	*h = (*h)[:n-1]
	return
}

// replyTracker watches outstanding reply-required messages and fires a
// timeout callback for every expectation whose deadline elapses before
// the matching reply removes it. A single goroutine wakes on a fixed
// tick; expired entries are collected under the lock and reported
// outside it so the callback may re-enter the tracker.
type replyTracker struct {
	mu      sync.Mutex
	pending expectationHeap
	byKey   map[expectKey]*expectation

	tick      time.Duration
	onTimeout func(expectation)

	die     chan struct{}
	dieOnce sync.Once
}

func newReplyTracker(tick time.Duration, onTimeout func(expectation)) *replyTracker {
	t := &replyTracker{
		byKey:     make(map[expectKey]*expectation),
		tick:      tick,
		onTimeout: onTimeout,
		die:       make(chan struct{}),
	}
	go t.run()
	return t
}

// addMessage registers an expectation; safe to call from any goroutine.
func (t *replyTracker) addMessage(msgType byte, subType byte, sessionID uint32, messageID uint32, timeout time.Duration) {
	e := &expectation{
		msgType:   msgType,
		subType:   subType,
		sessionID: sessionID,
		messageID: messageID,
		deadline:  time.Now().Add(timeout),
	}
	t.mu.Lock()
	heap.Push(&t.pending, e)
	t.byKey[expectKey{sessionID, messageID}] = e
	t.mu.Unlock()
}

// removeMessage drops the expectation for (sessionID, messageID) if it
// is still outstanding. Removing an expectation that already timed out
// or never existed is a no-op; a reply arriving after the timeout is
// benign.
func (t *replyTracker) removeMessage(sessionID uint32, messageID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := expectKey{sessionID, messageID}
	e, ok := t.byKey[key]
	if !ok {
		return false
	}
	delete(t.byKey, key)
	heap.Remove(&t.pending, e.index)
	return true
}

// removeSession drops every outstanding expectation of a session in one
// atomic step; used by the close path.
func (t *replyTracker) removeSession(sessionID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.byKey {
		if key.sessionID != sessionID {
			continue
		}
		delete(t.byKey, key)
		heap.Remove(&t.pending, e.index)
	}
}

func (t *replyTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

func (t *replyTracker) close() {
	t.dieOnce.Do(func() {
		close(t.die)
	})
}

func (t *replyTracker) run() {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, e := range t.collectExpired(now) {
				t.onTimeout(e)
			}
		case <-t.die:
			return
		}
	}
}

func (t *replyTracker) collectExpired(now time.Time) []expectation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []expectation
	for len(t.pending) > 0 && !t.pending[0].deadline.After(now) {
		e := heap.Pop(&t.pending).(*expectation)
		delete(t.byKey, expectKey{e.sessionID, e.messageID})
		expired = append(expired, *e)
	}
	return expired
}
