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
)

var ErrSessionIDUsed = errors.New("session id already in use")

// sessionTable holds the established and the half-open sessions of a
// controller. An id is the key of at most one of the two maps at any
// instant; isIDUsed answers over the union.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	pending  map[uint32]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		sessions: make(map[uint32]*Session),
		pending:  make(map[uint32]*Session),
	}
}

func (t *sessionTable) addSession(id uint32, session *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; ok {
		return ErrSessionIDUsed
	}
	if _, ok := t.pending[id]; ok {
		return ErrSessionIDUsed
	}
	t.sessions[id] = session
	return nil
}

func (t *sessionTable) addPendingSession(id uint32, session *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; ok {
		return ErrSessionIDUsed
	}
	if _, ok := t.pending[id]; ok {
		return ErrSessionIDUsed
	}
	t.pending[id] = session
	return nil
}

func (t *sessionTable) removeSession(id uint32) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[id]
	if !ok {
		return nil
	}
	delete(t.sessions, id)
	return session
}

func (t *sessionTable) removePendingSession(id uint32) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return session
}

func (t *sessionTable) getSession(id uint32) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[id]
}

func (t *sessionTable) isIDUsed(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[id]
	if !ok {
		_, ok = t.pending[id]
	}
	return ok
}

func (t *sessionTable) count() (established int, pending int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions), len(t.pending)
}

// serverTable holds the listening endpoints of a controller by id.
type serverTable struct {
	mu      sync.Mutex
	servers map[uint32]*server
}

func newServerTable() *serverTable {
	return &serverTable{servers: make(map[uint32]*server)}
}

func (t *serverTable) add(id uint32, srv *server) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.servers[id] = srv
}

func (t *serverTable) remove(id uint32) *server {
	t.mu.Lock()
	defer t.mu.Unlock()
	srv, ok := t.servers[id]
	if !ok {
		return nil
	}
	delete(t.servers, id)
	return srv
}

func (t *serverTable) get(id uint32) *server {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.servers[id]
}

func (t *serverTable) drain() []*server {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := make([]*server, 0, len(t.servers))
	for id, srv := range t.servers {
		all = append(all, srv)
		delete(t.servers, id)
	}
	return all
}
