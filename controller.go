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
	"net"
	"sync"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
)

// Callbacks is the user surface of a controller. The record is set once
// at construction and shared by every session the controller owns; nil
// members are simply not invoked.
type Callbacks struct {
	// OnSessionEvent fires at the Established and Closed transitions.
	OnSessionEvent func(session *Session, event SessionEvent)

	// OnData fires once per inbound data frame.
	OnData func(sessionID uint32, payload []byte)

	// OnError fires on inbound error frames and on local fatal
	// protocol failures, timeouts included.
	OnError func(sessionID uint32, code ErrorCode, message string)

	// OnSubProtocol receives reserved type-5 frames unmodified.
	OnSubProtocol func(session *Session, subType byte, payload []byte)
}

// Controller owns the session and server tables, the identifier
// allocators and the reply tracker, and is the only entry point for
// creating servers and outgoing sessions. Independent controllers
// share nothing.
type Controller struct {
	config    *Config
	callbacks Callbacks

	alloc   idAllocator
	table   *sessionTable
	servers *serverTable
	tracker *replyTracker

	closeOnce sync.Once
}

// NewController builds a controller. A nil config means DefaultConfig.
func NewController(callbacks Callbacks, config *Config) (*Controller, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		defaults := DefaultConfig()
		config.Logger = defaults.Logger
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	c := &Controller{
		config:    config,
		callbacks: callbacks,
		table:     newSessionTable(),
		servers:   newServerTable(),
	}
	c.tracker = newReplyTracker(config.TrackerTick, c.onReplyTimeout)
	return c, nil
}

// CloseServer stops a listening endpoint. Sessions already accepted
// through it stay alive.
func (c *Controller) CloseServer(id uint32) bool {
	srv := c.servers.remove(id)
	if srv == nil {
		return false
	}
	srv.close()
	return true
}

// GetSession returns the established session with the given id, or nil.
func (c *Controller) GetSession(id uint32) *Session {
	return c.table.getSession(id)
}

// IsIDUsed reports whether id keys an established or pending session.
func (c *Controller) IsIDUsed(id uint32) bool {
	return c.table.isIDUsed(id)
}

// CloseSession starts the close handshake for an established session.
// Outstanding reply expectations of the session are dropped atomically;
// the session is destroyed when the peer confirms, or forcibly when the
// confirmation times out.
func (c *Controller) CloseSession(id uint32) bool {
	session := c.table.getSession(id)
	if session == nil {
		return false
	}
	if session.State() != StateEstablished {
		return false
	}
	session.setState(StateClosing)
	c.tracker.removeSession(id)

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, id)
	c.config.Logger.Debug("send session close start")
	err := session.sendControl(header{
		Type:      typeSession,
		SubType:   subSessionCloseStart,
		Flags:     flagReplyRequired,
		MessageID: c.alloc.nextMessageID(),
		SessionID: id,
	}, body, c.config.ReplyTimeout)
	if err != nil {
		session.destroy()
	}
	return true
}

// Close tears down every server and session and stops the tracker.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		for _, srv := range c.servers.drain() {
			srv.close()
		}
		c.table.mu.Lock()
		all := make([]*Session, 0, len(c.table.sessions)+len(c.table.pending))
		for _, session := range c.table.sessions {
			all = append(all, session)
		}
		for _, session := range c.table.pending {
			all = append(all, session)
		}
		c.table.mu.Unlock()
		for _, session := range all {
			session.destroy()
		}
		c.tracker.close()
	})
	return nil
}

// startSession begins the client half of the handshake on a freshly
// dialed connection: reserve a nonzero 16-bit half, park the session in
// the pending table under the provisional id and offer the half to the
// peer.
func (c *Controller) startSession(conn net.Conn) error {
	half, err := c.alloc.nextSessionHalf(func(half uint16) bool {
		return c.table.isIDUsed(uint32(half))
	})
	if err != nil {
		common.Close(conn)
		return err
	}
	provisionalID := uint32(half)

	session := newSession(c, conn, true)
	session.setID(provisionalID)
	if err := c.table.addPendingSession(provisionalID, session); err != nil {
		session.destroy()
		return err
	}

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, provisionalID)
	c.config.Logger.Debug("send session init start")
	err = session.sendControl(header{
		Type:      typeSession,
		SubType:   subSessionInitStart,
		Flags:     flagReplyRequired,
		MessageID: c.alloc.nextMessageID(),
		SessionID: provisionalID,
	}, body, c.config.ReplyTimeout)
	if err != nil {
		session.destroy()
		return E.Cause(err, "send session init start")
	}
	return nil
}

// onReplyTimeout maps an elapsed expectation to its per-type action.
func (c *Controller) onReplyTimeout(e expectation) {
	switch {
	case e.msgType == typeSession && e.subType == subSessionInitStart:
		// handshake failed: drop the pending session
		pending := c.table.removePendingSession(e.sessionID)
		c.notifyError(e.sessionID, ErrorTimeout, "session init timed out")
		if pending != nil {
			pending.destroy()
		}
	case e.msgType == typeHeartbeat:
		// peer is dead
		session := c.table.getSession(e.sessionID)
		if session == nil {
			return
		}
		c.notifyError(e.sessionID, ErrorTimeout, "heartbeat timed out")
		session.destroy()
	case e.msgType == typeSession && e.subType == subSessionCloseStart:
		// force-destroy without waiting for the confirmation
		session := c.table.getSession(e.sessionID)
		if session == nil {
			return
		}
		session.destroy()
	case e.msgType == typeData:
		c.notifyError(e.sessionID, ErrorTimeout, "data reply timed out")
	}
}

func (c *Controller) notifySessionEvent(session *Session, event SessionEvent) {
	if c.callbacks.OnSessionEvent != nil {
		c.callbacks.OnSessionEvent(session, event)
	}
}

func (c *Controller) notifyData(sessionID uint32, payload []byte) {
	if c.callbacks.OnData != nil {
		c.callbacks.OnData(sessionID, payload)
	}
}

func (c *Controller) notifyError(sessionID uint32, code ErrorCode, message string) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(sessionID, code, message)
	}
}
