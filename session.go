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
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing/common/bufio"
)

const (
	maxShaperSize    = 1024
	openCloseTimeout = 30 * time.Second // Timeout for handing a control frame to the transport
)

// CLASSID represents the class of a frame
type CLASSID int

const (
	CLSCTRL CLASSID = iota // prioritized control signal
	CLSDATA
)

// timeoutError representing timeouts for operations such as send and close
//
// To better cooperate with the standard library, timeoutError should implement the standard library's `net.Error`.
type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Temporary() bool { return true }
func (timeoutError) Timeout() bool   { return true }

var (
	ErrTimeout        net.Error = &timeoutError{}
	ErrSessionClosed            = errors.New("session closed")
	ErrNotEstablished           = errors.New("session not established")
)

// SessionState is the lifecycle state of a session.
type SessionState int32

const (
	// StateHandshakeOffered is a client session whose init-start is in flight.
	StateHandshakeOffered SessionState = iota + 1
	// StateHandshakePending is an accepted connection awaiting init-start.
	StateHandshakePending
	StateEstablished
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshakeOffered:
		return "handshake-offered"
	case StateHandshakePending:
		return "handshake-pending"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionEvent is reported through Callbacks.OnSessionEvent.
type SessionEvent uint8

const (
	SessionEstablished SessionEvent = iota + 1
	SessionClosed
)

// ErrorCode identifies a protocol or local failure in Callbacks.OnError.
// The first three values match the wire error sub-types.
type ErrorCode uint8

const (
	ErrorFalseVersion   ErrorCode = 1
	ErrorUnknownSession ErrorCode = 2
	ErrorInvalidMessage ErrorCode = 3
	ErrorTransport      ErrorCode = 4
	ErrorTimeout        ErrorCode = 5
)

// writeRequest represents a request to write a frame
type writeRequest struct {
	class  CLASSID
	parts  [][]byte
	seq    uint32
	result chan writeResult
}

// writeResult represents the result of a write request
type writeResult struct {
	n   int
	err error
}

// Session is one logical channel between two peers. It exclusively owns
// its transport connection and inbound ring buffer; the identifier is
// provisional (the bare client half) until the handshake completes.
type Session struct {
	ctrl   *Controller
	conn   net.Conn
	config *Config

	id    uint32 // atomic; complete id once established
	state int32  // atomic SessionState

	recvBuf *ringBuffer

	die     chan struct{} // flag session has died
	dieOnce sync.Once

	// socket error handling
	socketWriteError     atomic.Value
	chSocketWriteError   chan struct{}
	socketWriteErrorOnce sync.Once

	wasEstablished int32 // atomic; gates the Closed event

	requestID uint32            // Monotonic increasing write request ID
	shaper    chan writeRequest // a shaper for writing
	writes    chan writeRequest

	heartbeatOnce sync.Once
	destroyOnce   sync.Once
}

func newSession(ctrl *Controller, conn net.Conn, client bool) *Session {
	s := new(Session)
	s.ctrl = ctrl
	s.conn = conn
	s.config = ctrl.config
	s.recvBuf = newRingBuffer(ctrl.config.ReceiveBufferSize)
	s.die = make(chan struct{})
	s.chSocketWriteError = make(chan struct{})
	s.shaper = make(chan writeRequest)
	s.writes = make(chan writeRequest)

	if client {
		s.setState(StateHandshakeOffered)
	} else {
		s.setState(StateHandshakePending)
	}

	go s.shaperLoop()
	go s.sendLoop()
	go s.recvLoop()
	return s
}

// ID returns the session identifier: the complete 32-bit id once
// established, the provisional client half before that.
func (s *Session) ID() uint32 {
	return atomic.LoadUint32(&s.id)
}

func (s *Session) setID(id uint32) {
	atomic.StoreUint32(&s.id, id)
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(state SessionState) {
	atomic.StoreInt32(&s.state, int32(state))
}

// IsClosed does a safe check to see if we have shutdown
func (s *Session) IsClosed() bool {
	select {
	case <-s.die:
		return true
	default:
		return false
	}
}

// LocalAddr satisfies net.Conn interface
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr satisfies net.Conn interface
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// SendData sends a data frame to the peer. With replyRequired set the
// peer acknowledges the frame, and a missing acknowledgment is reported
// through OnError after the reply timeout.
func (s *Session) SendData(payload []byte, replyRequired bool) error {
	if s.State() != StateEstablished {
		return ErrNotEstablished
	}
	h := header{
		Version:   protocolVersion,
		Type:      typeData,
		SubType:   subDataPlain,
		MessageID: s.ctrl.alloc.nextMessageID(),
		SessionID: s.ID(),
	}
	if replyRequired {
		h.Flags |= flagReplyRequired
		s.ctrl.tracker.addMessage(h.Type, h.SubType, h.SessionID, h.MessageID, s.config.ReplyTimeout)
	}
	_, err := s.writeFrameInternal(encodeDataParts(h, payload), nil, CLSDATA)
	return err
}

// Close asks the controller to run the close handshake for this session.
func (s *Session) Close() error {
	if !s.ctrl.CloseSession(s.ID()) {
		return ErrSessionClosed
	}
	return nil
}

// sendControl encodes and sends a control frame, registering a reply
// expectation first when the frame demands one.
func (s *Session) sendControl(h header, body []byte, timeout time.Duration) error {
	h.Version = protocolVersion
	if h.replyRequired() {
		s.ctrl.tracker.addMessage(h.Type, h.SubType, h.SessionID, h.MessageID, timeout)
	}
	timer := time.NewTimer(openCloseTimeout)
	defer timer.Stop()
	_, err := s.writeFrameInternal([][]byte{encodeFrame(h, body)}, timer.C, CLSCTRL)
	return err
}

func (s *Session) sendError(code byte, sessionID uint32, text string) {
	s.config.Logger.Debug("send error message: ", text)
	h := header{
		Type:      typeError,
		SubType:   code,
		MessageID: s.ctrl.alloc.nextMessageID(),
		SessionID: sessionID,
	}
	err := s.sendControl(h, encodeErrorBody(text), 0)
	if err != nil {
		s.config.Logger.Warn("send error message: ", err)
	}
}

// startHeartbeat begins the liveness loop; called once on establish.
func (s *Session) startHeartbeat() {
	if s.config.HeartbeatDisabled {
		return
	}
	s.heartbeatOnce.Do(func() {
		go s.heartbeatLoop()
	})
}

// heartbeatLoop periodically probes the peer. An unanswered probe is
// detected by the reply tracker, which tears the session down.
func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.State() != StateEstablished {
				continue
			}
			h := header{
				Type:      typeHeartbeat,
				SubType:   subHeartbeatStart,
				Flags:     flagReplyRequired,
				MessageID: s.ctrl.alloc.nextMessageID(),
				SessionID: s.ID(),
			}
			s.config.Logger.Debug("send heartbeat start")
			err := s.sendControl(h, nil, s.config.HeartbeatTimeout)
			if err != nil {
				return
			}
		case <-s.die:
			return
		}
	}
}

// recvLoop reads from the connection into the ring buffer and drains
// complete frames out of it. It is the only goroutine touching the
// ring, so frame processing needs no locks on the receive side.
func (s *Session) recvLoop() {
	chunk := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.recvBuf.Write(chunk[:n])
			if !s.dispatch() {
				return
			}
		}
		if err != nil {
			s.notifyTransportError(err)
			return
		}
	}
}

// dispatch parses every complete frame currently buffered. It reports
// false when the session was torn down and the loop must stop.
func (s *Session) dispatch() bool {
	for {
		h, frame, err := peekFrame(s.recvBuf, s.config.MaxFrameSize)
		switch {
		case err == nil:
		case errors.Is(err, ErrShortRead):
			return true
		case errors.Is(err, ErrInvalidVersion):
			s.sendError(subErrorFalseVersion, h.SessionID,
				fmt.Sprintf("invalid protocol version %d", h.Version))
			s.ctrl.notifyError(s.ID(), ErrorFalseVersion, "received frame with invalid version")
			s.destroy()
			return false
		case errors.Is(err, ErrUnknownType):
			skipped, fatal := s.skipUnknownFrame(h)
			if fatal {
				return false
			}
			if !skipped {
				return true // wait for the full frame
			}
			continue
		default:
			s.sendError(subErrorInvalidMessage, h.SessionID,
				fmt.Sprintf("invalid message of type %d.%d with size %d", h.Type, h.SubType, h.Size))
			s.ctrl.notifyError(s.ID(), ErrorInvalidMessage, "received frame with invalid size")
			s.destroy()
			return false
		}

		consumed := s.processFrame(h, frame)
		if consumed == 0 {
			return true
		}
		s.recvBuf.Consume(consumed)
		if s.IsClosed() {
			return false
		}
	}
}

// skipUnknownFrame consumes a frame of unknown type, answering with an
// invalid-message error, so the stream stays aligned. The declared size
// is only trusted when the trailer sentinel is where it claims.
func (s *Session) skipUnknownFrame(h header) (skipped bool, fatal bool) {
	if h.Size < headerSize+trailerSize || (s.config.MaxFrameSize > 0 && h.Size > uint32(s.config.MaxFrameSize)) {
		s.ctrl.notifyError(s.ID(), ErrorInvalidMessage, "received frame with invalid size")
		s.destroy()
		return false, true
	}
	frame, err := s.recvBuf.Peek(int(h.Size))
	if err != nil {
		return false, false // wait for the full frame
	}
	if !validTrailer(frame) {
		s.ctrl.notifyError(s.ID(), ErrorInvalidMessage, "received frame with invalid trailer")
		s.destroy()
		return false, true
	}
	s.sendError(subErrorInvalidMessage, h.SessionID,
		fmt.Sprintf("unknown message type %d.%d", h.Type, h.SubType))
	s.recvBuf.Consume(int(h.Size))
	return true, s.IsClosed()
}

// notifyTransportError reports a socket failure and tears the session
// down locally; no further frames are sent.
func (s *Session) notifyTransportError(err error) {
	if s.IsClosed() {
		return
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.ctrl.notifyError(s.ID(), ErrorTransport, err.Error())
	}
	s.destroy()
}

func (s *Session) notifyWriteError(err error) {
	s.socketWriteErrorOnce.Do(func() {
		s.socketWriteError.Store(err)
		close(s.chSocketWriteError)
	})
}

// establish promotes the session and fires the user event.
func (s *Session) establish(completeID uint32) {
	s.setID(completeID)
	s.setState(StateEstablished)
	atomic.StoreInt32(&s.wasEstablished, 1)
	s.startHeartbeat()
	s.ctrl.notifySessionEvent(s, SessionEstablished)
}

// destroy is the terminal transition. It removes the session from the
// controller's tables, drops every outstanding reply expectation, tears
// the transport down and reports Closed when the session was ever
// established. Safe to call from any goroutine, any number of times.
func (s *Session) destroy() {
	s.destroyOnce.Do(func() {
		id := s.ID()
		s.ctrl.table.removeSession(id)
		s.ctrl.table.removePendingSession(id)
		s.ctrl.tracker.removeSession(id)
		s.setState(StateClosed)
		s.dieOnce.Do(func() {
			close(s.die)
		})
		s.conn.Close()
		if atomic.LoadInt32(&s.wasEstablished) == 1 {
			s.ctrl.notifySessionEvent(s, SessionClosed)
		}
	})
}

// shaperLoop implements a priority queue for write requests,
// control messages are prioritized over data messages
func (s *Session) shaperLoop() {
	var reqs shaperHeap
	var next writeRequest
	var chWrite chan writeRequest
	var chShaper chan writeRequest

	for {
		// chWrite is not available until it has packet to send
		if len(reqs) > 0 {
			chWrite = s.writes
			next = heap.Pop(&reqs).(writeRequest)
		} else {
			chWrite = nil
		}

		// control heap size, chShaper is not available until packets are less than maximum allowed
		if len(reqs) >= maxShaperSize {
			chShaper = nil
		} else {
			chShaper = s.shaper
		}

		select {
		case <-s.die:
			return
		case r := <-chShaper:
			if chWrite != nil { // next is valid, reshape
				heap.Push(&reqs, next)
			}
			heap.Push(&reqs, r)
		case chWrite <- next:
		}
	}
}

// sendLoop sends frames to the underlying connection
func (s *Session) sendLoop() {
	var buf []byte

	// support for scatter-gather I/O
	bw, vectorised := bufio.CreateVectorisedWriter(s.conn)

	for {
		select {
		case <-s.die:
			return
		case request := <-s.writes:
			var n int
			var err error

			if vectorised {
				n, err = bufio.WriteVectorised(bw, request.parts)
			} else {
				var total int
				for _, part := range request.parts {
					total += len(part)
				}
				if cap(buf) < total {
					buf = make([]byte, 0, total)
				}
				buf = buf[:0]
				for _, part := range request.parts {
					buf = append(buf, part...)
				}
				n, err = s.conn.Write(buf)
			}

			result := writeResult{
				n:   n,
				err: err,
			}

			request.result <- result
			close(request.result)

			// store conn error
			if err != nil {
				s.notifyWriteError(err)
				return
			}
		}
	}
}

// internal writeFrame version to support deadline used in heartbeat
func (s *Session) writeFrameInternal(parts [][]byte, deadline <-chan time.Time, class CLASSID) (int, error) {
	req := writeRequest{
		class:  class,
		parts:  parts,
		seq:    atomic.AddUint32(&s.requestID, 1),
		result: make(chan writeResult, 1),
	}
	select {
	case s.shaper <- req:
	case <-s.die:
		return 0, io.ErrClosedPipe
	case <-s.chSocketWriteError:
		return 0, s.socketWriteError.Load().(error)
	case <-deadline:
		return 0, ErrTimeout
	}

	select {
	case result := <-req.result:
		return result.n, result.err
	case <-s.die:
		return 0, io.ErrClosedPipe
	case <-s.chSocketWriteError:
		return 0, s.socketWriteError.Load().(error)
	case <-deadline:
		return 0, ErrTimeout
	}
}
