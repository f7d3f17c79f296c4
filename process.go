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
	"fmt"
)

// processFrame routes one complete, validated frame to its handler and
// returns the number of consumed bytes. The frame slice aliases the
// ring buffer and is only valid during the call.
func (s *Session) processFrame(h header, frame []byte) int {
	body := frame[headerSize : h.Size-trailerSize]
	switch h.Type {
	case typeSession:
		return s.processSessionType(h, body)
	case typeHeartbeat:
		return s.processHeartbeatType(h, body)
	case typeError:
		return s.processErrorType(h, body)
	case typeData:
		return s.processDataType(h, body)
	case typeSubProtocol:
		return s.processSubProtocolType(h, body)
	default:
		// peekFrame already rejected unknown types
		return int(h.Size)
	}
}

// processSessionType handles the handshake and close sub-protocol.
func (s *Session) processSessionType(h header, body []byte) int {
	switch h.SubType {
	case subSessionInitStart:
		s.processSessionInitStart(h, body)
	case subSessionInitReply:
		s.processSessionInitReply(h, body)
	case subSessionCloseStart:
		s.processSessionCloseStart(h, body)
	case subSessionCloseReply:
		s.processSessionCloseReply(h, body)
	default:
		s.rejectSubType(h)
	}
	return int(h.Size)
}

// processSessionInitStart runs the server half of the handshake: pick a
// nonzero server half, compose the complete id from the two disjoint
// halves and confirm it to the client. The client half alone can
// collide between connections; the composed id cannot while the half
// allocator skips ids still in use.
func (s *Session) processSessionInitStart(h header, body []byte) {
	s.config.Logger.Debug("process session init start")
	if s.State() != StateHandshakePending {
		s.sendError(subErrorInvalidMessage, h.SessionID, "unexpected session init start")
		return
	}
	clientHalf := binary.LittleEndian.Uint32(body)
	if clientHalf == 0 || clientHalf > 0xFFFF {
		s.sendError(subErrorInvalidMessage, h.SessionID,
			fmt.Sprintf("invalid client session id %d", clientHalf))
		return
	}

	serverHalf, err := s.ctrl.alloc.nextSessionHalf(func(half uint16) bool {
		return s.ctrl.table.isIDUsed(uint32(half)<<16 | clientHalf)
	})
	if err != nil {
		s.config.Logger.Error("session init: ", err)
		s.destroy()
		return
	}
	completeID := uint32(serverHalf)<<16 | clientHalf

	s.setID(completeID)
	if err := s.ctrl.table.addSession(completeID, s); err != nil {
		s.config.Logger.Error("session init: ", err)
		s.destroy()
		return
	}

	reply := make([]byte, 8)
	binary.LittleEndian.PutUint32(reply, clientHalf)
	binary.LittleEndian.PutUint32(reply[4:], completeID)
	s.config.Logger.Debug("send session init reply")
	err = s.sendControl(header{
		Type:      typeSession,
		SubType:   subSessionInitReply,
		MessageID: h.MessageID,
		SessionID: completeID,
	}, reply, 0)
	if err != nil {
		s.ctrl.table.removeSession(completeID)
		s.destroy()
		return
	}
	s.establish(completeID)
}

// processSessionInitReply finishes the client half of the handshake:
// cancel the reply expectation, move the pending entry to the session
// table under the complete id.
func (s *Session) processSessionInitReply(h header, body []byte) {
	s.config.Logger.Debug("process session init reply")
	provisionalID := binary.LittleEndian.Uint32(body)
	completeID := binary.LittleEndian.Uint32(body[4:])

	s.ctrl.tracker.removeMessage(provisionalID, h.MessageID)
	pending := s.ctrl.table.removePendingSession(provisionalID)
	if pending == nil {
		// duplicate or late reply
		return
	}
	if completeID&0xFFFF != provisionalID || completeID>>16 == 0 {
		s.sendError(subErrorInvalidMessage, completeID,
			fmt.Sprintf("invalid complete session id %d", completeID))
		pending.destroy()
		return
	}
	if err := s.ctrl.table.addSession(completeID, pending); err != nil {
		s.config.Logger.Error("session init reply: ", err)
		pending.destroy()
		return
	}
	pending.establish(completeID)
}

// processSessionCloseStart answers the peer's close request and
// destroys the local session afterwards.
func (s *Session) processSessionCloseStart(h header, body []byte) {
	s.config.Logger.Debug("process session close start")
	sessionID := binary.LittleEndian.Uint32(body)
	session := s.ctrl.table.getSession(sessionID)
	if session == nil {
		s.sendError(subErrorUnknownSession, sessionID,
			fmt.Sprintf("unknown session 0x%08X", sessionID))
		return
	}
	session.setState(StateClosing)

	if h.replyRequired() {
		reply := make([]byte, 4)
		binary.LittleEndian.PutUint32(reply, sessionID)
		s.config.Logger.Debug("send session close reply")
		session.sendControl(header{
			Type:      typeSession,
			SubType:   subSessionCloseReply,
			MessageID: h.MessageID,
			SessionID: sessionID,
		}, reply, 0)
	}
	session.destroy()
}

// processSessionCloseReply finishes a close handshake this side
// initiated; the local session is destroyed without further frames.
func (s *Session) processSessionCloseReply(h header, body []byte) {
	s.config.Logger.Debug("process session close reply")
	sessionID := binary.LittleEndian.Uint32(body)
	s.ctrl.tracker.removeMessage(h.SessionID, h.MessageID)
	session := s.ctrl.table.getSession(sessionID)
	if session == nil {
		// already destroyed, e.g. by the close timeout
		return
	}
	session.destroy()
}

// processHeartbeatType answers probes immediately and settles the reply
// expectation for answered ones.
func (s *Session) processHeartbeatType(h header, body []byte) int {
	switch h.SubType {
	case subHeartbeatStart:
		s.config.Logger.Debug("process heartbeat start")
		err := s.sendControl(header{
			Type:      typeHeartbeat,
			SubType:   subHeartbeatReply,
			MessageID: h.MessageID,
			SessionID: h.SessionID,
		}, nil, 0)
		if err != nil {
			s.config.Logger.Warn("send heartbeat reply: ", err)
		}
	case subHeartbeatReply:
		s.config.Logger.Debug("process heartbeat reply")
		s.ctrl.tracker.removeMessage(h.SessionID, h.MessageID)
	default:
		s.rejectSubType(h)
	}
	return int(h.Size)
}

// processErrorType surfaces a peer-reported error to the user without
// touching the session; the sender decides disposition.
func (s *Session) processErrorType(h header, body []byte) int {
	switch h.SubType {
	case subErrorFalseVersion, subErrorUnknownSession, subErrorInvalidMessage:
		text := parseErrorBody(body)
		s.config.Logger.Debug("process error message: ", text)
		s.ctrl.notifyError(h.SessionID, ErrorCode(h.SubType), text)
	default:
		s.rejectSubType(h)
	}
	return int(h.Size)
}

// processDataType delivers payloads and acknowledges the ones that ask
// for it. The payload is copied before the callback because the frame
// view dies with the ring buffer advance.
func (s *Session) processDataType(h header, body []byte) int {
	switch h.SubType {
	case subDataPlain:
		session := s.ctrl.table.getSession(h.SessionID)
		if session == nil {
			s.sendError(subErrorUnknownSession, h.SessionID,
				fmt.Sprintf("unknown session 0x%08X", h.SessionID))
			return int(h.Size)
		}
		payload := make([]byte, len(body))
		copy(payload, body)
		s.ctrl.notifyData(h.SessionID, payload)
		if h.replyRequired() {
			err := session.sendControl(header{
				Type:      typeData,
				SubType:   subDataReply,
				MessageID: h.MessageID,
				SessionID: h.SessionID,
			}, nil, 0)
			if err != nil {
				s.config.Logger.Warn("send data reply: ", err)
			}
		}
	case subDataReply:
		s.ctrl.tracker.removeMessage(h.SessionID, h.MessageID)
	default:
		s.rejectSubType(h)
	}
	return int(h.Size)
}

// processSubProtocolType forwards reserved type-5 frames to the user
// hook; without a hook the frame is consumed silently.
func (s *Session) processSubProtocolType(h header, body []byte) int {
	if hook := s.ctrl.callbacks.OnSubProtocol; hook != nil {
		payload := make([]byte, len(body))
		copy(payload, body)
		hook(s, h.SubType, payload)
	}
	return int(h.Size)
}

func (s *Session) rejectSubType(h header) {
	s.sendError(subErrorInvalidMessage, h.SessionID,
		fmt.Sprintf("unknown message type %d.%d", h.Type, h.SubType))
}
