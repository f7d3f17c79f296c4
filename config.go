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
	"time"

	"github.com/sagernet/sing/common/logger"
)

// Config is used to tune a Controller and every session it owns.
type Config struct {
	// HeartbeatDisabled disables periodic liveness probing.
	HeartbeatDisabled bool

	// HeartbeatInterval is how often an established session sends a
	// heartbeat to the peer.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long an unanswered heartbeat may stay
	// outstanding before the session is considered dead.
	HeartbeatTimeout time.Duration

	// ReplyTimeout bounds every other reply-required message.
	ReplyTimeout time.Duration

	// TrackerTick is the wake-up period of the reply tracker.
	TrackerTick time.Duration

	// MaxFrameSize caps a single inbound frame, header and trailer
	// included. Larger frames are treated as stream corruption.
	MaxFrameSize int

	// ReceiveBufferSize is the initial capacity of the per-session
	// inbound ring buffer.
	ReceiveBufferSize int

	// Logger receives protocol-level debug output. Defaults to a no-op.
	Logger logger.Logger
}

// DefaultConfig is used to return a default configuration
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReplyTimeout:      5 * time.Second,
		TrackerTick:       time.Second,
		MaxFrameSize:      1 << 20,
		ReceiveBufferSize: 64 * 1024,
		Logger:            logger.NOP(),
	}
}

// VerifyConfig is used to verify the sanity of configuration
func VerifyConfig(config *Config) error {
	if !config.HeartbeatDisabled {
		if config.HeartbeatInterval <= 0 {
			return errors.New("heartbeat interval must be positive")
		}
		if config.HeartbeatTimeout < config.HeartbeatInterval {
			return errors.New("heartbeat timeout must be larger than heartbeat interval")
		}
	}
	if config.ReplyTimeout <= 0 {
		return errors.New("reply timeout must be positive")
	}
	if config.TrackerTick <= 0 {
		return errors.New("tracker tick must be positive")
	}
	if config.MaxFrameSize < sizeError {
		return errors.New("max frame size too small")
	}
	if config.ReceiveBufferSize <= 0 {
		return errors.New("receive buffer size must be positive")
	}
	return nil
}
