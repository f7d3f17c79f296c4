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
	"crypto/tls"
	"net"
	"strconv"

	E "github.com/sagernet/sing/common/exceptions"
)

// StartUnixDomainSession dials a unix domain socket and starts the
// session handshake. The established session arrives through
// OnSessionEvent; only dial and send failures are returned here.
func (c *Controller) StartUnixDomainSession(path string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return E.Cause(err, "dial unix socket")
	}
	return c.startSession(conn)
}

// StartTCPSession dials host:port and starts the session handshake.
func (c *Controller) StartTCPSession(host string, port uint16) error {
	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return E.Cause(err, "dial tcp")
	}
	return c.startSession(conn)
}

// StartTLSTCPSession dials host:port with TLS and starts the session
// handshake. The certificate and key files are optional and present the
// client to servers that demand one; InsecureSkipVerify matches
// deployments with self-signed server certificates.
func (c *Controller) StartTLSTCPSession(host string, port uint16, certFile string, keyFile string, insecureSkipVerify bool) error {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: insecureSkipVerify,
	}
	if certFile != "" && keyFile != "" {
		certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return E.Cause(err, "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}
	conn, err := tls.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), tlsConfig)
	if err != nil {
		return E.Cause(err, "dial tls")
	}
	return c.startSession(conn)
}
