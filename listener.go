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
	"os"
	"strconv"
	"sync"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
)

// server is one listening endpoint. Every accepted connection becomes a
// session waiting for the peer's init-start; closing the server stops
// the listener but leaves accepted sessions alone.
type server struct {
	id       uint32
	ctrl     *Controller
	listener net.Listener

	die     chan struct{}
	dieOnce sync.Once
}

func (c *Controller) addServer(listener net.Listener) uint32 {
	srv := &server{
		id:       c.alloc.nextServerID(),
		ctrl:     c,
		listener: listener,
		die:      make(chan struct{}),
	}
	c.servers.add(srv.id, srv)
	go srv.acceptLoop()
	return srv.id
}

func (srv *server) acceptLoop() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.die:
			default:
				srv.ctrl.config.Logger.Warn("accept: ", err)
			}
			return
		}
		newSession(srv.ctrl, conn, false)
	}
}

func (srv *server) close() {
	srv.dieOnce.Do(func() {
		close(srv.die)
		common.Close(srv.listener)
	})
}

// ServerAddr returns the listener address of a server, or nil for an
// unknown id; useful with port 0 listeners.
func (c *Controller) ServerAddr(id uint32) net.Addr {
	srv := c.servers.get(id)
	if srv == nil {
		return nil
	}
	return srv.listener.Addr()
}

// AddUnixDomainServer listens on a unix domain socket path. The path
// must not exist yet.
func (c *Controller) AddUnixDomainServer(path string) (uint32, error) {
	if _, err := os.Stat(path); err == nil {
		return 0, E.New("socket file already exists: ", path)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return 0, E.Cause(err, "listen on unix socket")
	}
	return c.addServer(listener), nil
}

// AddTCPServer listens on a TCP port; port 0 picks a free one.
func (c *Controller) AddTCPServer(port uint16) (uint32, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return 0, E.Cause(err, "listen on tcp port ", port)
	}
	return c.addServer(listener), nil
}

// AddTLSTCPServer listens on a TCP port with TLS using the given
// certificate and key files.
func (c *Controller) AddTLSTCPServer(port uint16, certFile string, keyFile string) (uint32, error) {
	certificate, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return 0, E.Cause(err, "load server certificate")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
	}
	listener, err := tls.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(port))), tlsConfig)
	if err != nil {
		return 0, E.Cause(err, "listen on tls port ", port)
	}
	return c.addServer(listener), nil
}
