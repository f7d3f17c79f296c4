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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sagernet/sing/common/logger"
	"github.com/stretchr/testify/require"
)

// writeTestCertificate creates a self-signed server certificate and
// returns the PEM file paths.
func writeTestCertificate(t *testing.T) (certFile string, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "smsg test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return
}

func TestTLSTCPSession(t *testing.T) {
	serverPeer := newTestPeer(t, testConfig())
	clientPeer := newTestPeer(t, testConfig())

	certFile, keyFile := writeTestCertificate(t)
	serverID, err := serverPeer.ctrl.AddTLSTCPServer(0, certFile, keyFile)
	require.NoError(t, err)
	port := uint16(serverPeer.ctrl.ServerAddr(serverID).(*net.TCPAddr).Port)

	require.NoError(t, clientPeer.ctrl.StartTLSTCPSession("127.0.0.1", port, "", "", true))
	clientSession := clientPeer.waitEvent(t, SessionEstablished)
	serverPeer.waitEvent(t, SessionEstablished)

	require.NoError(t, clientSession.SendData([]byte("over tls"), false))
	select {
	case record := <-serverPeer.data:
		require.Equal(t, []byte("over tls"), record.payload)
	case <-time.After(testWait):
		t.Fatal("no data on server")
	}
}

func TestTLSServerBadCertificate(t *testing.T) {
	peer := newTestPeer(t, testConfig())
	_, err := peer.ctrl.AddTLSTCPServer(0, "missing-cert.pem", "missing-key.pem")
	require.Error(t, err)
}

func TestVerifyConfig(t *testing.T) {
	require.NoError(t, VerifyConfig(DefaultConfig()))

	config := DefaultConfig()
	config.HeartbeatTimeout = config.HeartbeatInterval / 2
	require.Error(t, VerifyConfig(config))

	config = DefaultConfig()
	config.ReplyTimeout = 0
	require.Error(t, VerifyConfig(config))

	config = DefaultConfig()
	config.TrackerTick = 0
	require.Error(t, VerifyConfig(config))

	config = DefaultConfig()
	config.MaxFrameSize = 100
	require.Error(t, VerifyConfig(config))

	config = DefaultConfig()
	config.ReceiveBufferSize = 0
	require.Error(t, VerifyConfig(config))

	config = DefaultConfig()
	config.HeartbeatDisabled = true
	config.HeartbeatInterval = 0
	require.NoError(t, VerifyConfig(config))
}

func TestNewControllerDefaults(t *testing.T) {
	ctrl, err := NewController(Callbacks{}, nil)
	require.NoError(t, err)
	defer ctrl.Close()
	require.Equal(t, logger.NOP(), ctrl.config.Logger)
}
