// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
	amqpserver "github.com/absmach/fluxamqp/amqp/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAMQPServer() *amqpserver.Server[struct{}] {
	factory := func(context.Context, *sasl.Credentials, *amqp.Connection) (struct{}, amqpserver.LinkService, error) {
		return struct{}{}, amqpserver.LinkServiceFunc(func(context.Context, *amqp.ControlFrame) error { return nil }), nil
	}
	return amqpserver.New(amqpserver.Config{AMQP: amqp.Config{ContainerID: "tcp-test"}}, factory, nil)
}

// listen starts s on a loopback port and returns its address.
func listen(t *testing.T, s *Server) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	return s.Addr().String()
}

// openAMQP runs a bare handshake and returns the server's container id.
func openAMQP(t *testing.T, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	r := bufio.NewReader(conn)

	require.NoError(t, frames.WriteProtocolHeader(conn, frames.ProtocolAMQP))
	id, ok, err := frames.ReadProtocolHeader(r)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, frames.ProtocolAMQP, id)

	body, err := (&performatives.Open{ContainerID: "client"}).Encode()
	require.NoError(t, err)
	require.NoError(t, frames.WriteFrame(conn, frames.FrameTypeAMQP, 0, body))

	f, err := frames.ReadFrame(r)
	require.NoError(t, err)
	perf, err := performatives.Decode(f.Body)
	require.NoError(t, err)
	open, ok := perf.(*performatives.Open)
	require.True(t, ok)
	return open.ContainerID
}

func TestListenAMQP(t *testing.T) {
	srv := newAMQPServer()
	addr := listen(t, New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, srv))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "tcp-test", openAMQP(t, conn))
	assert.Eventually(t, func() bool { return srv.Stats().GetCurrentConnections() == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenAMQPS(t *testing.T) {
	cert := selfSigned(t)
	srv := newAMQPServer()
	addr := listen(t, New(Config{
		Address:         "127.0.0.1:0",
		TLSConfig:       &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		ShutdownTimeout: time.Second,
	}, srv))

	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)
	conn, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: pool, ServerName: "localhost", MinVersion: tls.VersionTLS12})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "tcp-test", openAMQP(t, conn))
}

func TestListenShutdownClosesConnections(t *testing.T) {
	srv := newAMQPServer()
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	openAMQP(t, conn)

	// An idle open connection holds shutdown until the timeout cancels it.
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShutdownTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return")
	}
	assert.Equal(t, uint64(0), srv.Stats().GetCurrentConnections())
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}
