// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
	amqpserver "github.com/absmach/fluxamqp/amqp/server"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAll struct{}

func (denyAll) Allow(net.Addr) bool { return false }

func newAMQPServer() *amqpserver.Server[struct{}] {
	factory := func(context.Context, *sasl.Credentials, *amqp.Connection) (struct{}, amqpserver.LinkService, error) {
		return struct{}{}, amqpserver.LinkServiceFunc(func(context.Context, *amqp.ControlFrame) error { return nil }), nil
	}
	return amqpserver.New(amqpserver.Config{AMQP: amqp.Config{ContainerID: "ws-test"}}, factory, nil)
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	d := websocket.Dialer{Subprotocols: []string{Subprotocol}, HandshakeTimeout: 2 * time.Second}
	ws, resp, err := d.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, Subprotocol, ws.Subprotocol())

	c := NewConn(ws)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(2*time.Second)))
	return c
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestAMQPOverWebSocket(t *testing.T) {
	amqpSrv := newAMQPServer()
	s := New(Config{}, amqpSrv, nil)
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	c := dial(t, wsURL(hs, "/amqp"))
	r := bufio.NewReader(c)

	require.NoError(t, frames.WriteProtocolHeader(c, frames.ProtocolAMQP))
	id, ok, err := frames.ReadProtocolHeader(r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, frames.ProtocolAMQP, id)

	body, err := (&performatives.Open{ContainerID: "client"}).Encode()
	require.NoError(t, err)
	require.NoError(t, frames.WriteFrame(c, frames.FrameTypeAMQP, 0, body))

	f, err := frames.ReadFrame(r)
	require.NoError(t, err)
	perf, err := performatives.Decode(f.Body)
	require.NoError(t, err)
	open, ok := perf.(*performatives.Open)
	require.True(t, ok)
	assert.Equal(t, "ws-test", open.ContainerID)

	body, err = (&performatives.Close{}).Encode()
	require.NoError(t, err)
	require.NoError(t, frames.WriteFrame(c, frames.FrameTypeAMQP, 0, body))
	f, err = frames.ReadFrame(r)
	require.NoError(t, err)
	perf, err = performatives.Decode(f.Body)
	require.NoError(t, err)
	assert.IsType(t, &performatives.Close{}, perf)

	assert.Eventually(t, func() bool {
		return amqpSrv.Stats().GetDisconnections() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnReadsAcrossMessages(t *testing.T) {
	got := make(chan []byte, 1)
	s := New(Config{}, handlerFunc(func(_ context.Context, conn net.Conn) error {
		buf := make([]byte, 6)
		n, err := io.ReadFull(conn, buf)
		got <- buf[:n]
		return err
	}), nil)
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	c := dial(t, wsURL(hs, "/amqp"))
	_, err := c.Write([]byte("AM"))
	require.NoError(t, err)
	_, err = c.Write([]byte("QP\x00\x01"))
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.Equal(t, []byte("AMQP\x00\x01"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not read")
	}
}

func TestConnCloseIsEOF(t *testing.T) {
	errs := make(chan error, 1)
	s := New(Config{}, handlerFunc(func(_ context.Context, conn net.Conn) error {
		_, err := conn.Read(make([]byte, 1))
		errs <- err
		return err
	}), nil)
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	c := dial(t, wsURL(hs, "/amqp"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("server read did not fail")
	}

	_, err := c.Write([]byte("x"))
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestRateLimited(t *testing.T) {
	s := New(Config{Limiter: denyAll{}}, newAMQPServer(), nil)
	hs := httptest.NewServer(s.Handler())
	defer hs.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(hs, "/amqp"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestListenAndShutdown(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", Path: "/broker", ShutdownTimeout: 200 * time.Millisecond}, newAMQPServer(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Listen(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	c := dial(t, "ws://"+s.Addr().String()+"/broker")
	require.NoError(t, frames.WriteProtocolHeader(c, frames.ProtocolAMQP))

	// The open connection is cancelled once the drain timeout passes.
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return")
	}
}

type handlerFunc func(ctx context.Context, conn net.Conn) error

func (f handlerFunc) ServeConn(ctx context.Context, conn net.Conn) error { return f(ctx, conn) }
