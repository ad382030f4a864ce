// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// event is one thing the server wrote: a protocol header or a frame.
type event struct {
	header bool
	id     frames.ProtocolID
	frame  *frames.Frame
}

// peer is a scripted client. A goroutine reads everything the server
// writes, so server writes never block on the synchronous pipe.
type peer struct {
	t      *testing.T
	conn   net.Conn
	events chan event
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	t.Helper()
	p := &peer{t: t, conn: conn, events: make(chan event, 256)}
	go p.readLoop()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *peer) readLoop() {
	defer close(p.events)
	r := bufio.NewReader(p.conn)
	for {
		head, err := r.Peek(4)
		if err != nil {
			return
		}
		if frames.DetectAMQP(head) {
			id, ok, err := frames.ReadProtocolHeader(r)
			if err != nil || !ok {
				return
			}
			p.events <- event{header: true, id: id}
			continue
		}
		f, err := frames.ReadFrame(r)
		if err != nil {
			return
		}
		p.events <- event{frame: f}
	}
}

func (p *peer) next() event {
	p.t.Helper()
	select {
	case ev, ok := <-p.events:
		require.True(p.t, ok, "server closed the connection")
		return ev
	case <-time.After(waitTimeout):
		require.FailNow(p.t, "timed out waiting for the server")
		return event{}
	}
}

func (p *peer) expectHeader(id frames.ProtocolID) {
	p.t.Helper()
	ev := p.next()
	require.True(p.t, ev.header, "expected protocol header, got frame")
	require.Equal(p.t, id, ev.id)
}

func (p *peer) expectSASL() sasl.Frame {
	p.t.Helper()
	ev := p.next()
	require.False(p.t, ev.header, "expected sasl frame, got header")
	require.Equal(p.t, frames.FrameTypeSASL, ev.frame.Type)
	f, err := sasl.Decode(ev.frame.Body)
	require.NoError(p.t, err)
	return f
}

func (p *peer) expectOutcome(code sasl.Code) {
	p.t.Helper()
	out, ok := p.expectSASL().(*sasl.Outcome)
	require.True(p.t, ok, "expected sasl-outcome")
	require.Equal(p.t, code, out.Code)
}

func (p *peer) expect() (uint16, performatives.Performative) {
	p.t.Helper()
	for {
		ev := p.next()
		require.False(p.t, ev.header, "expected frame, got header")
		require.Equal(p.t, frames.FrameTypeAMQP, ev.frame.Type)
		if ev.frame.IsEmpty() {
			continue
		}
		perf, err := performatives.Decode(ev.frame.Body)
		require.NoError(p.t, err)
		return ev.frame.Channel, perf
	}
}

// expectPerf reads the next performative and asserts its type.
func expectPerf[P performatives.Performative](p *peer) P {
	p.t.Helper()
	_, perf := p.expect()
	v, ok := perf.(P)
	require.True(p.t, ok, "expected %T, got %s", *new(P), performatives.Name(perf))
	return v
}

// expectEOF asserts the server closed the transport without writing more.
func (p *peer) expectEOF() {
	p.t.Helper()
	select {
	case ev, ok := <-p.events:
		require.False(p.t, ok, "unexpected write from server: %+v", ev)
	case <-time.After(waitTimeout):
		require.FailNow(p.t, "server did not close the connection")
	}
}

func (p *peer) sendHeader(id frames.ProtocolID) {
	p.t.Helper()
	require.NoError(p.t, frames.WriteProtocolHeader(p.conn, id))
}

func (p *peer) sendSASL(f sasl.Frame) {
	p.t.Helper()
	body, err := f.Encode()
	require.NoError(p.t, err)
	require.NoError(p.t, frames.WriteFrame(p.conn, frames.FrameTypeSASL, 0, body))
}

func (p *peer) send(ch uint16, perf performatives.Performative) {
	p.t.Helper()
	body, err := perf.Encode()
	require.NoError(p.t, err)
	if t, ok := perf.(*performatives.Transfer); ok {
		body = append(body, t.Payload...)
	}
	require.NoError(p.t, frames.WriteFrame(p.conn, frames.FrameTypeAMQP, ch, body))
}

// open runs a bare AMQP handshake.
func (p *peer) open() *performatives.Open {
	p.t.Helper()
	p.sendHeader(frames.ProtocolAMQP)
	p.expectHeader(frames.ProtocolAMQP)
	p.send(0, &performatives.Open{ContainerID: "client", MaxFrameSize: 65536, ChannelMax: 16})
	return expectPerf[*performatives.Open](p)
}

func (p *peer) begin(ch uint16) *performatives.Begin {
	p.t.Helper()
	p.send(ch, &performatives.Begin{NextOutgoingID: 0, IncomingWindow: 1000, OutgoingWindow: 1000, HandleMax: 32})
	return expectPerf[*performatives.Begin](p)
}

func uptr(v uint32) *uint32 { return &v }

// serve runs ServeConn on one end of a pipe and returns a peer for the other.
func serve[St any](t *testing.T, srv *Server[St]) (*peer, <-chan error) {
	t.Helper()
	return serveCtx(t, context.Background(), srv)
}

func serveCtx[St any](t *testing.T, ctx context.Context, srv *Server[St]) (*peer, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(ctx, server) }()
	return newPeer(t, client), done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		require.FailNow(t, "ServeConn did not return")
		return nil
	}
}

// recorded is a control frame as the link service saw it.
type recorded struct {
	kind       amqp.ControlFrameKind
	name       string
	hasSession bool
	channel    uint16
}

// recorder is a link service that records every control frame. handle, when
// set, runs on the connection goroutine and decides the result.
type recorder struct {
	mu     sync.Mutex
	frames []recorded
	seen   chan recorded
	handle func(f *amqp.ControlFrame) error
}

func newRecorder(handle func(f *amqp.ControlFrame) error) *recorder {
	return &recorder{seen: make(chan recorded, 256), handle: handle}
}

func (r *recorder) Control(_ context.Context, f *amqp.ControlFrame) error {
	rec := recorded{kind: f.Kind(), name: amqp.KindName(f.Kind()), hasSession: f.HasSession()}
	if rec.hasSession {
		rec.channel = f.Session().RemoteChannel()
	}
	r.mu.Lock()
	r.frames = append(r.frames, rec)
	r.mu.Unlock()
	r.seen <- rec

	if r.handle != nil {
		return r.handle(f)
	}
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.name
	}
	return out
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.frames...)
}

func (r *recorder) next(t *testing.T) recorded {
	t.Helper()
	select {
	case rec := <-r.seen:
		return rec
	case <-time.After(waitTimeout):
		require.FailNow(t, "no control frame")
		return recorded{}
	}
}

// appState is a test application state.
type appState struct {
	creds  *sasl.Credentials
	closed *int
}

func (s *appState) Close() error {
	*s.closed++
	return nil
}

func recorderFactory(svc LinkService) Factory[*appState] {
	return func(_ context.Context, creds *sasl.Credentials, _ *amqp.Connection) (*appState, LinkService, error) {
		return &appState{creds: creds, closed: new(int)}, svc, nil
	}
}
