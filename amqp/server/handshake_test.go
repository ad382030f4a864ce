// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
	"github.com/absmach/fluxamqp/amqp/types"
	"github.com/absmach/fluxamqp/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// credsFactory records the credentials handed to the factory.
func credsFactory(got chan<- *sasl.Credentials) Factory[*appState] {
	return func(_ context.Context, creds *sasl.Credentials, _ *amqp.Connection) (*appState, LinkService, error) {
		got <- creds
		return &appState{creds: creds, closed: new(int)}, newRecorder(nil), nil
	}
}

func TestHandshakePlainAMQP(t *testing.T) {
	got := make(chan *sasl.Credentials, 1)
	srv := New(Config{AMQP: amqp.Config{ContainerID: "broker"}}, credsFactory(got), nil)
	p, done := serve(t, srv)

	open := p.open()
	assert.Equal(t, "broker", open.ContainerID)
	assert.Nil(t, <-got)

	p.send(0, &performatives.Close{})
	expectPerf[*performatives.Close](p)
	assert.NoError(t, wait(t, done))
	assert.Equal(t, uint64(1), srv.Stats().GetTotalConnections())
	assert.Equal(t, uint64(0), srv.Stats().GetCurrentConnections())
}

func TestHandshakeProtocolIDs(t *testing.T) {
	cases := []struct {
		desc   string
		cfg    Config
		id     frames.ProtocolID
		expect func(t *testing.T, err error)
	}{
		{
			desc: "tls is refused without a reply",
			id:   frames.ProtocolTLS,
			expect: func(t *testing.T, err error) {
				var pe *UnexpectedProtocolError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, frames.ProtocolAMQP, pe.Expected)
				assert.Equal(t, frames.ProtocolTLS, pe.Got)
			},
		},
		{
			desc: "plain amqp when sasl is required",
			cfg:  Config{RequireSASL: true},
			id:   frames.ProtocolAMQP,
			expect: func(t *testing.T, err error) {
				var pe *UnexpectedProtocolError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, frames.ProtocolSASL, pe.Expected)
				assert.Equal(t, frames.ProtocolAMQP, pe.Got)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := New(tc.cfg, recorderFactory(newRecorder(nil)), nil)
			p, done := serve(t, srv)
			p.sendHeader(tc.id)
			p.expectEOF()
			tc.expect(t, wait(t, done))
			assert.Equal(t, uint64(1), srv.Stats().GetHandshakeFailures())
			assert.Equal(t, uint64(0), srv.Stats().GetTotalConnections())
		})
	}
}

func TestHandshakeDisconnects(t *testing.T) {
	t.Run("before the protocol header", func(t *testing.T) {
		srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
		p, done := serve(t, srv)
		require.NoError(t, p.conn.Close())
		assert.ErrorIs(t, wait(t, done), ErrDisconnected)
	})

	t.Run("before open", func(t *testing.T) {
		srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
		p, done := serve(t, srv)
		p.sendHeader(frames.ProtocolAMQP)
		p.expectHeader(frames.ProtocolAMQP)
		require.NoError(t, p.conn.Close())
		assert.ErrorIs(t, wait(t, done), ErrDisconnected)
	})

	t.Run("during sasl", func(t *testing.T) {
		srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
		p, done := serve(t, srv)
		p.sendHeader(frames.ProtocolSASL)
		p.expectHeader(frames.ProtocolSASL)
		p.expectSASL()
		require.NoError(t, p.conn.Close())
		assert.ErrorIs(t, wait(t, done), ErrDisconnected)
	})
}

func TestHandshakeRequiresOpen(t *testing.T) {
	svc := newRecorder(nil)
	srv := New(Config{}, recorderFactory(svc), nil)
	p, done := serve(t, srv)

	p.sendHeader(frames.ProtocolAMQP)
	p.expectHeader(frames.ProtocolAMQP)
	p.send(0, &performatives.Begin{IncomingWindow: 1, OutgoingWindow: 1})
	p.expectEOF()

	err := wait(t, done)
	var fe *UnexpectedFrameError
	require.ErrorAs(t, err, &fe)
	assert.IsType(t, &performatives.Begin{}, fe.Frame)
	assert.Empty(t, svc.names())
}

func TestHandshakeGarbageHeader(t *testing.T) {
	srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
	p, done := serve(t, srv)

	_, err := p.conn.Write([]byte("HTTP/1.1"))
	require.NoError(t, err)
	p.expectEOF()

	var ce *CodecError
	require.ErrorAs(t, wait(t, done), &ce)
	assert.ErrorIs(t, ce, frames.ErrInvalidProtocolHeader)
}

func TestSASLPlain(t *testing.T) {
	got := make(chan *sasl.Credentials, 1)
	srv := New(Config{}, credsFactory(got), nil)
	srv.SetAuthenticator(auth.NewStatic(map[string]string{"alice": "secret"}))
	p, done := serve(t, srv)

	p.sendHeader(frames.ProtocolSASL)
	p.expectHeader(frames.ProtocolSASL)
	mechs, ok := p.expectSASL().(*sasl.Mechanisms)
	require.True(t, ok)
	assert.Equal(t, []types.Symbol{sasl.MechPLAIN, sasl.MechANONYMOUS}, mechs.Mechanisms)

	p.sendSASL(&sasl.Init{Mechanism: sasl.MechPLAIN, InitialResponse: []byte("\x00alice\x00secret"), Hostname: "example.com"})
	p.expectOutcome(sasl.CodeOK)

	p.sendHeader(frames.ProtocolAMQP)
	p.expectHeader(frames.ProtocolAMQP)
	p.send(0, &performatives.Open{ContainerID: "client"})
	expectPerf[*performatives.Open](p)

	creds := <-got
	require.NotNil(t, creds)
	assert.Equal(t, sasl.MechPLAIN, creds.Mechanism)
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "example.com", creds.Hostname)
	assert.Empty(t, creds.Password)

	require.NoError(t, p.conn.Close())
	assert.NoError(t, wait(t, done))
}

func TestSASLPlainChallenge(t *testing.T) {
	got := make(chan *sasl.Credentials, 1)
	srv := New(Config{}, credsFactory(got), nil)
	p, done := serve(t, srv)

	p.sendHeader(frames.ProtocolSASL)
	p.expectHeader(frames.ProtocolSASL)
	p.expectSASL()
	p.sendSASL(&sasl.Init{Mechanism: sasl.MechPLAIN})

	ch, ok := p.expectSASL().(*sasl.Challenge)
	require.True(t, ok)
	assert.Empty(t, ch.Challenge)
	p.sendSASL(&sasl.Response{Response: []byte("\x00bob\x00pw")})
	p.expectOutcome(sasl.CodeOK)

	p.sendHeader(frames.ProtocolAMQP)
	p.expectHeader(frames.ProtocolAMQP)
	p.send(0, &performatives.Open{ContainerID: "client"})
	expectPerf[*performatives.Open](p)
	assert.Equal(t, "bob", (<-got).Username)

	require.NoError(t, p.conn.Close())
	assert.NoError(t, wait(t, done))
}

func TestSASLAnonymous(t *testing.T) {
	got := make(chan *sasl.Credentials, 1)
	srv := New(Config{}, credsFactory(got), nil)
	srv.SetAuthenticator(auth.AuthenticatorFunc(func(context.Context, string, string) (bool, error) {
		return false, nil
	}))
	p, done := serve(t, srv)

	p.sendHeader(frames.ProtocolSASL)
	p.expectHeader(frames.ProtocolSASL)
	p.expectSASL()
	p.sendSASL(&sasl.Init{Mechanism: sasl.MechANONYMOUS, InitialResponse: []byte("trace")})
	p.expectOutcome(sasl.CodeOK)

	p.sendHeader(frames.ProtocolAMQP)
	p.expectHeader(frames.ProtocolAMQP)
	p.send(0, &performatives.Open{ContainerID: "client"})
	expectPerf[*performatives.Open](p)

	creds := <-got
	assert.True(t, creds.Anonymous())
	assert.Equal(t, "trace", creds.Username)

	require.NoError(t, p.conn.Close())
	assert.NoError(t, wait(t, done))
}

func TestSASLFailures(t *testing.T) {
	errBackend := errors.New("backend down")
	cases := []struct {
		desc    string
		auth    auth.Authenticator
		init    *sasl.Init
		code    sasl.Code
		kind    SASLErrorKind
		wrapped error
	}{
		{
			desc:    "wrong password",
			auth:    auth.NewStatic(map[string]string{"alice": "secret"}),
			init:    &sasl.Init{Mechanism: sasl.MechPLAIN, InitialResponse: []byte("\x00alice\x00nope")},
			code:    sasl.CodeAuth,
			kind:    Authentication,
			wrapped: ErrAuthenticationFailed,
		},
		{
			desc:    "malformed plain response",
			init:    &sasl.Init{Mechanism: sasl.MechPLAIN, InitialResponse: []byte("alice")},
			code:    sasl.CodeAuth,
			kind:    Authentication,
			wrapped: sasl.ErrInvalidResponse,
		},
		{
			desc:    "unsupported mechanism",
			init:    &sasl.Init{Mechanism: "SCRAM-SHA-256"},
			code:    sasl.CodeAuth,
			kind:    Negotiation,
			wrapped: ErrUnsupportedMechanism,
		},
		{
			desc: "authenticator error",
			auth: auth.AuthenticatorFunc(func(context.Context, string, string) (bool, error) {
				return false, errBackend
			}),
			init:    &sasl.Init{Mechanism: sasl.MechPLAIN, InitialResponse: []byte("\x00alice\x00secret")},
			code:    sasl.CodeSysTemp,
			kind:    Authentication,
			wrapped: errBackend,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
			if tc.auth != nil {
				srv.SetAuthenticator(tc.auth)
			}
			p, done := serve(t, srv)

			p.sendHeader(frames.ProtocolSASL)
			p.expectHeader(frames.ProtocolSASL)
			p.expectSASL()
			p.sendSASL(tc.init)
			p.expectOutcome(tc.code)
			p.expectEOF()

			err := wait(t, done)
			var se *SASLError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.kind, se.Kind)
			assert.ErrorIs(t, err, tc.wrapped)
			assert.Equal(t, uint64(1), srv.Stats().GetHandshakeFailures())
		})
	}
}

func TestSASLRequiresInit(t *testing.T) {
	srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
	p, done := serve(t, srv)

	p.sendHeader(frames.ProtocolSASL)
	p.expectHeader(frames.ProtocolSASL)
	p.expectSASL()
	p.sendSASL(&sasl.Response{Response: []byte("x")})
	p.expectEOF()

	var se *SASLError
	require.ErrorAs(t, wait(t, done), &se)
	assert.Equal(t, Negotiation, se.Kind)
}

func TestSASLThenSASLAgain(t *testing.T) {
	srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
	p, done := serve(t, srv)

	p.sendHeader(frames.ProtocolSASL)
	p.expectHeader(frames.ProtocolSASL)
	p.expectSASL()
	p.sendSASL(&sasl.Init{Mechanism: sasl.MechANONYMOUS})
	p.expectOutcome(sasl.CodeOK)

	p.sendHeader(frames.ProtocolSASL)
	p.expectEOF()

	var pe *UnexpectedProtocolError
	require.ErrorAs(t, wait(t, done), &pe)
	assert.Equal(t, frames.ProtocolSASL, pe.Got)
}

func TestHandshakeFailureNames(t *testing.T) {
	cases := []struct {
		err  error
		name string
	}{
		{ErrDisconnected, "disconnected"},
		{&UnexpectedProtocolError{Expected: frames.ProtocolAMQP, Got: frames.ProtocolTLS}, "unexpected_protocol"},
		{&UnexpectedFrameError{Frame: &performatives.Close{}}, "unexpected_frame"},
		{&SASLError{Kind: Authentication, Err: ErrAuthenticationFailed}, "sasl_authentication"},
		{&SASLError{Kind: Negotiation, Err: ErrUnsupportedMechanism}, "sasl_negotiation"},
		{&CodecError{Err: frames.ErrInvalidFrame}, "codec"},
		{errors.New("boom"), "other"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.name, handshakeFailure(tc.err), tc.err.Error())
	}
}

func TestPhaseOnlyMovesForward(t *testing.T) {
	var ph phase
	assert.Equal(t, PhaseIdle, ph.get())
	require.NoError(t, ph.advance(PhaseNegotiating))
	require.NoError(t, ph.advance(PhaseSASL))
	require.NoError(t, ph.advance(PhaseSASL))
	require.NoError(t, ph.advance(PhaseDispatching))
	assert.Error(t, ph.advance(PhaseOpening))
	assert.Equal(t, PhaseDispatching, ph.get())
	assert.Equal(t, "dispatching", ph.get().String())
}
