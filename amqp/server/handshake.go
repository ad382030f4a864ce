// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
	"github.com/absmach/fluxamqp/amqp/transport"
	"github.com/absmach/fluxamqp/auth"
)

// handshake negotiates one transport up to a live connection. Every stage
// reads first and writes at most once.
type handshake struct {
	cfg    Config
	auth   auth.Authenticator
	phase  *phase
	logger *slog.Logger

	protocol  frames.ProtocolID
	mechanism string
}

// run returns the negotiated connection and, when the peer used SASL, its
// credentials. On error nothing of the connection is returned and the
// caller closes the transport.
func (h *handshake) run(ctx context.Context, t *transport.ProtocolIDFramed) (*amqp.Connection, *sasl.Credentials, error) {
	if err := h.phase.advance(PhaseNegotiating); err != nil {
		return nil, nil, err
	}

	id, err := readProtocolID(t)
	if err != nil {
		return nil, nil, err
	}
	h.protocol = id

	var creds *sasl.Credentials
	switch id {
	case frames.ProtocolTLS:
		return nil, nil, &UnexpectedProtocolError{Expected: frames.ProtocolAMQP, Got: id}

	case frames.ProtocolSASL:
		if err := writeProtocolID(t, id); err != nil {
			return nil, nil, err
		}
		st := t.IntoSASL()
		n := &negotiator{mechs: h.cfg.Mechanisms, auth: h.auth, phase: h.phase, logger: h.logger}
		if creds, err = n.run(ctx, st); err != nil {
			return nil, nil, err
		}
		h.mechanism = string(creds.Mechanism)

		// A new protocol header follows the sasl-outcome.
		t = st.IntoProtocolID()
		id, err = readProtocolID(t)
		if err != nil {
			return nil, nil, err
		}
		if id != frames.ProtocolAMQP {
			return nil, nil, &UnexpectedProtocolError{Expected: frames.ProtocolAMQP, Got: id}
		}
		if err := writeProtocolID(t, id); err != nil {
			return nil, nil, err
		}

	case frames.ProtocolAMQP:
		if h.cfg.RequireSASL {
			return nil, nil, &UnexpectedProtocolError{Expected: frames.ProtocolSASL, Got: id}
		}
		if err := writeProtocolID(t, id); err != nil {
			return nil, nil, err
		}
	}

	conn, err := h.open(t)
	if err != nil {
		return nil, nil, err
	}
	return conn, creds, nil
}

func (h *handshake) open(t *transport.ProtocolIDFramed) (*amqp.Connection, error) {
	if err := h.phase.advance(PhaseOpening); err != nil {
		return nil, err
	}
	local := h.cfg.AMQP
	at := t.IntoAMQP(local.MaxFrameSize)

	_, perf, err := at.ReadFrame()
	if err != nil {
		if isClosed(err) {
			return nil, ErrDisconnected
		}
		return nil, &CodecError{Err: err}
	}
	remote, ok := perf.(*performatives.Open)
	if !ok {
		return nil, &UnexpectedFrameError{Frame: perf}
	}
	if err := at.WritePerformative(0, local.Open()); err != nil {
		return nil, &CodecError{Err: err}
	}
	if err := h.phase.advance(PhaseOpen); err != nil {
		return nil, err
	}
	return amqp.NewConnection(at, local, remote, h.logger), nil
}

func readProtocolID(t *transport.ProtocolIDFramed) (frames.ProtocolID, error) {
	id, ok, err := t.ReadProtocolID()
	switch {
	case err != nil && isClosed(err):
		return 0, ErrDisconnected
	case err != nil:
		return 0, &CodecError{Err: err}
	case !ok:
		return 0, ErrDisconnected
	}
	return id, nil
}

func writeProtocolID(t *transport.ProtocolIDFramed, id frames.ProtocolID) error {
	if err := t.WriteProtocolID(id); err != nil {
		if isClosed(err) {
			return ErrDisconnected
		}
		return &CodecError{Err: err}
	}
	return nil
}

// handshakeFailure names a handshake error for logs and metrics.
func handshakeFailure(err error) string {
	var (
		proto *UnexpectedProtocolError
		frame *UnexpectedFrameError
		codec *CodecError
		se    *SASLError
	)
	switch {
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.As(err, &proto):
		return "unexpected_protocol"
	case errors.As(err, &frame):
		return "unexpected_frame"
	case errors.As(err, &se):
		return "sasl_" + se.Kind.String()
	case errors.As(err, &codec):
		return "codec"
	default:
		return "other"
	}
}
