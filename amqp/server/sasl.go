// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxamqp/amqp/sasl"
	"github.com/absmach/fluxamqp/amqp/transport"
	"github.com/absmach/fluxamqp/auth"
)

// negotiator runs one SASL exchange. There is exactly one attempt per
// connection.
type negotiator struct {
	mechs  []sasl.Mechanism
	auth   auth.Authenticator
	phase  *phase
	logger *slog.Logger
}

func (n *negotiator) run(ctx context.Context, t *transport.SASLFramed) (*sasl.Credentials, error) {
	if err := n.phase.advance(PhaseSASL); err != nil {
		return nil, err
	}
	if err := n.write(t, &sasl.Mechanisms{Mechanisms: sasl.Names(n.mechs)}); err != nil {
		return nil, err
	}

	f, err := n.read(t)
	if err != nil {
		return nil, err
	}
	init, ok := f.(*sasl.Init)
	if !ok {
		return nil, &SASLError{Kind: Negotiation, Err: fmt.Errorf("expected sasl-init, got descriptor 0x%02x", f.Descriptor())}
	}

	mech, ok := sasl.Lookup(n.mechs, init.Mechanism)
	if !ok {
		n.outcome(t, sasl.CodeAuth)
		return nil, &SASLError{Kind: Negotiation, Err: fmt.Errorf("%w: %s", ErrUnsupportedMechanism, init.Mechanism)}
	}

	creds, err := n.exchange(t, mech.Start(init.Hostname), init.InitialResponse)
	if err != nil {
		return nil, err
	}

	if err := n.verify(ctx, t, creds); err != nil {
		return nil, err
	}
	creds.Password = ""

	if err := n.write(t, &sasl.Outcome{Code: sasl.CodeOK}); err != nil {
		return nil, err
	}
	return creds, nil
}

// exchange runs challenge rounds until the mechanism yields credentials.
func (n *negotiator) exchange(t *transport.SASLFramed, ex sasl.Exchange, response []byte) (*sasl.Credentials, error) {
	for {
		challenge, creds, err := ex.Next(response)
		if err != nil {
			n.outcome(t, sasl.CodeAuth)
			return nil, &SASLError{Kind: Authentication, Err: fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)}
		}
		if creds != nil {
			return creds, nil
		}

		if err := n.write(t, &sasl.Challenge{Challenge: challenge}); err != nil {
			return nil, err
		}
		f, err := n.read(t)
		if err != nil {
			return nil, err
		}
		r, ok := f.(*sasl.Response)
		if !ok {
			return nil, &SASLError{Kind: Negotiation, Err: fmt.Errorf("expected sasl-response, got descriptor 0x%02x", f.Descriptor())}
		}
		response = r.Response
		if err := n.phase.advance(PhaseSASL); err != nil {
			return nil, err
		}
	}
}

func (n *negotiator) verify(ctx context.Context, t *transport.SASLFramed, creds *sasl.Credentials) error {
	if creds.Anonymous() || n.auth == nil {
		return nil
	}
	ok, err := n.auth.Authenticate(ctx, creds.Username, creds.Password)
	if err != nil {
		n.logger.Warn("authenticator failed", slog.String("username", creds.Username), slog.String("error", err.Error()))
		n.outcome(t, sasl.CodeSysTemp)
		return &SASLError{Kind: Authentication, Err: err}
	}
	if !ok {
		n.outcome(t, sasl.CodeAuth)
		return &SASLError{Kind: Authentication, Err: fmt.Errorf("%w for user %q", ErrAuthenticationFailed, creds.Username)}
	}
	return nil
}

// outcome reports a failed exchange. The caller returns its own error, so a
// write failure here is only logged.
func (n *negotiator) outcome(t *transport.SASLFramed, code sasl.Code) {
	if err := t.WriteFrame(&sasl.Outcome{Code: code}); err != nil {
		n.logger.Debug("failed to send sasl outcome", slog.String("code", code.String()), slog.String("error", err.Error()))
	}
}

func (n *negotiator) read(t *transport.SASLFramed) (sasl.Frame, error) {
	f, err := t.ReadFrame()
	switch {
	case err == nil:
		return f, nil
	case isClosed(err):
		return nil, ErrDisconnected
	case errors.Is(err, sasl.ErrDecode), errors.Is(err, sasl.ErrUnknownDescriptor), errors.Is(err, transport.ErrUnexpectedFrameType):
		return nil, &SASLError{Kind: Negotiation, Err: err}
	default:
		return nil, &CodecError{Err: err}
	}
}

func (n *negotiator) write(t *transport.SASLFramed, f sasl.Frame) error {
	if err := t.WriteFrame(f); err != nil {
		if isClosed(err) {
			return ErrDisconnected
		}
		return &CodecError{Err: err}
	}
	return nil
}
