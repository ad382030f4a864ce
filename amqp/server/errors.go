// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
)

var (
	// ErrDisconnected is returned when the peer closes the transport before
	// the current negotiation step completed.
	ErrDisconnected = errors.New("peer disconnected during handshake")

	ErrUnsupportedMechanism = errors.New("unsupported sasl mechanism")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// UnexpectedProtocolError is returned when the peer asks for a protocol id
// the handshake does not accept at that point.
type UnexpectedProtocolError struct {
	Expected frames.ProtocolID
	Got      frames.ProtocolID
}

func (e *UnexpectedProtocolError) Error() string {
	return fmt.Sprintf("unexpected protocol %s, expected %s", e.Got, e.Expected)
}

// UnexpectedFrameError is returned when the first AMQP frame is not Open.
type UnexpectedFrameError struct {
	Frame performatives.Performative
}

func (e *UnexpectedFrameError) Error() string {
	return "expected open, got " + performatives.Name(e.Frame)
}

// CodecError wraps a malformed frame or a transport failure.
type CodecError struct {
	Err error
}

func (e *CodecError) Error() string { return "codec: " + e.Err.Error() }
func (e *CodecError) Unwrap() error { return e.Err }

// SASLErrorKind classifies a SASL failure.
type SASLErrorKind uint8

const (
	// Negotiation covers protocol-level SASL failures such as an unknown mechanism.
	Negotiation SASLErrorKind = iota
	// Authentication covers rejected credentials and authenticator failures.
	Authentication
)

func (k SASLErrorKind) String() string {
	if k == Authentication {
		return "authentication"
	}
	return "negotiation"
}

// SASLError is returned when the SASL exchange fails.
type SASLError struct {
	Kind SASLErrorKind
	Err  error
}

func (e *SASLError) Error() string { return "sasl " + e.Kind.String() + ": " + e.Err.Error() }
func (e *SASLError) Unwrap() error { return e.Err }

// ServiceError wraps a failure of the application factory or link service.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string { return "link service: " + e.Err.Error() }
func (e *ServiceError) Unwrap() error { return e.Err }

// isClosed reports whether err means the transport is gone, either closed
// by the peer or by us.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// amqpError converts a link service error for an Attach or Detach reply.
// A *performatives.Error keeps its condition.
func amqpError(err error) *performatives.Error {
	var e *performatives.Error
	if errors.As(err, &e) {
		return e
	}
	return performatives.NewError(performatives.ErrInternalError, err.Error())
}
