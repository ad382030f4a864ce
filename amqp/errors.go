// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"errors"
	"fmt"

	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/types"
)

var (
	// ErrSessionGone is returned when a link outlives the session it was attached on.
	ErrSessionGone = errors.New("amqp: session has ended")

	// ErrLinkDetached is returned when using a link after it was detached.
	ErrLinkDetached = errors.New("amqp: link is detached")

	// ErrNoCredit is returned when sending on a link the peer gave no credit to.
	ErrNoCredit = errors.New("amqp: no link credit")

	// ErrWindowExhausted is returned when the session outgoing window is closed.
	ErrWindowExhausted = errors.New("amqp: session outgoing window exhausted")
)

// ProtocolViolation is a connection-fatal semantic error detected while
// dispatching frames. It is reported to the peer in a Close.
type ProtocolViolation struct {
	Condition   types.Symbol
	Description string
}

// Violation returns a ProtocolViolation with a formatted description.
func Violation(condition types.Symbol, format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{Condition: condition, Description: fmt.Sprintf(format, args...)}
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("amqp protocol violation %s: %s", v.Condition, v.Description)
}

// AMQPError converts the violation for a Close or End frame.
func (v *ProtocolViolation) AMQPError() *performatives.Error {
	return performatives.NewError(v.Condition, v.Description)
}
