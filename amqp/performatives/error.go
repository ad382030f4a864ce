// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"github.com/absmach/fluxamqp/amqp/types"
)

// AMQP error descriptor
const DescriptorError uint64 = 0x1D

// Standard error condition symbols.
const (
	ErrInternalError         types.Symbol = "amqp:internal-error"
	ErrNotFound              types.Symbol = "amqp:not-found"
	ErrUnauthorizedAccess    types.Symbol = "amqp:unauthorized-access"
	ErrDecodeError           types.Symbol = "amqp:decode-error"
	ErrResourceLimitExceeded types.Symbol = "amqp:resource-limit-exceeded"
	ErrNotAllowed            types.Symbol = "amqp:not-allowed"
	ErrInvalidField          types.Symbol = "amqp:invalid-field"
	ErrNotImplemented        types.Symbol = "amqp:not-implemented"
	ErrPreconditionFailed    types.Symbol = "amqp:precondition-failed"
	ErrIllegalState          types.Symbol = "amqp:illegal-state"
	ErrFrameSizeTooSmall     types.Symbol = "amqp:frame-size-too-small"

	// Connection errors
	ErrConnectionForced types.Symbol = "amqp:connection:forced"
	ErrFramingError     types.Symbol = "amqp:connection:framing-error"

	// Session errors
	ErrWindowViolation  types.Symbol = "amqp:session:window-violation"
	ErrErrantLink       types.Symbol = "amqp:session:errant-link"
	ErrHandleInUse      types.Symbol = "amqp:session:handle-in-use"
	ErrUnattachedHandle types.Symbol = "amqp:session:unattached-handle"

	// Link errors
	ErrDetachForced          types.Symbol = "amqp:link:detach-forced"
	ErrTransferLimitExceeded types.Symbol = "amqp:link:transfer-limit-exceeded"
	ErrMessageSizeExceeded   types.Symbol = "amqp:link:message-size-exceeded"
)

// Error is an AMQP error (descriptor 0x1D). It implements error so link
// services can reject an attach or a delivery with a specific condition.
type Error struct {
	Condition   types.Symbol
	Description string
	Info        map[types.Symbol]any
}

// NewError returns an Error with the given condition and description.
func NewError(condition types.Symbol, description string) *Error {
	return &Error{Condition: condition, Description: description}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return string(e.Condition) + ": " + e.Description
}

func (e *Error) Descriptor() uint64 { return DescriptorError }

// Encode serializes the error as a described list.
func (e *Error) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorError, func(w *fieldWriter) {
		w.symbol(e.Condition)
		w.optStr(e.Description)
		w.symbolMap(e.Info)
	})
}

// DecodeError decodes an AMQP error from list fields.
func DecodeError(fields []any) (*Error, error) {
	r := &fieldReader{name: "error", fields: fields}
	e := &Error{
		Condition:   r.symbol(0),
		Description: r.str(1),
		Info:        r.symbolMap(2),
	}
	if e.Condition == "" {
		r.fail(0, "symbol", nil)
	}
	return e, r.err
}
