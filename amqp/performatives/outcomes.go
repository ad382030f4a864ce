// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"github.com/absmach/fluxamqp/amqp/types"
)

// Outcome descriptors.
const (
	DescriptorReceived uint64 = 0x23
	DescriptorAccepted uint64 = 0x24
	DescriptorRejected uint64 = 0x25
	DescriptorReleased uint64 = 0x26
	DescriptorModified uint64 = 0x27
)

// DeliveryState is the state carried by Transfer and Disposition.
type DeliveryState interface {
	Descriptor() uint64
	Encode() ([]byte, error)
}

// Accepted outcome.
type Accepted struct{}

func (a *Accepted) Descriptor() uint64 { return DescriptorAccepted }

func (a *Accepted) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorAccepted, func(*fieldWriter) {})
}

// Rejected outcome with optional error.
type Rejected struct {
	Error *Error
}

func (r *Rejected) Descriptor() uint64 { return DescriptorRejected }

func (r *Rejected) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorRejected, func(w *fieldWriter) {
		w.described(r.Error, r.Error != nil)
	})
}

// Released outcome.
type Released struct{}

func (r *Released) Descriptor() uint64 { return DescriptorReleased }

func (r *Released) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorReleased, func(*fieldWriter) {})
}

// Modified outcome.
type Modified struct {
	DeliveryFailed    bool
	UndeliverableHere bool
}

func (m *Modified) Descriptor() uint64 { return DescriptorModified }

func (m *Modified) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorModified, func(w *fieldWriter) {
		w.flag(m.DeliveryFailed)
		w.flag(m.UndeliverableHere)
	})
}

// DecodeOutcome decodes a delivery state. Unknown states, including the
// non-terminal received state, decode to nil.
func DecodeOutcome(desc *types.Described) (DeliveryState, error) {
	r := &fieldReader{name: "outcome", fields: desc.Fields()}
	switch desc.Descriptor {
	case DescriptorAccepted:
		return &Accepted{}, nil
	case DescriptorRejected:
		return &Rejected{Error: r.errorField(0)}, r.err
	case DescriptorReleased:
		return &Released{}, nil
	case DescriptorModified:
		return &Modified{DeliveryFailed: r.bool(0), UndeliverableHere: r.bool(1)}, r.err
	default:
		return nil, nil
	}
}
