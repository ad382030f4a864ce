// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"slices"

	"github.com/absmach/fluxamqp/amqp/types"
)

// Descriptors for Source and Target.
const (
	DescriptorSource uint64 = 0x28
	DescriptorTarget uint64 = 0x29
)

// Terminus expiry policies.
const (
	ExpiryLinkDetach      types.Symbol = "link-detach"
	ExpirySessionEnd      types.Symbol = "session-end"
	ExpiryConnectionClose types.Symbol = "connection-close"
	ExpiryNever           types.Symbol = "never"
)

// Source is the source terminus of a link.
type Source struct {
	Address          string
	Durable          uint32
	ExpiryPolicy     types.Symbol
	Timeout          uint32
	Dynamic          bool
	DistributionMode types.Symbol
	Capabilities     []types.Symbol
}

func (s *Source) Descriptor() uint64 { return DescriptorSource }

func (s *Source) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorSource, func(w *fieldWriter) {
		w.optStr(s.Address)
		w.uint(s.Durable)
		w.optSymbol(s.ExpiryPolicy)
		w.uint(s.Timeout)
		w.flag(s.Dynamic)
		w.null() // dynamic-node-properties
		w.optSymbol(s.DistributionMode)
		w.null() // filter
		w.null() // default-outcome
		w.null() // outcomes
		w.symbols(s.Capabilities)
	})
}

// DecodeSource decodes a Source from list fields. Malformed optional fields
// are ignored.
func DecodeSource(fields []any) *Source {
	r := &fieldReader{name: "source", fields: fields}
	return &Source{
		Address:          r.str(0),
		Durable:          r.uintOr(1, 0),
		ExpiryPolicy:     r.symbol(2),
		Timeout:          r.uintOr(3, 0),
		Dynamic:          r.bool(4),
		DistributionMode: r.symbol(6),
		Capabilities:     r.symbols(10),
	}
}

// Target is the target terminus of a link.
type Target struct {
	Address      string
	Durable      uint32
	ExpiryPolicy types.Symbol
	Timeout      uint32
	Dynamic      bool
	Capabilities []types.Symbol
}

func (t *Target) Descriptor() uint64 { return DescriptorTarget }

func (t *Target) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorTarget, func(w *fieldWriter) {
		w.optStr(t.Address)
		w.uint(t.Durable)
		w.optSymbol(t.ExpiryPolicy)
		w.uint(t.Timeout)
		w.flag(t.Dynamic)
		w.null() // dynamic-node-properties
		w.symbols(t.Capabilities)
	})
}

func DecodeTarget(fields []any) *Target {
	r := &fieldReader{name: "target", fields: fields}
	return &Target{
		Address:      r.str(0),
		Durable:      r.uintOr(1, 0),
		ExpiryPolicy: r.symbol(2),
		Timeout:      r.uintOr(3, 0),
		Dynamic:      r.bool(4),
		Capabilities: r.symbols(6),
	}
}

// HasCapability checks whether caps contains c.
func HasCapability(caps []types.Symbol, c types.Symbol) bool {
	return slices.Contains(caps, c)
}
