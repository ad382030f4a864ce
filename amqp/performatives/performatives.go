// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package performatives encodes and decodes the AMQP 1.0 transport
// performatives and the described types they carry.
package performatives

import (
	"bytes"
	"fmt"
	"math"

	"github.com/absmach/fluxamqp/amqp/types"
)

// Performative descriptors.
const (
	DescriptorOpen        uint64 = 0x10
	DescriptorBegin       uint64 = 0x11
	DescriptorAttach      uint64 = 0x12
	DescriptorFlow        uint64 = 0x13
	DescriptorTransfer    uint64 = 0x14
	DescriptorDisposition uint64 = 0x15
	DescriptorDetach      uint64 = 0x16
	DescriptorEnd         uint64 = 0x17
	DescriptorClose       uint64 = 0x18
)

// Role constants.
const (
	RoleSender   = false
	RoleReceiver = true
)

// Settlement modes.
const (
	SndSettleUnsettled uint8 = 0
	SndSettleSettled   uint8 = 1
	SndSettleMixed     uint8 = 2

	RcvSettleFirst  uint8 = 0
	RcvSettleSecond uint8 = 1
)

// DefaultMaxFrameSize is announced when an Open carries no max-frame-size.
const DefaultMaxFrameSize = 65536

// Performative is a frame body on an AMQP (type 0) frame.
type Performative interface {
	Descriptor() uint64
	Encode() ([]byte, error)
}

// Open performative (0x10).
type Open struct {
	ContainerID         string
	Hostname            string
	MaxFrameSize        uint32
	ChannelMax          uint16
	IdleTimeOut         uint32 // milliseconds, 0 = no timeout
	OfferedCapabilities []types.Symbol
	DesiredCapabilities []types.Symbol
	Properties          map[types.Symbol]any
}

func (o *Open) Descriptor() uint64 { return DescriptorOpen }

func (o *Open) Encode() ([]byte, error) {
	maxFrame := o.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return encodeDescribed(DescriptorOpen, func(w *fieldWriter) {
		w.str(o.ContainerID)
		w.optStr(o.Hostname)
		w.uint(maxFrame)
		w.ushort(o.ChannelMax)
		if o.IdleTimeOut > 0 {
			w.uint(o.IdleTimeOut)
		} else {
			w.null()
		}
		w.null() // outgoing-locales
		w.null() // incoming-locales
		w.symbols(o.OfferedCapabilities)
		w.symbols(o.DesiredCapabilities)
		w.symbolMap(o.Properties)
	})
}

// DecodeOpen decodes Open fields, applying protocol defaults for absent ones.
func DecodeOpen(fields []any) (*Open, error) {
	r := &fieldReader{name: "open", fields: fields}
	o := &Open{
		ContainerID:         r.mustStr(0),
		Hostname:            r.str(1),
		MaxFrameSize:        r.uintOr(2, math.MaxUint32),
		ChannelMax:          uint16(r.uintOr(3, math.MaxUint16)),
		IdleTimeOut:         r.uintOr(4, 0),
		OfferedCapabilities: r.symbols(7),
		DesiredCapabilities: r.symbols(8),
		Properties:          r.symbolMap(9),
	}
	return o, r.err
}

// Begin performative (0x11).
type Begin struct {
	RemoteChannel  *uint16
	NextOutgoingID uint32
	IncomingWindow uint32
	OutgoingWindow uint32
	HandleMax      uint32
}

func (b *Begin) Descriptor() uint64 { return DescriptorBegin }

func (b *Begin) Encode() ([]byte, error) {
	handleMax := b.HandleMax
	if handleMax == 0 {
		handleMax = math.MaxUint32
	}
	return encodeDescribed(DescriptorBegin, func(w *fieldWriter) {
		if b.RemoteChannel != nil {
			w.ushort(*b.RemoteChannel)
		} else {
			w.null()
		}
		w.uint(b.NextOutgoingID)
		w.uint(b.IncomingWindow)
		w.uint(b.OutgoingWindow)
		w.uint(handleMax)
	})
}

func DecodeBegin(fields []any) (*Begin, error) {
	r := &fieldReader{name: "begin", fields: fields}
	b := &Begin{
		NextOutgoingID: r.mustUint(1),
		IncomingWindow: r.mustUint(2),
		OutgoingWindow: r.mustUint(3),
		HandleMax:      r.uintOr(4, math.MaxUint32),
	}
	if r.get(0) != nil {
		ch := uint16(r.uintOr(0, 0))
		b.RemoteChannel = &ch
	}
	return b, r.err
}

// Attach performative (0x12).
type Attach struct {
	Name                 string
	Handle               uint32
	Role                 bool // false=sender, true=receiver
	SndSettleMode        *uint8
	RcvSettleMode        *uint8
	Source               *Source
	Target               *Target
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	Properties           map[types.Symbol]any
}

func (a *Attach) Descriptor() uint64 { return DescriptorAttach }

func (a *Attach) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorAttach, func(w *fieldWriter) {
		w.str(a.Name)
		w.uint(a.Handle)
		w.bool(a.Role)
		w.optUbyte(a.SndSettleMode)
		w.optUbyte(a.RcvSettleMode)
		w.described(a.Source, a.Source != nil)
		w.described(a.Target, a.Target != nil)
		w.null() // unsettled
		w.null() // incomplete-unsettled
		// initial-delivery-count is mandatory for the sender role only.
		if a.Role == RoleSender {
			w.uint(a.InitialDeliveryCount)
		} else {
			w.null()
		}
		if a.MaxMessageSize > 0 {
			w.ulong(a.MaxMessageSize)
		} else {
			w.null()
		}
		w.null() // offered-capabilities
		w.null() // desired-capabilities
		w.symbolMap(a.Properties)
	})
}

func DecodeAttach(fields []any) (*Attach, error) {
	r := &fieldReader{name: "attach", fields: fields}
	a := &Attach{
		Name:                 r.mustStr(0),
		Handle:               r.mustUint(1),
		Role:                 r.mustBool(2),
		SndSettleMode:        r.optUbyte(3),
		RcvSettleMode:        r.optUbyte(4),
		InitialDeliveryCount: r.uintOr(9, 0),
		MaxMessageSize:       r.ulongOr(10, 0),
		Properties:           r.symbolMap(13),
	}
	if src := r.described(5, DescriptorSource); src != nil {
		a.Source = DecodeSource(src)
	}
	if tgt := r.described(6, DescriptorTarget); tgt != nil {
		a.Target = DecodeTarget(tgt)
	}
	return a, r.err
}

// Flow performative (0x13).
type Flow struct {
	NextIncomingID *uint32
	IncomingWindow uint32
	NextOutgoingID uint32
	OutgoingWindow uint32
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
}

func (f *Flow) Descriptor() uint64 { return DescriptorFlow }

func (f *Flow) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorFlow, func(w *fieldWriter) {
		w.optUint(f.NextIncomingID)
		w.uint(f.IncomingWindow)
		w.uint(f.NextOutgoingID)
		w.uint(f.OutgoingWindow)
		w.optUint(f.Handle)
		w.optUint(f.DeliveryCount)
		w.optUint(f.LinkCredit)
		w.optUint(f.Available)
		w.flag(f.Drain)
		w.flag(f.Echo)
	})
}

func DecodeFlow(fields []any) (*Flow, error) {
	r := &fieldReader{name: "flow", fields: fields}
	f := &Flow{
		NextIncomingID: r.optUint(0),
		IncomingWindow: r.mustUint(1),
		NextOutgoingID: r.mustUint(2),
		OutgoingWindow: r.mustUint(3),
		Handle:         r.optUint(4),
		DeliveryCount:  r.optUint(5),
		LinkCredit:     r.optUint(6),
		Available:      r.optUint(7),
		Drain:          r.bool(8),
		Echo:           r.bool(9),
	}
	return f, r.err
}

// Transfer performative (0x14). Payload follows the performative in the frame body.
type Transfer struct {
	Handle        uint32
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32
	Settled       bool
	More          bool
	RcvSettleMode *uint8
	State         DeliveryState
	Aborted       bool
	Payload       []byte
}

func (t *Transfer) Descriptor() uint64 { return DescriptorTransfer }

// Encode encodes the performative without the payload.
func (t *Transfer) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorTransfer, func(w *fieldWriter) {
		w.uint(t.Handle)
		w.optUint(t.DeliveryID)
		w.binary(t.DeliveryTag)
		w.optUint(t.MessageFormat)
		w.flag(t.Settled)
		w.flag(t.More)
		w.optUbyte(t.RcvSettleMode)
		w.described(t.State, t.State != nil)
		w.null() // resume
		w.flag(t.Aborted)
	})
}

func DecodeTransfer(fields []any) (*Transfer, error) {
	r := &fieldReader{name: "transfer", fields: fields}
	t := &Transfer{
		Handle:        r.mustUint(0),
		DeliveryID:    r.optUint(1),
		DeliveryTag:   r.binary(2),
		MessageFormat: r.optUint(3),
		Settled:       r.bool(4),
		More:          r.bool(5),
		RcvSettleMode: r.optUbyte(6),
		State:         r.stateField(7),
		Aborted:       r.bool(9),
	}
	return t, r.err
}

// Disposition performative (0x15).
type Disposition struct {
	Role      bool
	First     uint32
	Last      *uint32
	Settled   bool
	State     DeliveryState
	Batchable bool
}

func (d *Disposition) Descriptor() uint64 { return DescriptorDisposition }

func (d *Disposition) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorDisposition, func(w *fieldWriter) {
		w.bool(d.Role)
		w.uint(d.First)
		w.optUint(d.Last)
		w.flag(d.Settled)
		w.described(d.State, d.State != nil)
		w.flag(d.Batchable)
	})
}

func DecodeDisposition(fields []any) (*Disposition, error) {
	r := &fieldReader{name: "disposition", fields: fields}
	d := &Disposition{
		Role:      r.mustBool(0),
		First:     r.mustUint(1),
		Last:      r.optUint(2),
		Settled:   r.bool(3),
		State:     r.stateField(4),
		Batchable: r.bool(5),
	}
	return d, r.err
}

// Detach performative (0x16).
type Detach struct {
	Handle uint32
	Closed bool
	Error  *Error
}

func (d *Detach) Descriptor() uint64 { return DescriptorDetach }

func (d *Detach) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorDetach, func(w *fieldWriter) {
		w.uint(d.Handle)
		w.flag(d.Closed)
		w.described(d.Error, d.Error != nil)
	})
}

func DecodeDetach(fields []any) (*Detach, error) {
	r := &fieldReader{name: "detach", fields: fields}
	d := &Detach{
		Handle: r.mustUint(0),
		Closed: r.bool(1),
		Error:  r.errorField(2),
	}
	return d, r.err
}

// End performative (0x17).
type End struct {
	Error *Error
}

func (e *End) Descriptor() uint64 { return DescriptorEnd }

func (e *End) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorEnd, func(w *fieldWriter) {
		w.described(e.Error, e.Error != nil)
	})
}

func DecodeEnd(fields []any) (*End, error) {
	r := &fieldReader{name: "end", fields: fields}
	e := &End{Error: r.errorField(0)}
	return e, r.err
}

// Close performative (0x18).
type Close struct {
	Error *Error
}

func (c *Close) Descriptor() uint64 { return DescriptorClose }

func (c *Close) Encode() ([]byte, error) {
	return encodeDescribed(DescriptorClose, func(w *fieldWriter) {
		w.described(c.Error, c.Error != nil)
	})
}

func DecodeClose(fields []any) (*Close, error) {
	r := &fieldReader{name: "close", fields: fields}
	c := &Close{Error: r.errorField(0)}
	return c, r.err
}

// Decode decodes an AMQP frame body. For a Transfer the bytes following the
// performative are returned as its Payload.
func Decode(body []byte) (Performative, error) {
	rd := bytes.NewReader(body)
	descriptor, fields, err := types.ReadListFields(rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	switch descriptor {
	case DescriptorOpen:
		return DecodeOpen(fields)
	case DescriptorBegin:
		return DecodeBegin(fields)
	case DescriptorAttach:
		return DecodeAttach(fields)
	case DescriptorFlow:
		return DecodeFlow(fields)
	case DescriptorTransfer:
		t, err := DecodeTransfer(fields)
		if err != nil {
			return nil, err
		}
		if rest := rd.Len(); rest > 0 {
			t.Payload = body[len(body)-rest:]
		}
		return t, nil
	case DescriptorDisposition:
		return DecodeDisposition(fields)
	case DescriptorDetach:
		return DecodeDetach(fields)
	case DescriptorEnd:
		return DecodeEnd(fields)
	case DescriptorClose:
		return DecodeClose(fields)
	default:
		return nil, fmt.Errorf("%w: descriptor 0x%02x", ErrUnknownPerformative, descriptor)
	}
}

// Name returns the performative name for logs.
func Name(p Performative) string {
	switch p.(type) {
	case *Open:
		return "open"
	case *Begin:
		return "begin"
	case *Attach:
		return "attach"
	case *Flow:
		return "flow"
	case *Transfer:
		return "transfer"
	case *Disposition:
		return "disposition"
	case *Detach:
		return "detach"
	case *End:
		return "end"
	case *Close:
		return "close"
	default:
		return fmt.Sprintf("%T", p)
	}
}
