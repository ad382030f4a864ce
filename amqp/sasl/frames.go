// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sasl

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/fluxamqp/amqp/types"
	"github.com/absmach/fluxamqp/internal/bufpool"
)

// SASL frame descriptors.
const (
	DescriptorMechanisms uint64 = 0x40
	DescriptorInit       uint64 = 0x41
	DescriptorChallenge  uint64 = 0x42
	DescriptorResponse   uint64 = 0x43
	DescriptorOutcome    uint64 = 0x44
)

// Code is a sasl-outcome code.
type Code uint8

const (
	CodeOK      Code = 0
	CodeAuth    Code = 1 // authentication failed
	CodeSys     Code = 2 // permanent system error
	CodeSysPerm Code = 3
	CodeSysTemp Code = 4 // temporary system error
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeAuth:
		return "auth"
	case CodeSys:
		return "sys"
	case CodeSysPerm:
		return "sys-perm"
	case CodeSysTemp:
		return "sys-temp"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

var (
	ErrDecode            = errors.New("sasl decode error")
	ErrUnknownDescriptor = errors.New("unknown sasl frame")
)

// Frame is the body of a SASL (type 1) frame.
type Frame interface {
	Descriptor() uint64
	Encode() ([]byte, error)
}

// Mechanisms (0x40) - server announces available mechanisms.
type Mechanisms struct {
	Mechanisms []types.Symbol
}

// Init (0x41) - client selects a mechanism and may send an initial response.
type Init struct {
	Mechanism       types.Symbol
	InitialResponse []byte
	Hostname        string
}

// Challenge (0x42) - server challenge.
type Challenge struct {
	Challenge []byte
}

// Response (0x43) - client response to a challenge.
type Response struct {
	Response []byte
}

// Outcome (0x44) - server sends the authentication result.
type Outcome struct {
	Code           Code
	AdditionalData []byte
}

func (m *Mechanisms) Descriptor() uint64 { return DescriptorMechanisms }
func (i *Init) Descriptor() uint64       { return DescriptorInit }
func (c *Challenge) Descriptor() uint64  { return DescriptorChallenge }
func (r *Response) Descriptor() uint64   { return DescriptorResponse }
func (o *Outcome) Descriptor() uint64    { return DescriptorOutcome }

func (m *Mechanisms) Encode() ([]byte, error) {
	return encode(DescriptorMechanisms, 1, func(w *bytes.Buffer) error {
		if len(m.Mechanisms) == 0 {
			// sasl-server-mechanisms is mandatory; an empty offer is still an array.
			return types.WriteArray(w, types.TypeSymbolShort, nil, 0)
		}
		return types.WriteSymbolArray(w, m.Mechanisms)
	})
}

func (i *Init) Encode() ([]byte, error) {
	return encode(DescriptorInit, 3, func(w *bytes.Buffer) error {
		if err := types.WriteSymbol(w, i.Mechanism); err != nil {
			return err
		}
		if err := writeOptBinary(w, i.InitialResponse); err != nil {
			return err
		}
		if i.Hostname == "" {
			return types.WriteNull(w)
		}
		return types.WriteString(w, i.Hostname)
	})
}

func (c *Challenge) Encode() ([]byte, error) {
	return encode(DescriptorChallenge, 1, func(w *bytes.Buffer) error {
		return types.WriteBinary(w, nonNil(c.Challenge))
	})
}

func (r *Response) Encode() ([]byte, error) {
	return encode(DescriptorResponse, 1, func(w *bytes.Buffer) error {
		return types.WriteBinary(w, nonNil(r.Response))
	})
}

func (o *Outcome) Encode() ([]byte, error) {
	return encode(DescriptorOutcome, 2, func(w *bytes.Buffer) error {
		if err := types.WriteUbyte(w, uint8(o.Code)); err != nil {
			return err
		}
		return writeOptBinary(w, o.AdditionalData)
	})
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func writeOptBinary(w *bytes.Buffer, b []byte) error {
	if b == nil {
		return types.WriteNull(w)
	}
	return types.WriteBinary(w, b)
}

func encode(descriptor uint64, count int, fill func(w *bytes.Buffer) error) ([]byte, error) {
	fields := bufpool.Get()
	defer bufpool.Put(fields)
	if err := fill(fields); err != nil {
		return nil, err
	}

	out := bufpool.Get()
	if err := types.WriteDescriptor(out, descriptor); err != nil {
		bufpool.Put(out)
		return nil, err
	}
	if err := types.WriteList(out, fields.Bytes(), count); err != nil {
		bufpool.Put(out)
		return nil, err
	}
	return bufpool.Detach(out), nil
}

// Decode decodes a SASL frame body.
func Decode(body []byte) (Frame, error) {
	descriptor, fields, err := types.ReadListFields(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	field := func(i int) any {
		if i < len(fields) {
			return fields[i]
		}
		return nil
	}

	switch descriptor {
	case DescriptorMechanisms:
		m := &Mechanisms{}
		switch v := field(0).(type) {
		case types.Symbol:
			m.Mechanisms = []types.Symbol{v}
		case []any:
			for _, item := range v {
				if sym, ok := item.(types.Symbol); ok {
					m.Mechanisms = append(m.Mechanisms, sym)
				}
			}
		default:
			return nil, fmt.Errorf("%w: sasl-mechanisms field 0: got %T", ErrDecode, v)
		}
		return m, nil

	case DescriptorInit:
		mech, ok := field(0).(types.Symbol)
		if !ok {
			return nil, fmt.Errorf("%w: sasl-init mechanism: got %T", ErrDecode, field(0))
		}
		i := &Init{Mechanism: mech}
		i.InitialResponse, _ = field(1).([]byte)
		i.Hostname, _ = field(2).(string)
		return i, nil

	case DescriptorChallenge:
		b, ok := field(0).([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: sasl-challenge: got %T", ErrDecode, field(0))
		}
		return &Challenge{Challenge: b}, nil

	case DescriptorResponse:
		b, ok := field(0).([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: sasl-response: got %T", ErrDecode, field(0))
		}
		return &Response{Response: b}, nil

	case DescriptorOutcome:
		code, ok := field(0).(uint8)
		if !ok {
			return nil, fmt.Errorf("%w: sasl-outcome code: got %T", ErrDecode, field(0))
		}
		o := &Outcome{Code: Code(code)}
		o.AdditionalData, _ = field(1).([]byte)
		return o, nil

	default:
		return nil, fmt.Errorf("%w: descriptor 0x%02x", ErrUnknownDescriptor, descriptor)
	}
}
