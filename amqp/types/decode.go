// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrUnknownType is returned for an unrecognised constructor code.
var ErrUnknownType = errors.New("unknown amqp type code")

// maxDepth bounds nesting of compound and described values.
const maxDepth = 32

// ReadType reads a single AMQP typed value from the reader.
func ReadType(r io.Reader) (any, error) {
	return readValue(r, 0)
}

func readValue(r io.Reader, depth int) (any, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, err
	}
	return readByCode(r, code[0], depth)
}

func readByCode(r io.Reader, code byte, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("amqp value nested deeper than %d", maxDepth)
	}

	switch code {
	case TypeNull:
		return nil, nil
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	case TypeUint0:
		return uint32(0), nil
	case TypeUlong0:
		return uint64(0), nil
	case TypeList0:
		return []any{}, nil
	case TypeDescriptor:
		return readDescribed(r, depth)
	}

	if fn, ok := fixedDecoders[code]; ok {
		b, err := readN(r, fn.width)
		if err != nil {
			return nil, err
		}
		return fn.decode(b), nil
	}

	switch code {
	case TypeBinaryShort, TypeStringShort, TypeSymbolShort:
		return readVariable(r, code, 1)
	case TypeBinaryLong, TypeStringLong, TypeSymbolLong:
		return readVariable(r, code, 4)
	case TypeList8:
		return readList(r, 1, depth)
	case TypeList32:
		return readList(r, 4, depth)
	case TypeMap8:
		return readMap(r, 1, depth)
	case TypeMap32:
		return readMap(r, 4, depth)
	case TypeArray8:
		return readArray(r, 1, depth)
	case TypeArray32:
		return readArray(r, 4, depth)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, code)
	}
}

type fixedDecoder struct {
	width  int
	decode func([]byte) any
}

var fixedDecoders = map[byte]fixedDecoder{
	TypeBool:       {1, func(b []byte) any { return b[0] != 0 }},
	TypeUbyte:      {1, func(b []byte) any { return b[0] }},
	TypeUshort:     {2, func(b []byte) any { return binary.BigEndian.Uint16(b) }},
	TypeUint:       {4, func(b []byte) any { return binary.BigEndian.Uint32(b) }},
	TypeUintSmall:  {1, func(b []byte) any { return uint32(b[0]) }},
	TypeUlong:      {8, func(b []byte) any { return binary.BigEndian.Uint64(b) }},
	TypeUlongSmall: {1, func(b []byte) any { return uint64(b[0]) }},
	TypeByte:       {1, func(b []byte) any { return int8(b[0]) }},
	TypeShort:      {2, func(b []byte) any { return int16(binary.BigEndian.Uint16(b)) }},
	TypeInt:        {4, func(b []byte) any { return int32(binary.BigEndian.Uint32(b)) }},
	TypeIntSmall:   {1, func(b []byte) any { return int32(int8(b[0])) }},
	TypeLong:       {8, func(b []byte) any { return int64(binary.BigEndian.Uint64(b)) }},
	TypeLongSmall:  {1, func(b []byte) any { return int64(int8(b[0])) }},
	TypeFloat:      {4, func(b []byte) any { return math.Float32frombits(binary.BigEndian.Uint32(b)) }},
	TypeDouble:     {8, func(b []byte) any { return math.Float64frombits(binary.BigEndian.Uint64(b)) }},
	TypeTimestamp: {8, func(b []byte) any {
		return TimestampFromMillis(int64(binary.BigEndian.Uint64(b)))
	}},
	TypeUUID: {16, func(b []byte) any {
		var u UUID
		copy(u[:], b)
		return u
	}},
}

func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// readLength reads a one or four byte length prefix and enforces MaxVariableSize.
func readLength(r io.Reader, width int) (int, error) {
	b, err := readN(r, width)
	if err != nil {
		return 0, err
	}
	var n uint32
	if width == 1 {
		n = uint32(b[0])
	} else {
		n = binary.BigEndian.Uint32(b)
	}
	if n > MaxVariableSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, n)
	}
	return int(n), nil
}

func readVariable(r io.Reader, code byte, width int) (any, error) {
	n, err := readLength(r, width)
	if err != nil {
		return nil, err
	}
	b, err := readN(r, n)
	if err != nil {
		return nil, err
	}
	switch code {
	case TypeStringShort, TypeStringLong:
		return string(b), nil
	case TypeSymbolShort, TypeSymbolLong:
		return Symbol(b), nil
	default:
		return b, nil
	}
}

// readCompoundHeader returns the element count after checking the declared size.
func readCompoundHeader(r io.Reader, width int) (int, error) {
	size, err := readLength(r, width)
	if err != nil {
		return 0, err
	}
	count, err := readLength(r, width)
	if err != nil {
		return 0, err
	}
	// Every element takes at least one byte.
	if count > size {
		return 0, fmt.Errorf("amqp compound count %d exceeds size %d", count, size)
	}
	return count, nil
}

func readList(r io.Reader, width, depth int) ([]any, error) {
	count, err := readCompoundHeader(r, width)
	if err != nil {
		return nil, err
	}
	items := make([]any, count)
	for i := range items {
		if items[i], err = readValue(r, depth+1); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func readMap(r io.Reader, width, depth int) (map[any]any, error) {
	count, err := readCompoundHeader(r, width)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, fmt.Errorf("amqp map has odd element count %d", count)
	}
	m := make(map[any]any, count/2)
	for i := 0; i < count/2; i++ {
		key, err := readValue(r, depth+1)
		if err != nil {
			return nil, err
		}
		val, err := readValue(r, depth+1)
		if err != nil {
			return nil, err
		}
		if !hashable(key) {
			return nil, fmt.Errorf("amqp map key of type %T is not supported", key)
		}
		m[key] = val
	}
	return m, nil
}

func hashable(v any) bool {
	switch v.(type) {
	case []byte, []any, map[any]any:
		return false
	}
	return true
}

func readArray(r io.Reader, width, depth int) ([]any, error) {
	count, err := readCompoundHeader(r, width)
	if err != nil {
		return nil, err
	}
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, err
	}
	items := make([]any, count)
	for i := range items {
		if items[i], err = readByCode(r, code[0], depth+1); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func readDescribed(r io.Reader, depth int) (*Described, error) {
	descVal, err := readValue(r, depth+1)
	if err != nil {
		return nil, err
	}

	var descriptor uint64
	switch v := descVal.(type) {
	case uint64:
		descriptor = v
	case uint32:
		descriptor = uint64(v)
	default:
		return nil, fmt.Errorf("unsupported descriptor type: %T", descVal)
	}

	value, err := readValue(r, depth+1)
	if err != nil {
		return nil, err
	}

	return &Described{Descriptor: descriptor, Value: value}, nil
}

// ReadListFields reads a described list and returns its descriptor and fields.
func ReadListFields(r io.Reader) (uint64, []any, error) {
	val, err := ReadType(r)
	if err != nil {
		return 0, nil, err
	}

	desc, ok := val.(*Described)
	if !ok {
		return 0, nil, fmt.Errorf("expected described type, got %T", val)
	}

	fields, ok := desc.Value.([]any)
	if !ok {
		return 0, nil, fmt.Errorf("expected list value, got %T", desc.Value)
	}

	return desc.Descriptor, fields, nil
}
