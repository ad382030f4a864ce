// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

func writeCode(w io.Writer, code byte) error {
	_, err := w.Write([]byte{code})
	return err
}

func write8(w io.Writer, code, v byte) error {
	_, err := w.Write([]byte{code, v})
	return err
}

func write16(w io.Writer, code byte, v uint16) error {
	var buf [3]byte
	buf[0] = code
	binary.BigEndian.PutUint16(buf[1:], v)
	_, err := w.Write(buf[:])
	return err
}

func write32(w io.Writer, code byte, v uint32) error {
	var buf [5]byte
	buf[0] = code
	binary.BigEndian.PutUint32(buf[1:], v)
	_, err := w.Write(buf[:])
	return err
}

func write64(w io.Writer, code byte, v uint64) error {
	var buf [9]byte
	buf[0] = code
	binary.BigEndian.PutUint64(buf[1:], v)
	_, err := w.Write(buf[:])
	return err
}

// writeVariable picks the one-byte or four-byte length form.
func writeVariable(w io.Writer, short, long byte, b []byte) error {
	var err error
	if len(b) <= math.MaxUint8 {
		err = write8(w, short, byte(len(b)))
	} else {
		err = write32(w, long, uint32(len(b)))
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteNull writes a null value.
func WriteNull(w io.Writer) error { return writeCode(w, TypeNull) }

// WriteBool writes a boolean using the compact true/false constructors.
func WriteBool(w io.Writer, v bool) error {
	if v {
		return writeCode(w, TypeBoolTrue)
	}
	return writeCode(w, TypeBoolFalse)
}

// WriteUbyte writes an unsigned byte.
func WriteUbyte(w io.Writer, v uint8) error { return write8(w, TypeUbyte, v) }

// WriteUshort writes an unsigned 16-bit integer.
func WriteUshort(w io.Writer, v uint16) error { return write16(w, TypeUshort, v) }

// WriteUint writes an unsigned 32-bit integer in its smallest encoding.
func WriteUint(w io.Writer, v uint32) error {
	switch {
	case v == 0:
		return writeCode(w, TypeUint0)
	case v <= math.MaxUint8:
		return write8(w, TypeUintSmall, byte(v))
	default:
		return write32(w, TypeUint, v)
	}
}

// WriteUlong writes an unsigned 64-bit integer in its smallest encoding.
func WriteUlong(w io.Writer, v uint64) error {
	switch {
	case v == 0:
		return writeCode(w, TypeUlong0)
	case v <= math.MaxUint8:
		return write8(w, TypeUlongSmall, byte(v))
	default:
		return write64(w, TypeUlong, v)
	}
}

// WriteByte writes a signed byte.
func WriteByte(w io.Writer, v int8) error { return write8(w, TypeByte, byte(v)) }

// WriteShort writes a signed 16-bit integer.
func WriteShort(w io.Writer, v int16) error { return write16(w, TypeShort, uint16(v)) }

// WriteInt writes a signed 32-bit integer in its smallest encoding.
func WriteInt(w io.Writer, v int32) error {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		return write8(w, TypeIntSmall, byte(v))
	}
	return write32(w, TypeInt, uint32(v))
}

// WriteLong writes a signed 64-bit integer in its smallest encoding.
func WriteLong(w io.Writer, v int64) error {
	if v >= math.MinInt8 && v <= math.MaxInt8 {
		return write8(w, TypeLongSmall, byte(v))
	}
	return write64(w, TypeLong, uint64(v))
}

// WriteFloat writes an IEEE 754 binary32.
func WriteFloat(w io.Writer, v float32) error { return write32(w, TypeFloat, math.Float32bits(v)) }

// WriteDouble writes an IEEE 754 binary64.
func WriteDouble(w io.Writer, v float64) error { return write64(w, TypeDouble, math.Float64bits(v)) }

// WriteTimestamp writes milliseconds since the Unix epoch.
func WriteTimestamp(w io.Writer, v Timestamp) error {
	return write64(w, TypeTimestamp, uint64(v.Milliseconds()))
}

// WriteUUID writes a 16-byte UUID.
func WriteUUID(w io.Writer, v UUID) error {
	if err := writeCode(w, TypeUUID); err != nil {
		return err
	}
	_, err := w.Write(v[:])
	return err
}

// WriteBinary writes opaque bytes.
func WriteBinary(w io.Writer, v []byte) error {
	return writeVariable(w, TypeBinaryShort, TypeBinaryLong, v)
}

// WriteString writes a UTF-8 string.
func WriteString(w io.Writer, v string) error {
	return writeVariable(w, TypeStringShort, TypeStringLong, []byte(v))
}

// WriteSymbol writes a symbolic value.
func WriteSymbol(w io.Writer, v Symbol) error {
	return writeVariable(w, TypeSymbolShort, TypeSymbolLong, []byte(v))
}

// WriteDescriptor writes the described-type constructor followed by a ulong descriptor.
func WriteDescriptor(w io.Writer, code uint64) error {
	if err := writeCode(w, TypeDescriptor); err != nil {
		return err
	}
	return WriteUlong(w, code)
}

// writeCompound writes a list32/map32 header (size includes the count field) and the body.
func writeCompound(w io.Writer, code byte, body []byte, count int) error {
	var buf [9]byte
	buf[0] = code
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(body))+4)
	binary.BigEndian.PutUint32(buf[5:9], uint32(count))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteList writes a list from count pre-encoded fields.
func WriteList(w io.Writer, fields []byte, count int) error {
	if count == 0 && len(fields) == 0 {
		return writeCode(w, TypeList0)
	}
	return writeCompound(w, TypeList32, fields, count)
}

// WriteMap writes a map from count pre-encoded key/value pairs.
func WriteMap(w io.Writer, pairs []byte, count int) error {
	return writeCompound(w, TypeMap32, pairs, count*2)
}

// WriteArray writes count pre-encoded elements sharing the constructor elemType.
func WriteArray(w io.Writer, elemType byte, elements []byte, count int) error {
	var buf [10]byte
	buf[0] = TypeArray32
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(elements))+5)
	binary.BigEndian.PutUint32(buf[5:9], uint32(count))
	buf[9] = elemType
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(elements)
	return err
}

// WriteAny writes a Go value as the matching AMQP type.
func WriteAny(w io.Writer, v any) error {
	switch val := v.(type) {
	case nil:
		return WriteNull(w)
	case bool:
		return WriteBool(w, val)
	case uint8:
		return WriteUbyte(w, val)
	case uint16:
		return WriteUshort(w, val)
	case uint32:
		return WriteUint(w, val)
	case uint64:
		return WriteUlong(w, val)
	case int8:
		return WriteByte(w, val)
	case int16:
		return WriteShort(w, val)
	case int32:
		return WriteInt(w, val)
	case int64:
		return WriteLong(w, val)
	case float32:
		return WriteFloat(w, val)
	case float64:
		return WriteDouble(w, val)
	case string:
		return WriteString(w, val)
	case Symbol:
		return WriteSymbol(w, val)
	case []byte:
		return WriteBinary(w, val)
	case UUID:
		return WriteUUID(w, val)
	case Timestamp:
		return WriteTimestamp(w, val)
	default:
		return fmt.Errorf("unsupported type: %T", v)
	}
}

// WriteSymbolArray writes an AMQP "multiple" symbol field: null when empty,
// a bare symbol for one element, an array otherwise.
func WriteSymbolArray(w io.Writer, symbols []Symbol) error {
	switch len(symbols) {
	case 0:
		return WriteNull(w)
	case 1:
		return WriteSymbol(w, symbols[0])
	}

	elemType := TypeSymbolShort
	for _, s := range symbols {
		if len(s) > math.MaxUint8 {
			elemType = TypeSymbolLong
			break
		}
	}

	var elems bytes.Buffer
	for _, s := range symbols {
		if elemType == TypeSymbolShort {
			elems.WriteByte(byte(len(s)))
		} else {
			var n [4]byte
			binary.BigEndian.PutUint32(n[:], uint32(len(s)))
			elems.Write(n[:])
		}
		elems.WriteString(string(s))
	}
	return WriteArray(w, elemType, elems.Bytes(), len(symbols))
}

// WriteSymbolMap writes a map keyed by symbols, as used for properties fields.
func WriteSymbolMap(w io.Writer, m map[Symbol]any) error {
	var pairs bytes.Buffer
	for k, v := range m {
		if err := WriteSymbol(&pairs, k); err != nil {
			return err
		}
		if err := WriteAny(&pairs, v); err != nil {
			return err
		}
	}
	return WriteMap(w, pairs.Bytes(), len(m))
}
