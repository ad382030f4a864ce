// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package performatives

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/absmach/fluxamqp/amqp/types"
	"github.com/absmach/fluxamqp/internal/bufpool"
)

var (
	// ErrDecode is wrapped by every field-level decoding failure.
	ErrDecode = errors.New("amqp decode error")

	// ErrUnknownPerformative is returned for a descriptor outside 0x10-0x18.
	ErrUnknownPerformative = errors.New("unknown performative")
)

// fieldWriter accumulates the fields of a described list. Trailing nulls are
// dropped on encode, which AMQP treats as equivalent to sending them.
type fieldWriter struct {
	buf   *bytes.Buffer
	count int
	end   int
	last  int
	err   error
}

func (w *fieldWriter) put(isNull bool, write func(*bytes.Buffer) error) {
	if w.err != nil {
		return
	}
	if w.err = write(w.buf); w.err != nil {
		return
	}
	w.count++
	if !isNull {
		w.end = w.buf.Len()
		w.last = w.count
	}
}

func (w *fieldWriter) null() {
	w.put(true, func(b *bytes.Buffer) error { return types.WriteNull(b) })
}

func (w *fieldWriter) uint(v uint32) {
	w.put(false, func(b *bytes.Buffer) error { return types.WriteUint(b, v) })
}

func (w *fieldWriter) optUint(v *uint32) {
	if v == nil {
		w.null()
		return
	}
	w.uint(*v)
}

func (w *fieldWriter) ulong(v uint64) {
	w.put(false, func(b *bytes.Buffer) error { return types.WriteUlong(b, v) })
}

func (w *fieldWriter) ushort(v uint16) {
	w.put(false, func(b *bytes.Buffer) error { return types.WriteUshort(b, v) })
}

func (w *fieldWriter) optUbyte(v *uint8) {
	if v == nil {
		w.null()
		return
	}
	w.put(false, func(b *bytes.Buffer) error { return types.WriteUbyte(b, *v) })
}

func (w *fieldWriter) bool(v bool) {
	w.put(false, func(b *bytes.Buffer) error { return types.WriteBool(b, v) })
}

// flag writes a boolean whose default is false as null when unset.
func (w *fieldWriter) flag(v bool) {
	if !v {
		w.null()
		return
	}
	w.bool(true)
}

func (w *fieldWriter) str(v string) {
	w.put(false, func(b *bytes.Buffer) error { return types.WriteString(b, v) })
}

func (w *fieldWriter) optStr(v string) {
	if v == "" {
		w.null()
		return
	}
	w.str(v)
}

func (w *fieldWriter) symbol(v types.Symbol) {
	w.put(false, func(b *bytes.Buffer) error { return types.WriteSymbol(b, v) })
}

func (w *fieldWriter) optSymbol(v types.Symbol) {
	if v == "" {
		w.null()
		return
	}
	w.symbol(v)
}

func (w *fieldWriter) binary(v []byte) {
	if v == nil {
		w.null()
		return
	}
	w.put(false, func(b *bytes.Buffer) error { return types.WriteBinary(b, v) })
}

func (w *fieldWriter) symbols(v []types.Symbol) {
	if len(v) == 0 {
		w.null()
		return
	}
	w.put(false, func(b *bytes.Buffer) error { return types.WriteSymbolArray(b, v) })
}

func (w *fieldWriter) symbolMap(v map[types.Symbol]any) {
	if len(v) == 0 {
		w.null()
		return
	}
	w.put(false, func(b *bytes.Buffer) error { return types.WriteSymbolMap(b, v) })
}

// encoder is anything that serializes to a described type.
type encoder interface {
	Encode() ([]byte, error)
}

func (w *fieldWriter) described(v encoder, present bool) {
	if !present {
		w.null()
		return
	}
	w.put(false, func(b *bytes.Buffer) error {
		enc, err := v.Encode()
		if err != nil {
			return err
		}
		_, err = b.Write(enc)
		return err
	})
}

// encodeDescribed encodes the list built by fill under descriptor.
func encodeDescribed(descriptor uint64, fill func(w *fieldWriter)) ([]byte, error) {
	fields := bufpool.Get()
	defer bufpool.Put(fields)

	w := &fieldWriter{buf: fields}
	fill(w)
	if w.err != nil {
		return nil, w.err
	}
	fields.Truncate(w.end)

	out := bufpool.Get()
	if err := types.WriteDescriptor(out, descriptor); err != nil {
		bufpool.Put(out)
		return nil, err
	}
	if err := types.WriteList(out, fields.Bytes(), w.last); err != nil {
		bufpool.Put(out)
		return nil, err
	}
	return bufpool.Detach(out), nil
}

// fieldReader reads typed values out of a decoded list. The first failure is
// kept in err and later calls return zero values.
type fieldReader struct {
	name   string
	fields []any
	err    error
}

func (r *fieldReader) get(i int) any {
	if i < len(r.fields) {
		return r.fields[i]
	}
	return nil
}

func (r *fieldReader) fail(i int, want string, got any) {
	if r.err != nil {
		return
	}
	if got == nil {
		r.err = fmt.Errorf("%w: %s field %d is mandatory", ErrDecode, r.name, i)
		return
	}
	r.err = fmt.Errorf("%w: %s field %d: expected %s, got %T", ErrDecode, r.name, i, want, got)
}

func toUint64(v any) (uint64, bool) {
	switch val := v.(type) {
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	}
	return 0, false
}

func (r *fieldReader) ulongOr(i int, def uint64) uint64 {
	v := r.get(i)
	if v == nil {
		return def
	}
	n, ok := toUint64(v)
	if !ok {
		r.fail(i, "unsigned integer", v)
	}
	return n
}

func (r *fieldReader) uintOr(i int, def uint32) uint32 {
	n := r.ulongOr(i, uint64(def))
	if n > math.MaxUint32 {
		r.fail(i, "uint", r.get(i))
	}
	return uint32(n)
}

func (r *fieldReader) mustUint(i int) uint32 {
	if r.get(i) == nil {
		r.fail(i, "uint", nil)
	}
	return r.uintOr(i, 0)
}

func (r *fieldReader) optUint(i int) *uint32 {
	if r.get(i) == nil {
		return nil
	}
	v := r.uintOr(i, 0)
	return &v
}

func (r *fieldReader) optUbyte(i int) *uint8 {
	if r.get(i) == nil {
		return nil
	}
	v := uint8(r.uintOr(i, 0))
	return &v
}

func (r *fieldReader) bool(i int) bool {
	v := r.get(i)
	if v == nil {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(i, "boolean", v)
	}
	return b
}

func (r *fieldReader) mustBool(i int) bool {
	if r.get(i) == nil {
		r.fail(i, "boolean", nil)
	}
	return r.bool(i)
}

func (r *fieldReader) str(i int) string {
	v := r.get(i)
	if v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(i, "string", v)
	}
	return s
}

func (r *fieldReader) mustStr(i int) string {
	if r.get(i) == nil {
		r.fail(i, "string", nil)
	}
	return r.str(i)
}

func (r *fieldReader) symbol(i int) types.Symbol {
	v := r.get(i)
	if v == nil {
		return ""
	}
	s, ok := v.(types.Symbol)
	if !ok {
		r.fail(i, "symbol", v)
	}
	return s
}

func (r *fieldReader) binary(i int) []byte {
	v := r.get(i)
	if v == nil {
		return nil
	}
	b, ok := v.([]byte)
	if !ok {
		r.fail(i, "binary", v)
	}
	return b
}

// symbols reads a "multiple" symbol field: a bare symbol or an array.
func (r *fieldReader) symbols(i int) []types.Symbol {
	switch v := r.get(i).(type) {
	case nil:
		return nil
	case types.Symbol:
		return []types.Symbol{v}
	case []any:
		out := make([]types.Symbol, 0, len(v))
		for _, item := range v {
			s, ok := item.(types.Symbol)
			if !ok {
				r.fail(i, "symbol array", item)
				return nil
			}
			out = append(out, s)
		}
		return out
	default:
		r.fail(i, "symbol array", v)
		return nil
	}
}

func (r *fieldReader) symbolMap(i int) map[types.Symbol]any {
	v := r.get(i)
	if v == nil {
		return nil
	}
	m, ok := v.(map[any]any)
	if !ok {
		r.fail(i, "map", v)
		return nil
	}
	out := make(map[types.Symbol]any, len(m))
	for k, val := range m {
		s, ok := k.(types.Symbol)
		if !ok {
			r.fail(i, "symbol key", k)
			return nil
		}
		out[s] = val
	}
	return out
}

// described returns the list fields of a described value with the given
// descriptor, or nil when the field is absent.
func (r *fieldReader) described(i int, descriptor uint64) []any {
	v := r.get(i)
	if v == nil {
		return nil
	}
	d, ok := v.(*types.Described)
	if !ok || d.Descriptor != descriptor {
		r.fail(i, fmt.Sprintf("described 0x%02x", descriptor), v)
		return nil
	}
	fields := d.Fields()
	if fields == nil {
		r.fail(i, "described list", d.Value)
	}
	return fields
}

// errorField decodes an optional error field.
func (r *fieldReader) errorField(i int) *Error {
	fields := r.described(i, DescriptorError)
	if fields == nil {
		return nil
	}
	e, err := DecodeError(fields)
	if err != nil && r.err == nil {
		r.err = err
	}
	return e
}

// stateField decodes an optional delivery-state field.
func (r *fieldReader) stateField(i int) DeliveryState {
	v := r.get(i)
	if v == nil {
		return nil
	}
	d, ok := v.(*types.Described)
	if !ok {
		r.fail(i, "delivery state", v)
		return nil
	}
	s, err := DecodeOutcome(d)
	if err != nil && r.err == nil {
		r.err = err
	}
	return s
}
