// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frames reads and writes AMQP 1.0 frame and protocol headers.
package frames

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Frame types
	FrameTypeAMQP byte = 0x00
	FrameTypeSASL byte = 0x01

	// MinFrameSize is the smallest max-frame-size a peer may announce.
	MinFrameSize uint32 = 512

	DefaultMaxFrameSize uint32 = 65536

	// HeaderSize is 4 (size) + 1 (doff) + 1 (type) + 2 (channel).
	HeaderSize = 8

	// MinDOFF is the data offset in 4-byte words for a header without extension.
	MinDOFF = 2
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds max frame size")
	ErrInvalidFrame  = errors.New("invalid frame header")
)

// Frame is one AMQP 1.0 frame: a type, a channel and an undecoded body.
type Frame struct {
	Type    byte
	Channel uint16
	Body    []byte
}

// WriteFrame writes a frame with a minimal header.
func WriteFrame(w io.Writer, frameType byte, channel uint16, body []byte) error {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(HeaderSize+len(body)))
	header[4] = MinDOFF
	header[5] = frameType
	binary.BigEndian.PutUint16(header[6:8], channel)

	if len(body) == 0 {
		_, err := w.Write(header[:])
		return err
	}

	// Single write so concurrent writers serialised above us never interleave halves.
	buf := make([]byte, 0, HeaderSize+len(body))
	buf = append(buf, header[:]...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame without a size limit.
func ReadFrame(r io.Reader) (*Frame, error) {
	return ReadFrameLimit(r, 0)
}

// ReadFrameLimit reads one frame, rejecting frames larger than maxSize.
// A maxSize of 0 disables the check.
func ReadFrameLimit(r io.Reader, maxSize uint32) (*Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[0:4])
	doff := header[4]

	if size < HeaderSize {
		return nil, fmt.Errorf("%w: size %d is less than minimum %d", ErrInvalidFrame, size, HeaderSize)
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	if doff < MinDOFF || uint32(doff)*4 > size {
		return nil, fmt.Errorf("%w: doff %d", ErrInvalidFrame, doff)
	}

	rest := make([]byte, size-HeaderSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	f := &Frame{
		Type:    header[5],
		Channel: binary.BigEndian.Uint16(header[6:8]),
	}
	// Extended header bytes are skipped.
	if body := rest[int(doff)*4-HeaderSize:]; len(body) > 0 {
		f.Body = body
	}
	return f, nil
}

// WriteEmptyFrame writes a heartbeat frame.
func WriteEmptyFrame(w io.Writer) error {
	return WriteFrame(w, FrameTypeAMQP, 0, nil)
}

// IsEmpty reports whether the frame is a heartbeat.
func (f *Frame) IsEmpty() bool {
	return len(f.Body) == 0
}
