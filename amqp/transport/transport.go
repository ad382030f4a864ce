// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport frames a byte stream for each stage of an AMQP 1.0
// connection. A stream starts as ProtocolIDFramed and is converted with the
// Into methods. A converted value is consumed and every later call on it
// fails with ErrConsumed, so SASL bytes are never read as AMQP frames or the
// other way round.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
)

var (
	// ErrConsumed is returned by a framing state after it was converted.
	ErrConsumed = errors.New("transport: framing state already converted")

	// ErrUnexpectedFrameType is returned for a frame of the wrong type for the stage.
	ErrUnexpectedFrameType = errors.New("transport: unexpected frame type")
)

// stream is the connection shared by all framing states.
type stream struct {
	conn net.Conn
	r    *bufio.Reader
	mu   sync.Mutex // serialises writes
}

func (s *stream) write(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// ProtocolIDFramed reads and writes 8-byte protocol headers.
type ProtocolIDFramed struct {
	s *stream
}

// New wraps conn in protocol-header framing.
func New(conn net.Conn) *ProtocolIDFramed {
	return &ProtocolIDFramed{s: &stream{conn: conn, r: bufio.NewReader(conn)}}
}

// ReadProtocolID reads one protocol header. ok is false when the peer closed
// the stream before sending one.
func (t *ProtocolIDFramed) ReadProtocolID() (id frames.ProtocolID, ok bool, err error) {
	if t.s == nil {
		return 0, false, ErrConsumed
	}
	return frames.ReadProtocolHeader(t.s.r)
}

// WriteProtocolID writes the protocol header for id.
func (t *ProtocolIDFramed) WriteProtocolID(id frames.ProtocolID) error {
	if t.s == nil {
		return ErrConsumed
	}
	return t.s.write(func() error { return frames.WriteProtocolHeader(t.s.conn, id) })
}

// IntoSASL switches to SASL frame framing.
func (t *ProtocolIDFramed) IntoSASL() *SASLFramed {
	s := t.take()
	return &SASLFramed{s: s}
}

// IntoAMQP switches to AMQP frame framing. Inbound frames larger than
// maxFrameSize are rejected.
func (t *ProtocolIDFramed) IntoAMQP(maxFrameSize uint32) *AMQPFramed {
	s := t.take()
	return &AMQPFramed{s: s, maxIn: maxFrameSize, maxOut: frames.DefaultMaxFrameSize}
}

func (t *ProtocolIDFramed) take() *stream {
	if t.s == nil {
		panic("transport: protocol-id framing already converted")
	}
	s := t.s
	t.s = nil
	return s
}

// Close closes the underlying connection.
func (t *ProtocolIDFramed) Close() error { return closeStream(t.s) }

// RemoteAddr returns the peer address.
func (t *ProtocolIDFramed) RemoteAddr() net.Addr { return remoteAddr(t.s) }

// SASLFramed reads and writes SASL frames on channel 0.
type SASLFramed struct {
	s *stream
}

// ReadFrame reads one SASL frame. io.EOF is returned unwrapped when the peer
// closed the stream between frames.
func (t *SASLFramed) ReadFrame() (sasl.Frame, error) {
	if t.s == nil {
		return nil, ErrConsumed
	}
	f, err := frames.ReadFrameLimit(t.s.r, frames.MinFrameSize)
	if err != nil {
		return nil, err
	}
	if f.Type != frames.FrameTypeSASL {
		return nil, fmt.Errorf("%w: 0x%02x during sasl", ErrUnexpectedFrameType, f.Type)
	}
	return sasl.Decode(f.Body)
}

// WriteFrame writes one SASL frame.
func (t *SASLFramed) WriteFrame(f sasl.Frame) error {
	if t.s == nil {
		return ErrConsumed
	}
	body, err := f.Encode()
	if err != nil {
		return err
	}
	return t.s.write(func() error {
		return frames.WriteFrame(t.s.conn, frames.FrameTypeSASL, 0, body)
	})
}

// IntoProtocolID switches back to protocol-header framing, as required after
// a sasl-outcome.
func (t *SASLFramed) IntoProtocolID() *ProtocolIDFramed {
	if t.s == nil {
		panic("transport: sasl framing already converted")
	}
	s := t.s
	t.s = nil
	return &ProtocolIDFramed{s: s}
}

// Close closes the underlying connection.
func (t *SASLFramed) Close() error { return closeStream(t.s) }

// RemoteAddr returns the peer address.
func (t *SASLFramed) RemoteAddr() net.Addr { return remoteAddr(t.s) }

// AMQPFramed reads and writes AMQP performatives.
type AMQPFramed struct {
	s      *stream
	maxIn  uint32
	maxOut uint32
}

// SetMaxOutgoingFrameSize sets the frame size limit announced by the peer.
func (t *AMQPFramed) SetMaxOutgoingFrameSize(size uint32) {
	t.maxOut = size
}

// MaxOutgoingFrameSize returns the current outbound frame size limit.
func (t *AMQPFramed) MaxOutgoingFrameSize() uint32 {
	return t.maxOut
}

// ReadFrame reads the next performative, skipping empty heartbeat frames.
// For a Transfer the payload is attached to the returned performative.
func (t *AMQPFramed) ReadFrame() (uint16, performatives.Performative, error) {
	if t.s == nil {
		return 0, nil, ErrConsumed
	}
	for {
		f, err := frames.ReadFrameLimit(t.s.r, t.maxIn)
		if err != nil {
			return 0, nil, err
		}
		if f.Type != frames.FrameTypeAMQP {
			return 0, nil, fmt.Errorf("%w: 0x%02x after open", ErrUnexpectedFrameType, f.Type)
		}
		if f.IsEmpty() {
			continue
		}
		p, err := performatives.Decode(f.Body)
		if err != nil {
			return f.Channel, nil, err
		}
		return f.Channel, p, nil
	}
}

// WritePerformative encodes p and writes it on channel.
func (t *AMQPFramed) WritePerformative(channel uint16, p performatives.Performative) error {
	if t.s == nil {
		return ErrConsumed
	}
	body, err := p.Encode()
	if err != nil {
		return err
	}
	if t.maxOut > 0 && uint32(frames.HeaderSize+len(body)) > t.maxOut {
		return fmt.Errorf("%w: %s needs %d bytes, limit %d",
			frames.ErrFrameTooLarge, performatives.Name(p), frames.HeaderSize+len(body), t.maxOut)
	}
	return t.s.write(func() error {
		return frames.WriteFrame(t.s.conn, frames.FrameTypeAMQP, channel, body)
	})
}

// WriteHeartbeat writes an empty frame.
func (t *AMQPFramed) WriteHeartbeat() error {
	if t.s == nil {
		return ErrConsumed
	}
	return t.s.write(func() error { return frames.WriteEmptyFrame(t.s.conn) })
}

// Close closes the underlying connection.
func (t *AMQPFramed) Close() error { return closeStream(t.s) }

// RemoteAddr returns the peer address.
func (t *AMQPFramed) RemoteAddr() net.Addr { return remoteAddr(t.s) }

func closeStream(s *stream) error {
	if s == nil {
		return ErrConsumed
	}
	return s.conn.Close()
}

func remoteAddr(s *stream) net.Addr {
	if s == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}
