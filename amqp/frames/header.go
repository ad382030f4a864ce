// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"errors"
	"fmt"
	"io"
)

// ProtocolHeaderSize is the length of "AMQP" id major minor revision.
const ProtocolHeaderSize = 8

// ProtocolID selects the layer announced by a protocol header.
type ProtocolID byte

const (
	ProtocolAMQP ProtocolID = 0x00
	ProtocolTLS  ProtocolID = 0x02
	ProtocolSASL ProtocolID = 0x03
)

// ErrInvalidProtocolHeader is returned for a header that is not AMQP 1.0.0.
var ErrInvalidProtocolHeader = errors.New("invalid amqp protocol header")

func (p ProtocolID) String() string {
	switch p {
	case ProtocolAMQP:
		return "amqp"
	case ProtocolTLS:
		return "amqp-tls"
	case ProtocolSASL:
		return "amqp-sasl"
	default:
		return fmt.Sprintf("protocol(%d)", byte(p))
	}
}

// Header returns the 8-byte protocol header for p.
func (p ProtocolID) Header() [ProtocolHeaderSize]byte {
	return [ProtocolHeaderSize]byte{'A', 'M', 'Q', 'P', byte(p), 1, 0, 0}
}

// WriteProtocolHeader writes the protocol header for id.
func WriteProtocolHeader(w io.Writer, id ProtocolID) error {
	h := id.Header()
	_, err := w.Write(h[:])
	return err
}

// ReadProtocolHeader reads one protocol header. It returns ok=false with a nil
// error when the stream ends before the first byte, which callers treat as a
// disconnect rather than a malformed header.
func ReadProtocolHeader(r io.Reader) (id ProtocolID, ok bool, err error) {
	var h [ProtocolHeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, nil
		}
		return 0, false, err
	}

	if string(h[:4]) != "AMQP" {
		return 0, false, fmt.Errorf("%w: expected AMQP, got %q", ErrInvalidProtocolHeader, h[:4])
	}
	if h[5] != 1 || h[6] != 0 || h[7] != 0 {
		return 0, false, fmt.Errorf("%w: unsupported version %d.%d.%d", ErrInvalidProtocolHeader, h[5], h[6], h[7])
	}

	id = ProtocolID(h[4])
	switch id {
	case ProtocolAMQP, ProtocolTLS, ProtocolSASL:
		return id, true, nil
	default:
		return 0, false, fmt.Errorf("%w: unknown protocol id %d", ErrInvalidProtocolHeader, h[4])
	}
}

// DetectAMQP reports whether header starts with "AMQP".
// Used for protocol sniffing when multiplexing protocols on one port.
func DetectAMQP(header []byte) bool {
	return len(header) >= 4 && string(header[:4]) == "AMQP"
}
