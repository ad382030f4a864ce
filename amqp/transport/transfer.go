// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
)

// WriteTransfer writes transfer followed by payload. When the frame would
// exceed the outbound max-frame-size the payload is split across frames
// with the more flag set on all but the last one. The frames of one
// delivery are written without interleaving.
func (t *AMQPFramed) WriteTransfer(channel uint16, transfer *performatives.Transfer, payload []byte) error {
	if t.s == nil {
		return ErrConsumed
	}

	head, err := transfer.Encode()
	if err != nil {
		return err
	}

	maxBody := int(t.maxOut) - frames.HeaderSize
	if t.maxOut == 0 || len(head)+len(payload) <= maxBody {
		return t.s.write(func() error {
			return frames.WriteFrame(t.s.conn, frames.FrameTypeAMQP, channel, concat(head, payload))
		})
	}

	first := *transfer
	first.More = true
	if head, err = first.Encode(); err != nil {
		return err
	}
	cont, err := (&performatives.Transfer{Handle: transfer.Handle, More: true}).Encode()
	if err != nil {
		return err
	}
	last, err := (&performatives.Transfer{Handle: transfer.Handle, More: transfer.More}).Encode()
	if err != nil {
		return err
	}
	if len(head) >= maxBody || len(cont) >= maxBody {
		return fmt.Errorf("%w: transfer performative does not fit in %d bytes", frames.ErrFrameTooLarge, t.maxOut)
	}

	return t.s.write(func() error {
		chunk := maxBody - len(head)
		if err := frames.WriteFrame(t.s.conn, frames.FrameTypeAMQP, channel, concat(head, payload[:chunk])); err != nil {
			return err
		}
		rest := payload[chunk:]
		for len(rest) > 0 {
			perf := cont
			n := maxBody - len(cont)
			if len(rest) <= maxBody-len(last) {
				perf, n = last, len(rest)
			}
			n = min(n, len(rest))
			if err := frames.WriteFrame(t.s.conn, frames.FrameTypeAMQP, channel, concat(perf, rest[:n])); err != nil {
				return err
			}
			rest = rest[n:]
		}
		return nil
	})
}

func concat(a, b []byte) []byte {
	out := make([]byte, len(a)+len(b))
	copy(out, a)
	copy(out[len(a):], b)
	return out
}
