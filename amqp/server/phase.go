// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"sync/atomic"
)

// Phase is the lifecycle stage of one connection.
type Phase uint32

const (
	PhaseIdle Phase = iota
	PhaseNegotiating
	PhaseSASL
	PhaseOpening
	PhaseOpen
	PhaseDispatching
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseSASL:
		return "sasl"
	case PhaseOpening:
		return "opening"
	case PhaseOpen:
		return "open"
	case PhaseDispatching:
		return "dispatching"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", uint32(p))
	}
}

// phase only moves forward. It is atomic so that observers outside the
// connection goroutine can read it.
type phase struct {
	v atomic.Uint32
}

// advance moves to p. Staying in the same phase is allowed for repeated
// SASL rounds and dispatched frames; moving back is not.
func (ph *phase) advance(p Phase) error {
	for {
		cur := Phase(ph.v.Load())
		if p < cur {
			return fmt.Errorf("connection phase cannot move from %s back to %s", cur, p)
		}
		if ph.v.CompareAndSwap(uint32(cur), uint32(p)) {
			return nil
		}
	}
}

func (ph *phase) get() Phase {
	return Phase(ph.v.Load())
}
