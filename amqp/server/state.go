// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"io"
	"log/slog"

	"github.com/absmach/fluxamqp/amqp/cell"
)

// State is a shared handle to the application state of one connection.
// When the last handle is released and the state implements io.Closer, it
// is closed.
type State[St any] struct {
	c *cell.Cell[St]
}

func newState[St any](st St, logger *slog.Logger) State[St] {
	return State[St]{c: cell.NewWithDrop(st, func(v *St) {
		closer, ok := any(*v).(io.Closer)
		if !ok {
			return
		}
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close connection state", slog.String("error", err.Error()))
		}
	})}
}

// Get returns the state.
func (s State[St]) Get() *St { return s.c.Get() }

// Clone returns another handle to the same state.
func (s State[St]) Clone() State[St] { return State[St]{c: s.c.Clone()} }

// Release drops this handle.
func (s State[St]) Release() { s.c.Release() }
