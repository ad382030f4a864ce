// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cell provides a reference-counted mutable value shared by several
// handles on one goroutine.
//
// A Cell does no locking. Every handle to one value must stay on the
// goroutine that drives the owning connection.
package cell

import "fmt"

type shared[T any] struct {
	value T
	refs  int
	drop  func(*T)
}

// Cell is one handle to a shared value.
type Cell[T any] struct {
	s *shared[T]
}

// New returns the first handle to v.
func New[T any](v T) *Cell[T] {
	return NewWithDrop(v, nil)
}

// NewWithDrop returns the first handle to v. drop runs exactly once, when the
// last handle is released.
func NewWithDrop[T any](v T, drop func(*T)) *Cell[T] {
	return &Cell[T]{s: &shared[T]{value: v, refs: 1, drop: drop}}
}

func (c *Cell[T]) live() *shared[T] {
	if c.s == nil {
		panic(fmt.Sprintf("cell: use of released %T handle", c))
	}
	return c.s
}

// Get returns a pointer to the shared value. Writes through it are visible to
// every handle.
func (c *Cell[T]) Get() *T {
	return &c.live().value
}

// Clone returns a new handle to the same value.
func (c *Cell[T]) Clone() *Cell[T] {
	s := c.live()
	s.refs++
	return &Cell[T]{s: s}
}

// Release drops this handle. Releasing the last handle runs the drop func.
func (c *Cell[T]) Release() {
	s := c.live()
	c.s = nil
	s.refs--
	if s.refs > 0 {
		return
	}
	if s.drop != nil {
		s.drop(&s.value)
	}
	var zero T
	s.value = zero
}

// Refs returns the number of live handles.
func (c *Cell[T]) Refs() int {
	return c.live().refs
}

// Released reports whether this handle has been released.
func (c *Cell[T]) Released() bool {
	return c.s == nil
}

// Same reports whether c and o share one value.
func (c *Cell[T]) Same(o *Cell[T]) bool {
	return c.live() == o.live()
}
