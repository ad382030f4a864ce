// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// SharedPrefix marks a shared subscription filter.
const SharedPrefix = "$share" + Separator

// ParseShared parses a shared subscription filter.
// Format: $share.{ShareName}.{Filter}
//
// Examples:
//   - "$share.group1.sensors.#" -> ("group1", "sensors.#", true)
//   - "sensors.#" -> ("", "sensors.#", false)
func ParseShared(filter string) (shareName, topicFilter string, isShared bool) {
	rest, ok := strings.CutPrefix(filter, SharedPrefix)
	if !ok {
		return "", filter, false
	}
	name, topicFilter, ok := strings.Cut(rest, Separator)
	if !ok || name == "" || topicFilter == "" {
		return "", filter, false
	}
	return name, topicFilter, true
}

// ShareGroup is a set of subscribers sharing one filter. Each message goes
// to one member, chosen round-robin.
type ShareGroup[T comparable] struct {
	Name    string
	Filter  string
	Members []T
	next    int
}

// NewShareGroup returns an empty group.
func NewShareGroup[T comparable](name, filter string) *ShareGroup[T] {
	return &ShareGroup[T]{Name: name, Filter: filter}
}

// Next returns the next member accepted by ready, starting after the member
// returned last time.
func (g *ShareGroup[T]) Next(ready func(T) bool) (T, bool) {
	var zero T
	n := len(g.Members)
	for i := range n {
		idx := (g.next + i) % n
		if m := g.Members[idx]; ready == nil || ready(m) {
			g.next = (idx + 1) % n
			return m, true
		}
	}
	return zero, false
}

// Add adds m unless it is already a member. It returns true if m was added.
func (g *ShareGroup[T]) Add(m T) bool {
	for _, x := range g.Members {
		if x == m {
			return false
		}
	}
	g.Members = append(g.Members, m)
	return true
}

// Remove removes m. It returns true if m was a member.
func (g *ShareGroup[T]) Remove(m T) bool {
	for i, x := range g.Members {
		if x == m {
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			if i < g.next {
				g.next--
			}
			if g.next >= len(g.Members) {
				g.next = 0
			}
			return true
		}
	}
	return false
}

// IsEmpty returns true if the group has no members.
func (g *ShareGroup[T]) IsEmpty() bool {
	return len(g.Members) == 0
}

// IsShared returns true if the filter is a shared subscription.
func IsShared(filter string) bool {
	_, _, ok := ParseShared(filter)
	return ok
}
