// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics matches AMQP node addresses against subscription filters.
// Addresses are dot-separated words. In a filter, '*' matches exactly one
// word and '#' matches zero or more words.
package topics

import "strings"

const (
	Separator      = "."
	SingleWildcard = "*"
	MultiWildcard  = "#"
)

// Match reports whether address matches filter.
func Match(filter, address string) bool {
	if filter == "" || address == "" {
		return false
	}
	if filter == address {
		return true
	}
	return matchWords(strings.Split(filter, Separator), strings.Split(address, Separator))
}

func matchWords(filter, address []string) bool {
	for len(filter) > 0 {
		switch filter[0] {
		case MultiWildcard:
			rest := filter[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(address); i++ {
				if matchWords(rest, address[i:]) {
					return true
				}
			}
			return false
		case SingleWildcard:
			if len(address) == 0 {
				return false
			}
		default:
			if len(address) == 0 || filter[0] != address[0] {
				return false
			}
		}
		filter, address = filter[1:], address[1:]
	}
	return len(address) == 0
}
