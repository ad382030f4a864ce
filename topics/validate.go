// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidAddress = errors.New("invalid address: contains wildcards or illegal characters")
	ErrInvalidFilter  = errors.New("invalid filter: wildcards must be whole words")
)

// ValidateAddress checks that address can be published to.
func ValidateAddress(address string) error {
	if address == "" || !utf8.ValidString(address) || strings.ContainsRune(address, 0) {
		return ErrInvalidAddress
	}
	if HasWildcards(address) {
		return ErrInvalidAddress
	}
	return nil
}

// ValidateFilter checks that filter can be subscribed to.
func ValidateFilter(filter string) error {
	if filter == "" || !utf8.ValidString(filter) || strings.ContainsRune(filter, 0) {
		return ErrInvalidFilter
	}
	for _, w := range strings.Split(filter, Separator) {
		if w != SingleWildcard && w != MultiWildcard && strings.ContainsAny(w, "*#") {
			return ErrInvalidFilter
		}
	}
	return nil
}

// HasWildcards reports whether s contains a wildcard character.
func HasWildcards(s string) bool {
	return strings.ContainsAny(s, "*#")
}
