// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth verifies the credentials established by a SASL exchange.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnavailable is returned when the credential back end cannot answer.
	ErrUnavailable = errors.New("authenticator unavailable")
	ErrEmptyUser   = errors.New("empty username")
)

// Authenticator validates user credentials. A false result with a nil error
// is a rejection; an error means the check itself failed.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, username, password string) (bool, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, username, password string) (bool, error) {
	return f(ctx, username, password)
}

// Static authenticates against a fixed user list. Passwords starting with
// "$2" are treated as bcrypt hashes.
type Static struct {
	users map[string]string
}

var _ Authenticator = (*Static)(nil)

// NewStatic copies users into a Static authenticator.
func NewStatic(users map[string]string) *Static {
	s := &Static{users: make(map[string]string, len(users))}
	for u, p := range users {
		s.users[u] = p
	}
	return s
}

func (s *Static) Authenticate(_ context.Context, username, password string) (bool, error) {
	want, ok := s.users[username]
	if !ok {
		return false, nil
	}
	return checkPassword(want, password), nil
}

func checkPassword(stored, password string) bool {
	if isHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

func isHash(s string) bool {
	return strings.HasPrefix(s, "$2")
}
