// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sasl implements the SASL frames used in front of an AMQP 1.0
// connection and the PLAIN and ANONYMOUS mechanisms.
package sasl

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/absmach/fluxamqp/amqp/types"
)

// Mechanism names.
const (
	MechPLAIN     types.Symbol = "PLAIN"
	MechANONYMOUS types.Symbol = "ANONYMOUS"
)

// ErrInvalidResponse is returned by a mechanism for a malformed client response.
var ErrInvalidResponse = errors.New("invalid sasl response")

// Credentials are the identity established by a SASL exchange.
type Credentials struct {
	Mechanism types.Symbol
	AuthzID   string
	Username  string
	Password  string
	Hostname  string
}

// Anonymous reports whether no identity was proven.
func (c *Credentials) Anonymous() bool {
	return c.Mechanism == MechANONYMOUS
}

// Mechanism is a server-side SASL mechanism.
type Mechanism interface {
	Name() types.Symbol
	// Start begins a new exchange for one connection.
	Start(hostname string) Exchange
}

// Exchange is a single authentication attempt. Next is called first with the
// initial response (possibly nil) and then with every sasl-response. It either
// returns a challenge to send to the client or the final credentials.
type Exchange interface {
	Next(response []byte) (challenge []byte, creds *Credentials, err error)
}

// Plain is the PLAIN mechanism (RFC 4616).
type Plain struct{}

func (Plain) Name() types.Symbol { return MechPLAIN }

func (Plain) Start(hostname string) Exchange {
	return &plainExchange{hostname: hostname}
}

type plainExchange struct {
	hostname   string
	challenged bool
}

func (e *plainExchange) Next(response []byte) ([]byte, *Credentials, error) {
	// Without an initial response the server sends an empty challenge once.
	if len(response) == 0 && !e.challenged {
		e.challenged = true
		return []byte{}, nil, nil
	}
	authzID, username, password, err := ParsePLAIN(response)
	if err != nil {
		return nil, nil, err
	}
	return nil, &Credentials{
		Mechanism: MechPLAIN,
		AuthzID:   authzID,
		Username:  username,
		Password:  password,
		Hostname:  e.hostname,
	}, nil
}

// ParsePLAIN parses a PLAIN message: [authzid] NUL authcid NUL passwd.
func ParsePLAIN(response []byte) (authzID, username, password string, err error) {
	if len(response) == 0 {
		return "", "", "", fmt.Errorf("%w: empty PLAIN response", ErrInvalidResponse)
	}

	parts := bytes.Split(response, []byte{0})
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: expected 3 PLAIN fields, got %d", ErrInvalidResponse, len(parts))
	}
	if len(parts[1]) == 0 {
		return "", "", "", fmt.Errorf("%w: empty PLAIN username", ErrInvalidResponse)
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}

// Anonymous is the ANONYMOUS mechanism (RFC 4505). The optional trace
// string is reported as the username.
type Anonymous struct{}

func (Anonymous) Name() types.Symbol { return MechANONYMOUS }

func (Anonymous) Start(hostname string) Exchange {
	return anonymousExchange(hostname)
}

type anonymousExchange string

func (e anonymousExchange) Next(response []byte) ([]byte, *Credentials, error) {
	return nil, &Credentials{
		Mechanism: MechANONYMOUS,
		Username:  string(response),
		Hostname:  string(e),
	}, nil
}

// Lookup returns the mechanism named name from mechs.
func Lookup(mechs []Mechanism, name types.Symbol) (Mechanism, bool) {
	for _, m := range mechs {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Names returns the names of mechs in order.
func Names(mechs []Mechanism) []types.Symbol {
	names := make([]types.Symbol, len(mechs))
	for i, m := range mechs {
		names[i] = m.Name()
	}
	return names
}

// ByName builds mechanisms from configured names.
func ByName(names []string) ([]Mechanism, error) {
	mechs := make([]Mechanism, 0, len(names))
	for _, n := range names {
		switch types.Symbol(n) {
		case MechPLAIN:
			mechs = append(mechs, Plain{})
		case MechANONYMOUS:
			mechs = append(mechs, Anonymous{})
		default:
			return nil, fmt.Errorf("unsupported sasl mechanism %q", n)
		}
	}
	return mechs, nil
}
