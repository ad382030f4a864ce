// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/sasl"
)

// Config configures the handshake and the connection parameters.
type Config struct {
	AMQP amqp.Config

	// Mechanisms are offered in order. Defaults to PLAIN and ANONYMOUS.
	Mechanisms []sasl.Mechanism

	// RequireSASL rejects peers that skip the SASL layer.
	RequireSASL bool
}

func (c Config) withDefaults() Config {
	c.AMQP = c.AMQP.WithDefaults()
	if len(c.Mechanisms) == 0 {
		c.Mechanisms = []sasl.Mechanism{sasl.Plain{}, sasl.Anonymous{}}
	}
	return c
}
