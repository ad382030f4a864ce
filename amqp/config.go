// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"math"
	"time"

	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/types"
	"github.com/google/uuid"
)

const (
	DefaultChannelMax = 255
	DefaultHandleMax  = 1023
	DefaultLinkCredit = 100

	defaultWindow = 65535
)

// Config holds the local connection parameters announced in Open and Begin.
type Config struct {
	ContainerID    string
	Hostname       string
	MaxFrameSize   uint32
	ChannelMax     uint16
	IdleTimeout    time.Duration
	HandleMax      uint32
	LinkCredit     uint32
	MaxMessageSize uint64 // 0 = unlimited
	Properties     map[types.Symbol]any
}

// DefaultConfig returns the default local parameters. The container id is
// left empty and generated by WithDefaults.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize: frames.DefaultMaxFrameSize,
		ChannelMax:   DefaultChannelMax,
		HandleMax:    DefaultHandleMax,
		LinkCredit:   DefaultLinkCredit,
	}
}

// WithDefaults fills unset fields. An empty container id becomes a random UUID.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ContainerID == "" {
		c.ContainerID = uuid.NewString()
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.MaxFrameSize < frames.MinFrameSize {
		c.MaxFrameSize = frames.MinFrameSize
	}
	if c.ChannelMax == 0 {
		c.ChannelMax = d.ChannelMax
	}
	if c.HandleMax == 0 {
		c.HandleMax = d.HandleMax
	}
	if c.LinkCredit == 0 {
		c.LinkCredit = d.LinkCredit
	}
	return c
}

// Open builds the local Open performative.
func (c Config) Open() *performatives.Open {
	idle := c.IdleTimeout.Milliseconds()
	if idle > math.MaxUint32 {
		idle = math.MaxUint32
	}
	return &performatives.Open{
		ContainerID:  c.ContainerID,
		Hostname:     c.Hostname,
		MaxFrameSize: c.MaxFrameSize,
		ChannelMax:   c.ChannelMax,
		IdleTimeOut:  uint32(idle),
		Properties:   c.Properties,
	}
}
