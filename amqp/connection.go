// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package amqp holds the live state of an AMQP 1.0 connection after the
// handshake: sessions, links and the control frames that report their
// lifecycle.
//
// Nothing in this package locks. A Connection and everything reachable from
// it belongs to the goroutine that reads its frames.
package amqp

import (
	"log/slog"
	"net"
	"time"

	"github.com/absmach/fluxamqp/amqp/cell"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/transport"
)

// Connection is a negotiated AMQP connection.
type Connection struct {
	t        *transport.AMQPFramed
	local    Config
	remote   *performatives.Open
	sessions *Sessions
	logger   *slog.Logger

	maxFrameSize uint32
	channelMax   uint16
	idleTimeout  time.Duration
}

// NewConnection combines the local configuration with the peer's Open.
// Frame size and channel limits are the smaller of both sides.
func NewConnection(t *transport.AMQPFramed, local Config, remote *performatives.Open, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		t:            t,
		local:        local,
		remote:       remote,
		sessions:     newSessions(),
		logger:       logger,
		maxFrameSize: min(local.MaxFrameSize, remote.MaxFrameSize),
		channelMax:   min(local.ChannelMax, remote.ChannelMax),
		idleTimeout:  time.Duration(remote.IdleTimeOut) * time.Millisecond,
	}
	t.SetMaxOutgoingFrameSize(c.maxFrameSize)
	return c
}

// RemoteOpen returns the Open the peer sent.
func (c *Connection) RemoteOpen() *performatives.Open { return c.remote }

// ContainerID returns the peer's container id.
func (c *Connection) ContainerID() string { return c.remote.ContainerID }

// MaxFrameSize returns the negotiated max frame size.
func (c *Connection) MaxFrameSize() uint32 { return c.maxFrameSize }

// ChannelMax returns the negotiated highest channel number.
func (c *Connection) ChannelMax() uint16 { return c.channelMax }

// IdleTimeout returns the peer's requested idle timeout. It is not enforced here.
func (c *Connection) IdleTimeout() time.Duration { return c.idleTimeout }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.t.RemoteAddr() }

// Sessions returns the session arena.
func (c *Connection) Sessions() *Sessions { return c.sessions }

// Transport returns the AMQP framed transport.
func (c *Connection) Transport() *transport.AMQPFramed { return c.t }

// ReadFrame reads the next performative.
func (c *Connection) ReadFrame() (uint16, performatives.Performative, error) {
	return c.t.ReadFrame()
}

// Begin creates a session for a Begin received on remoteCh and replies on
// a newly allocated local channel.
func (c *Connection) Begin(remoteCh uint16, b *performatives.Begin) (*cell.Cell[Session], error) {
	if b.RemoteChannel != nil {
		return nil, Violation(performatives.ErrNotAllowed, "begin on channel %d answers a session this container never started", remoteCh)
	}
	if remoteCh > c.channelMax {
		return nil, Violation(performatives.ErrNotAllowed, "channel %d exceeds channel-max %d", remoteCh, c.channelMax)
	}
	if existing, ok := c.sessions.ByRemoteChannel(remoteCh); ok {
		existing.Release()
		return nil, Violation(performatives.ErrNotAllowed, "channel %d already has a session", remoteCh)
	}
	local, ok := c.sessions.freeLocalChannel(c.channelMax)
	if !ok {
		return nil, Violation(performatives.ErrResourceLimitExceeded, "no free channel below %d", c.channelMax)
	}

	s := newSession(c, local, remoteCh, min(c.local.HandleMax, b.HandleMax))
	s.initWindows(b)
	sc := c.sessions.insert(s)

	reply := &performatives.Begin{
		RemoteChannel:  &remoteCh,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	if err := c.t.WritePerformative(local, reply); err != nil {
		id := sc.Get().id
		sc.Release()
		c.sessions.Remove(id)
		return nil, err
	}
	c.logger.Debug("session begun", slog.Int("channel", int(remoteCh)), slog.Int("local_channel", int(local)))
	return sc, nil
}

// End removes the session and replies with End. Stale link handles fail
// with ErrSessionGone afterwards.
func (c *Connection) End(s *Session, e *performatives.Error) error {
	local := s.localCh
	c.sessions.Remove(s.id)
	return c.t.WritePerformative(local, &performatives.End{Error: e})
}

// Close sends Close with an optional error.
func (c *Connection) Close(e *performatives.Error) error {
	return c.t.WritePerformative(0, &performatives.Close{Error: e})
}

// Shutdown removes every session. Used once the dispatch loop has stopped.
func (c *Connection) Shutdown() {
	for _, id := range c.sessions.ids() {
		c.sessions.Remove(id)
	}
}
