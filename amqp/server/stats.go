// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync/atomic"
	"time"
)

// Stats tracks connection statistics using atomic counters.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64
	handshakeFailures  atomic.Uint64
	authErrors         atomic.Uint64

	currentSessions atomic.Uint64
	currentLinks    atomic.Uint64

	messagesReceived atomic.Uint64
	bytesReceived    atomic.Uint64
	controlFrames    atomic.Uint64

	protocolErrors atomic.Uint64
	serviceErrors  atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) IncrementHandshakeFailures() { s.handshakeFailures.Add(1) }
func (s *Stats) IncrementAuthErrors()        { s.authErrors.Add(1) }
func (s *Stats) IncrementSessions()          { s.currentSessions.Add(1) }
func (s *Stats) DecrementSessions()          { s.currentSessions.Add(^uint64(0)) }
func (s *Stats) IncrementLinks()             { s.currentLinks.Add(1) }
func (s *Stats) DecrementLinks()             { s.currentLinks.Add(^uint64(0)) }
func (s *Stats) IncrementControlFrames()     { s.controlFrames.Add(1) }
func (s *Stats) IncrementProtocolErrors()    { s.protocolErrors.Add(1) }
func (s *Stats) IncrementServiceErrors()     { s.serviceErrors.Add(1) }

func (s *Stats) AddMessageReceived(size int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(uint64(size))
}

func (s *Stats) GetTotalConnections() uint64   { return s.totalConnections.Load() }
func (s *Stats) GetCurrentConnections() uint64 { return s.currentConnections.Load() }
func (s *Stats) GetDisconnections() uint64     { return s.disconnections.Load() }
func (s *Stats) GetHandshakeFailures() uint64  { return s.handshakeFailures.Load() }
func (s *Stats) GetAuthErrors() uint64         { return s.authErrors.Load() }
func (s *Stats) GetCurrentSessions() uint64    { return s.currentSessions.Load() }
func (s *Stats) GetCurrentLinks() uint64       { return s.currentLinks.Load() }
func (s *Stats) GetMessagesReceived() uint64   { return s.messagesReceived.Load() }
func (s *Stats) GetBytesReceived() uint64      { return s.bytesReceived.Load() }
func (s *Stats) GetControlFrames() uint64      { return s.controlFrames.Load() }
func (s *Stats) GetProtocolErrors() uint64     { return s.protocolErrors.Load() }
func (s *Stats) GetServiceErrors() uint64      { return s.serviceErrors.Load() }
func (s *Stats) GetUptime() time.Duration      { return time.Since(s.startTime) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	TotalConnections   uint64  `json:"total_connections"`
	CurrentConnections uint64  `json:"current_connections"`
	Disconnections     uint64  `json:"disconnections"`
	HandshakeFailures  uint64  `json:"handshake_failures"`
	AuthErrors         uint64  `json:"auth_errors"`
	CurrentSessions    uint64  `json:"current_sessions"`
	CurrentLinks       uint64  `json:"current_links"`
	MessagesReceived   uint64  `json:"messages_received"`
	BytesReceived      uint64  `json:"bytes_received"`
	ControlFrames      uint64  `json:"control_frames"`
	ProtocolErrors     uint64  `json:"protocol_errors"`
	ServiceErrors      uint64  `json:"service_errors"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalConnections:   s.GetTotalConnections(),
		CurrentConnections: s.GetCurrentConnections(),
		Disconnections:     s.GetDisconnections(),
		HandshakeFailures:  s.GetHandshakeFailures(),
		AuthErrors:         s.GetAuthErrors(),
		CurrentSessions:    s.GetCurrentSessions(),
		CurrentLinks:       s.GetCurrentLinks(),
		MessagesReceived:   s.GetMessagesReceived(),
		BytesReceived:      s.GetBytesReceived(),
		ControlFrames:      s.GetControlFrames(),
		ProtocolErrors:     s.GetProtocolErrors(),
		ServiceErrors:      s.GetServiceErrors(),
		UptimeSeconds:      s.GetUptime().Seconds(),
	}
}
