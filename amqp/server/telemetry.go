// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"time"
)

// telemetry feeds Stats and, when enabled, Metrics.
type telemetry struct {
	stats   *Stats
	metrics *Metrics // nil if OTel disabled
}

func (t telemetry) connected(handshake time.Duration) {
	t.stats.IncrementConnections()
	if t.metrics != nil {
		t.metrics.RecordConnection(handshake)
	}
}

func (t telemetry) disconnected() {
	t.stats.DecrementConnections()
	if t.metrics != nil {
		t.metrics.RecordDisconnection()
	}
}

func (t telemetry) handshakeFailed(err error) {
	t.stats.IncrementHandshakeFailures()
	var se *SASLError
	if errors.As(err, &se) && se.Kind == Authentication {
		t.stats.IncrementAuthErrors()
	}
	if t.metrics != nil {
		t.metrics.RecordHandshakeFailure(handshakeFailure(err))
	}
}

func (t telemetry) sessionOpened() {
	t.stats.IncrementSessions()
	if t.metrics != nil {
		t.metrics.RecordSessionOpened()
	}
}

func (t telemetry) sessionClosed() {
	t.stats.DecrementSessions()
	if t.metrics != nil {
		t.metrics.RecordSessionClosed()
	}
}

func (t telemetry) linkAttached() {
	t.stats.IncrementLinks()
	if t.metrics != nil {
		t.metrics.RecordLinkAttached()
	}
}

func (t telemetry) linkDetached() {
	t.stats.DecrementLinks()
	if t.metrics != nil {
		t.metrics.RecordLinkDetached()
	}
}

func (t telemetry) controlFrame(kind string) {
	t.stats.IncrementControlFrames()
	if t.metrics != nil {
		t.metrics.RecordControlFrame(kind)
	}
}

func (t telemetry) messageReceived(size int) {
	t.stats.AddMessageReceived(size)
	if t.metrics != nil {
		t.metrics.RecordMessageReceived(int64(size))
	}
}

func (t telemetry) protocolError() {
	t.stats.IncrementProtocolErrors()
	if t.metrics != nil {
		t.metrics.RecordError("protocol")
	}
}

func (t telemetry) serviceError() {
	t.stats.IncrementServiceErrors()
	if t.metrics != nil {
		t.metrics.RecordError("service")
	}
}
