// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for AMQP connections.
type Metrics struct {
	meter metric.Meter

	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	handshakeFailures   metric.Int64Counter
	controlFrames       metric.Int64Counter
	messagesReceived    metric.Int64Counter
	bytesReceived       metric.Int64Counter
	errorsTotal         metric.Int64Counter

	connectionsCurrent metric.Int64UpDownCounter
	sessionsCurrent    metric.Int64UpDownCounter
	linksCurrent       metric.Int64UpDownCounter

	handshakeDuration metric.Float64Histogram
	messageSize       metric.Int64Histogram
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxamqp"),
	}

	var err error

	if m.connectionsTotal, err = m.meter.Int64Counter(
		"amqp.connections.total",
		metric.WithDescription("Total number of accepted AMQP connections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp connectionsTotal counter: %w", err)
	}

	if m.disconnectionsTotal, err = m.meter.Int64Counter(
		"amqp.disconnections.total",
		metric.WithDescription("Total number of AMQP disconnections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp disconnectionsTotal counter: %w", err)
	}

	if m.handshakeFailures, err = m.meter.Int64Counter(
		"amqp.handshake.failures.total",
		metric.WithDescription("Failed AMQP handshakes by reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp handshakeFailures counter: %w", err)
	}

	if m.controlFrames, err = m.meter.Int64Counter(
		"amqp.control_frames.total",
		metric.WithDescription("Control frames delivered to link services by kind"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp controlFrames counter: %w", err)
	}

	if m.messagesReceived, err = m.meter.Int64Counter(
		"amqp.messages.received.total",
		metric.WithDescription("Total AMQP deliveries received from clients"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp messagesReceived counter: %w", err)
	}

	if m.bytesReceived, err = m.meter.Int64Counter(
		"amqp.bytes.received.total",
		metric.WithDescription("Total AMQP delivery bytes received"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp bytesReceived counter: %w", err)
	}

	if m.errorsTotal, err = m.meter.Int64Counter(
		"amqp.errors.total",
		metric.WithDescription("Total AMQP errors by type"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp errorsTotal counter: %w", err)
	}

	if m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"amqp.connections.current",
		metric.WithDescription("Current number of open AMQP connections"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp connectionsCurrent gauge: %w", err)
	}

	if m.sessionsCurrent, err = m.meter.Int64UpDownCounter(
		"amqp.sessions.current",
		metric.WithDescription("Current number of active AMQP sessions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp sessionsCurrent gauge: %w", err)
	}

	if m.linksCurrent, err = m.meter.Int64UpDownCounter(
		"amqp.links.current",
		metric.WithDescription("Current number of attached AMQP links"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp linksCurrent gauge: %w", err)
	}

	if m.handshakeDuration, err = m.meter.Float64Histogram(
		"amqp.handshake.duration",
		metric.WithDescription("Time from accept to Open exchange"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp handshakeDuration histogram: %w", err)
	}

	if m.messageSize, err = m.meter.Int64Histogram(
		"amqp.message.size.bytes",
		metric.WithDescription("AMQP delivery payload size distribution"),
	); err != nil {
		return nil, fmt.Errorf("failed to create amqp messageSize histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordConnection(handshake time.Duration) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
	m.handshakeDuration.Record(ctx, handshake.Seconds())
}

func (m *Metrics) RecordDisconnection() {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.handshakeFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *Metrics) RecordControlFrame(kind string) {
	m.controlFrames.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordMessageReceived(sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, sizeBytes)
	m.messageSize.Record(ctx, sizeBytes)
}

func (m *Metrics) RecordSessionOpened() {
	m.sessionsCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordSessionClosed() {
	m.sessionsCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordLinkAttached() {
	m.linksCurrent.Add(context.Background(), 1)
}

func (m *Metrics) RecordLinkDetached() {
	m.linksCurrent.Add(context.Background(), -1)
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
