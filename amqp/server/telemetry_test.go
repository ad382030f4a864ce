// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestStats(t *testing.T) {
	s := NewStats()
	s.IncrementConnections()
	s.IncrementConnections()
	s.DecrementConnections()
	s.IncrementSessions()
	s.IncrementLinks()
	s.IncrementLinks()
	s.DecrementLinks()
	s.AddMessageReceived(10)
	s.AddMessageReceived(5)
	s.IncrementAuthErrors()

	assert.Equal(t, uint64(2), s.GetTotalConnections())
	assert.Equal(t, uint64(1), s.GetCurrentConnections())
	assert.Equal(t, uint64(1), s.GetDisconnections())
	assert.Equal(t, uint64(1), s.GetCurrentSessions())
	assert.Equal(t, uint64(1), s.GetCurrentLinks())
	assert.Equal(t, uint64(2), s.GetMessagesReceived())
	assert.Equal(t, uint64(15), s.GetBytesReceived())

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.AuthErrors)
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"bytes_received":15`)
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	assert.NotNil(t, m.connectionsTotal)
	assert.NotNil(t, m.handshakeDuration)

	// These should not panic
	m.RecordConnection(time.Millisecond)
	m.RecordDisconnection()
	m.RecordHandshakeFailure("codec")
	m.RecordControlFrame("flow")
	m.RecordMessageReceived(64)
	m.RecordSessionOpened()
	m.RecordSessionClosed()
	m.RecordLinkAttached()
	m.RecordLinkDetached()
	m.RecordError("protocol")
}

func TestMetricsRecordedPerConnection(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics()
	require.NoError(t, err)
	srv := New(Config{}, recorderFactory(newRecorder(nil)), nil)
	srv.SetMetrics(m)
	assert.Same(t, m, srv.getMetrics())

	p, done := serve(t, srv)
	p.open()
	p.begin(0)
	p.send(0, &performatives.Close{})
	expectPerf[*performatives.Close](p)
	require.NoError(t, wait(t, done))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), counter(t, rm, "amqp.connections.total"))
	assert.Equal(t, int64(1), counter(t, rm, "amqp.disconnections.total"))
	assert.Equal(t, int64(0), counter(t, rm, "amqp.connections.current"))
	assert.Equal(t, int64(0), counter(t, rm, "amqp.sessions.current"))
	assert.Equal(t, int64(1), counter(t, rm, "amqp.control_frames.total"))
}

// counter sums every data point of the int64 sum named name.
func counter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	require.FailNow(t, "metric not found", name)
	return 0
}
