// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// feed writes raw to the peer end of a pipe and then closes it.
func feed(t *testing.T, raw []byte) *ProtocolIDFramed {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close() })
	go func() {
		client.Write(raw)
		client.Close()
	}()
	return New(server)
}

func frameBytes(t *testing.T, typ byte, channel uint16, body []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, frames.WriteFrame(&buf, typ, channel, body))
	return buf.Bytes()
}

func encode(t *testing.T, e interface{ Encode() ([]byte, error) }) []byte {
	t.Helper()
	b, err := e.Encode()
	require.NoError(t, err)
	return b
}

func TestFramingStages(t *testing.T) {
	var raw bytes.Buffer
	sasl3 := frames.ProtocolSASL.Header()
	amqp0 := frames.ProtocolAMQP.Header()
	raw.Write(sasl3[:])
	raw.Write(frameBytes(t, frames.FrameTypeSASL, 0, encode(t, &sasl.Init{Mechanism: sasl.MechANONYMOUS})))
	raw.Write(amqp0[:])
	raw.Write(frameBytes(t, frames.FrameTypeAMQP, 0, nil)) // heartbeat
	raw.Write(frameBytes(t, frames.FrameTypeAMQP, 0, encode(t, &performatives.Open{ContainerID: "c"})))

	pid := feed(t, raw.Bytes())
	id, ok, err := pid.ReadProtocolID()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, frames.ProtocolSASL, id)

	st := pid.IntoSASL()
	_, _, err = pid.ReadProtocolID()
	assert.ErrorIs(t, err, ErrConsumed)
	assert.Panics(t, func() { pid.IntoAMQP(0) })

	f, err := st.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, &sasl.Init{Mechanism: sasl.MechANONYMOUS}, f)

	pid = st.IntoProtocolID()
	_, err = st.ReadFrame()
	assert.ErrorIs(t, err, ErrConsumed)

	id, ok, err = pid.ReadProtocolID()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, frames.ProtocolAMQP, id)

	at := pid.IntoAMQP(frames.DefaultMaxFrameSize)
	ch, p, err := at.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint16(0), ch)
	assert.Equal(t, "c", p.(*performatives.Open).ContainerID)

	_, _, err = at.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWrongFrameType(t *testing.T) {
	pid := feed(t, frameBytes(t, frames.FrameTypeSASL, 0, encode(t, &sasl.Outcome{})))
	_, _, err := pid.IntoAMQP(0).ReadFrame()
	assert.ErrorIs(t, err, ErrUnexpectedFrameType)

	pid = feed(t, frameBytes(t, frames.FrameTypeAMQP, 0, encode(t, &performatives.Close{})))
	_, err = pid.IntoSASL().ReadFrame()
	assert.ErrorIs(t, err, ErrUnexpectedFrameType)
}

func TestInboundFrameLimit(t *testing.T) {
	big := frameBytes(t, frames.FrameTypeAMQP, 0, make([]byte, 1024))
	_, _, err := feed(t, big).IntoAMQP(frames.MinFrameSize).ReadFrame()
	assert.ErrorIs(t, err, frames.ErrFrameTooLarge)
}

func TestEOFBeforeHeader(t *testing.T) {
	_, ok, err := feed(t, nil).ReadProtocolID()
	require.NoError(t, err)
	assert.False(t, ok)
}

// collect reads every frame written to the client end of a pipe.
func collect(t *testing.T, client net.Conn) <-chan []*frames.Frame {
	out := make(chan []*frames.Frame, 1)
	go func() {
		var got []*frames.Frame
		for {
			f, err := frames.ReadFrame(client)
			if err != nil {
				out <- got
				return
			}
			got = append(got, f)
		}
	}()
	return out
}

func TestWriteTransferSplitsPayload(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	done := collect(t, client)

	at := New(server).IntoAMQP(0)
	at.SetMaxOutgoingFrameSize(frames.MinFrameSize)

	payload := bytes.Repeat([]byte("0123456789"), 200)
	id := uint32(4)
	tr := &performatives.Transfer{Handle: 2, DeliveryID: &id, DeliveryTag: []byte{1}, Settled: true}
	require.NoError(t, at.WriteTransfer(3, tr, payload))
	require.NoError(t, at.WritePerformative(3, &performatives.End{}))
	server.Close()

	got := <-done
	require.Greater(t, len(got), 3)

	var reassembled []byte
	for i, f := range got[:len(got)-1] {
		assert.LessOrEqual(t, len(f.Body)+frames.HeaderSize, int(frames.MinFrameSize))
		assert.Equal(t, uint16(3), f.Channel)
		p, err := performatives.Decode(f.Body)
		require.NoError(t, err)
		part := p.(*performatives.Transfer)
		assert.Equal(t, uint32(2), part.Handle)
		assert.Equal(t, i < len(got)-2, part.More, "frame %d", i)
		if i == 0 {
			assert.Equal(t, uint32(4), *part.DeliveryID)
			assert.True(t, part.Settled)
		}
		reassembled = append(reassembled, part.Payload...)
	}
	assert.Equal(t, payload, reassembled)
	assert.False(t, tr.More, "caller's transfer must not be modified")
}

func TestWriteTransferSingleFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	done := collect(t, client)

	at := New(server).IntoAMQP(0)
	require.NoError(t, at.WriteTransfer(0, &performatives.Transfer{Handle: 1}, []byte("hi")))
	server.Close()

	got := <-done
	require.Len(t, got, 1)
	p, err := performatives.Decode(got[0].Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), p.(*performatives.Transfer).Payload)
}

func TestWritePerformativeTooLarge(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	at := New(server).IntoAMQP(0)
	at.SetMaxOutgoingFrameSize(frames.MinFrameSize)
	err := at.WritePerformative(0, &performatives.Open{
		ContainerID: string(bytes.Repeat([]byte("x"), 600)),
	})
	assert.ErrorIs(t, err, frames.ErrFrameTooLarge)
}
