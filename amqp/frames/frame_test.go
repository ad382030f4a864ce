// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frames

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04}
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeAMQP, 5, body))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeAMQP, f.Type)
	assert.Equal(t, uint16(5), f.Channel)
	assert.Equal(t, body, f.Body)
}

func TestEmptyFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEmptyFrame(&buf))
	assert.Equal(t, HeaderSize, buf.Len())

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.True(t, f.IsEmpty())
	assert.Equal(t, uint16(0), f.Channel)
}

func TestExtendedHeaderSkipped(t *testing.T) {
	raw := make([]byte, 16)
	binary.BigEndian.PutUint32(raw[0:4], 16)
	raw[4] = 3
	raw[5] = FrameTypeSASL
	copy(raw[8:12], []byte{0xde, 0xad, 0xbe, 0xef})
	copy(raw[12:], []byte{1, 2, 3, 4})

	f, err := ReadFrame(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, FrameTypeSASL, f.Type)
	assert.Equal(t, []byte{1, 2, 3, 4}, f.Body)
}

func TestFrameHeaderErrors(t *testing.T) {
	cases := []struct {
		name string
		size uint32
		doff byte
		max  uint32
		err  error
	}{
		{"size below header", 4, MinDOFF, 0, ErrInvalidFrame},
		{"doff below minimum", 8, 1, 0, ErrInvalidFrame},
		{"doff beyond size", 8, 3, 0, ErrInvalidFrame},
		{"too large", 1024, MinDOFF, 512, ErrFrameTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var raw [HeaderSize]byte
			binary.BigEndian.PutUint32(raw[0:4], tc.size)
			raw[4] = tc.doff
			_, err := ReadFrameLimit(bytes.NewReader(raw[:]), tc.max)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameTypeAMQP, 0, []byte{1, 2, 3}))
	_, err := ReadFrame(bytes.NewReader(buf.Bytes()[:buf.Len()-1]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestProtocolHeaderRoundTrip(t *testing.T) {
	for _, id := range []ProtocolID{ProtocolAMQP, ProtocolTLS, ProtocolSASL} {
		t.Run(id.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteProtocolHeader(&buf, id))
			assert.Equal(t, []byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0}, buf.Bytes())

			got, ok, err := ReadProtocolHeader(&buf)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, id, got)
		})
	}
}

func TestProtocolHeaderEOF(t *testing.T) {
	_, ok, err := ReadProtocolHeader(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ReadProtocolHeader(bytes.NewReader([]byte("AMQ")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, ok)
}

func TestProtocolHeaderInvalid(t *testing.T) {
	cases := map[string][]byte{
		"not amqp":    []byte("HTTP/1.1"),
		"bad version": {'A', 'M', 'Q', 'P', 0, 0, 9, 1},
		"unknown id":  {'A', 'M', 'Q', 'P', 7, 1, 0, 0},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok, err := ReadProtocolHeader(bytes.NewReader(raw))
			assert.ErrorIs(t, err, ErrInvalidProtocolHeader)
			assert.False(t, ok)
		})
	}
}

func TestDetectAMQP(t *testing.T) {
	assert.True(t, DetectAMQP([]byte("AMQP\x00\x01\x00\x00")))
	assert.False(t, DetectAMQP([]byte("MQTT")))
	assert.False(t, DetectAMQP([]byte("AM")))
}
