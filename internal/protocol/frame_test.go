package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	frame, err := Encode(KindCommand, "req-1", CommandPayload{
		Name: CommandSboOperate, NodeID: "SUB-001", BreakerID: "BRK-01", Action: "open",
	})
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(frame))

	got, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, KindCommand, got.Kind)
	assert.Equal(t, "req-1", got.RequestID)

	var cmd CommandPayload
	require.NoError(t, Decode(got, &cmd))
	assert.Equal(t, CommandSboOperate, cmd.Name)
	assert.Equal(t, "SUB-001", cmd.NodeID)
	assert.Equal(t, "BRK-01", cmd.BreakerID)
}

func TestWriteFrameStampsSentWhenZero(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteFrame(Frame{Kind: KindHeartbeat}))

	got, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)
	assert.False(t, got.Sent.IsZero())
	assert.WithinDuration(t, time.Now(), got.Sent, time.Minute)
}

func TestReadFrameRejectsOversizedLengthPrefix(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameBytes+1)
	buf.Write(hdr[:])

	_, err := NewReader(&buf).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.WriteString(`{"kind":"Heartbeat"`)

	_, err := NewReader(&buf).ReadFrame()
	assert.Error(t, err)
}

func TestDecodeEmptyPayload(t *testing.T) {
	var hb HelloPayload
	err := Decode(Frame{Kind: KindHeartbeat}, &hb)
	assert.Error(t, err)
}

func TestReaderHandlesBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := 0; i < 3; i++ {
		f, err := Encode(KindTelemetry, "", map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, w.WriteFrame(f))
	}

	r := NewReader(&buf)
	for i := 0; i < 3; i++ {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		var payload map[string]int
		require.NoError(t, Decode(got, &payload))
		assert.Equal(t, i, payload["seq"])
	}
}
