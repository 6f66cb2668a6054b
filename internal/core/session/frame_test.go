package session

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f frame) frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, f))
	out, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	return out
}

func TestFrameDataRoundTrip(t *testing.T) {
	f := roundTrip(t, frame{Type: frameData, Offset: 12345, Payload: []byte("hello")})
	assert.Equal(t, frameData, f.Type)
	assert.Equal(t, uint64(12345), f.Offset)
	assert.Equal(t, []byte("hello"), f.Payload)
}

func TestFrameAckRoundTrip(t *testing.T) {
	f := roundTrip(t, frame{Type: frameAck, Ack: 1 << 40})
	assert.Equal(t, uint64(1<<40), f.Ack)
}

func TestFrameResumeRoundTrip(t *testing.T) {
	sid := uuid.New()
	f := roundTrip(t, frame{Type: frameResume, Session: sid, SendNext: 100, RecvNext: 60})
	assert.Equal(t, sid, f.Session)
	assert.Equal(t, uint64(100), f.SendNext)
	assert.Equal(t, uint64(60), f.RecvNext)

	f = roundTrip(t, frame{Type: frameResumeAck, Session: sid, SendNext: 7, RecvNext: 3})
	assert.Equal(t, frameResumeAck, f.Type)
}

func TestFrameCloseRoundTrip(t *testing.T) {
	f := roundTrip(t, frame{Type: frameClose, Reason: closeReasonError})
	assert.Equal(t, closeReasonError, f.Reason)
}

func TestFramePingPong(t *testing.T) {
	assert.Equal(t, framePing, roundTrip(t, frame{Type: framePing}).Type)
	assert.Equal(t, framePong, roundTrip(t, frame{Type: framePong}).Type)
}

func TestReadFrameUnknownType(t *testing.T) {
	_, err := readFrame(bufio.NewReader(bytes.NewReader([]byte{0xEE})))
	assert.ErrorIs(t, err, errUnknownFrame)
}

func TestReadFrameOversized(t *testing.T) {
	// 手工构造声称超限长度的 DATA 帧
	var buf bytes.Buffer
	buf.WriteByte(frameData)
	buf.Write(varint.ToUvarint(0))                  // offset
	buf.Write(varint.ToUvarint(maxFramePayload + 1)) // 超限长度

	_, err := readFrame(bufio.NewReader(bytes.NewReader(buf.Bytes())))
	assert.ErrorIs(t, err, errOversizedFrame)
}
