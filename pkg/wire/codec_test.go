package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).WriteFrame(payload))
	return buf.Bytes()
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"command":"SECURE_INIT","client_public_key":"abc"}`)

	dec := NewDecoder(bytes.NewReader(frameBytes(t, payload)))
	got, err := dec.ReadFrame(MaxHandshakeLen)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameLayout(t *testing.T) {
	raw := frameBytes(t, []byte("hello"))

	assert.Equal(t, byte(0x00), raw[0])
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
	assert.Equal(t, uint32(len(encoded)), binary.BigEndian.Uint32(raw[1:5]))
	assert.Equal(t, encoded, string(raw[5:]))
}

func TestReadFrame_BadMagic(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte{0x7b, 0x22}))

	_, err := dec.ReadFrame(MaxHandshakeLen)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrame_OversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x00)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxHandshakeLen+1)
	buf.Write(header[:])

	_, err := NewDecoder(&buf).ReadFrame(MaxHandshakeLen)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrame_EOFBeforeFrame(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil)).ReadFrame(MaxHandshakeLen)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, "Connection closed by server", err.Error())
}

func TestReadFrame_TruncatedAfterMagic(t *testing.T) {
	raw := frameBytes(t, []byte("truncate me"))

	for _, cut := range []int{1, 3, len(raw) - 2} {
		_, err := NewDecoder(bytes.NewReader(raw[:cut])).ReadFrame(MaxHandshakeLen)
		assert.ErrorIs(t, err, ErrProtocol, "cut at %d", cut)
	}
}

func TestReadFrame_InvalidBase64(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x00)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 4)
	buf.Write(header[:])
	buf.WriteString("$$$$")

	_, err := NewDecoder(&buf).ReadFrame(MaxHandshakeLen)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrame_CarryOverBetweenFrames(t *testing.T) {
	// Handshake reply and the first encrypted record arriving in one read
	// segment must both decode via the same decoder.
	first := []byte(`{"command":"SECURE_ACK","status":"OK"}`)
	second := []byte("opaque-record-bytes")

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteFrame(first))
	require.NoError(t, enc.WriteFrame(second))

	dec := NewDecoder(bytes.NewReader(buf.Bytes()))

	got, err := dec.ReadFrame(MaxHandshakeLen)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = dec.ReadFrame(MaxRecordLen)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestLineRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).WriteLine(map[string]string{"command": "TUNNEL"}))

	line, err := NewDecoder(&buf).ReadLine()
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "TUNNEL", decoded["command"])
}

func TestReadLine_CRLF(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte("{\"a\":1}\r\n")))

	line, err := dec.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))
}

func TestReadLine_EOF(t *testing.T) {
	_, err := NewDecoder(bytes.NewReader(nil)).ReadLine()
	assert.ErrorIs(t, err, ErrClosed)

	_, err = NewDecoder(bytes.NewReader([]byte(`{"a":`))).ReadLine()
	assert.ErrorIs(t, err, ErrProtocol)
}
