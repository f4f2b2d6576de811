package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id MessageID, body ...byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(body)))
	b.WriteByte(byte(id))
	b.Write(body)
	return b.Bytes()
}

func TestHandshakeLayout(t *testing.T) {
	var infoHash, peerID [20]byte
	infoHash[0], peerID[19] = 0xaa, 0xbb
	data := NewHandshake(infoHash, peerID).Serialize()
	require.Len(t, data, HANDSHAKE_LENGTH)
	assert.Equal(t, byte(19), data[0])
	assert.Equal(t, PROTOCOL, string(data[1:20]))
	assert.Equal(t, make([]byte, 8), data[20:28])
	assert.Equal(t, byte(0xaa), data[28])
	assert.Equal(t, byte(0xbb), data[67])

	h, err := ReadHandshake(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, infoHash, h.InfoHash)
	assert.Equal(t, peerID, h.PeerID)

	data[5] = 'x'
	_, err = ReadHandshake(bytes.NewReader(data))
	assert.True(t, errors.Is(err, ErrProtocolViolation))
}

func TestReadMessage(t *testing.T) {
	m, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}), 10)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = ReadMessage(bytes.NewReader(frame(HAVE, 0, 0, 1, 2)), 10)
	require.NoError(t, err)
	assert.Equal(t, HAVE, m.ID)
	assert.Equal(t, 258, m.Index)

	m, err = ReadMessage(bytes.NewReader(frame(REQUEST, 0, 0, 0, 1, 0, 0, 0x40, 0, 0, 0, 0x40, 0)), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, 16384, m.Begin)
	assert.Equal(t, 16384, m.Length)

	m, err = ReadMessage(bytes.NewReader(frame(BLOCK, 0, 0, 0, 3, 0, 0, 0, 0, 'a', 'b')), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Index)
	assert.Equal(t, []byte("ab"), m.Block)

	m, err = ReadMessage(bytes.NewReader(frame(BITFIELD, 0xff, 0xc0)), 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xc0}, m.Bitfield)

	m, err = ReadMessage(bytes.NewReader(frame(MessageID(20), 1, 2, 3)), 10)
	require.NoError(t, err)
	assert.False(t, m.Known())
}

func TestReadMessageViolations(t *testing.T) {
	cases := map[string][]byte{
		"choke with payload": frame(CHOKE, 1),
		"short have":         frame(HAVE, 0, 0, 1),
		"long request":       frame(REQUEST, make([]byte, 13)...),
		"short cancel":       frame(CANCEL, make([]byte, 11)...),
		"bitfield too short": frame(BITFIELD, 0xff),
		"bitfield too long":  frame(BITFIELD, 0xff, 0, 0),
		"truncated piece":    frame(BLOCK, 0, 0, 0, 1),
		"port with 3 bytes":  frame(PORT, 1, 2, 3),
		"oversized frame":    {0x7f, 0, 0, 0},
	}
	for name, data := range cases {
		_, err := ReadMessage(bytes.NewReader(data), 10)
		assert.True(t, errors.Is(err, ErrProtocolViolation), name)
	}
}

func TestBitfieldPacking(t *testing.T) {
	has := bitmap.New(10)
	has.Set(0, true)
	has.Set(7, true)
	has.Set(9, true)
	packed := PackBitfield(has, 10)
	assert.Equal(t, []byte{0x81, 0x40}, packed)

	// spare bits are ignored
	unpacked := UnpackBitfield([]byte{0x81, 0x7f}, 10)
	for i := 0; i < 10; i++ {
		assert.Equal(t, i == 0 || i == 7 || i == 9, unpacked.Get(i), i)
	}
}

func TestWireSends(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	w := NewWire(local, 10, time.Second)
	r := NewWire(remote, 10, time.Second)
	defer w.Close()

	go func() {
		w.SendKeepAlive()
		w.SendInterested()
		w.SendHave(4)
		w.SendRequest(1, 16384, 100)
		w.SendCancel(1, 16384, 100)
		w.SendBlock(2, 0, []byte("xyz"))
		w.SendBitField([]byte{0x80, 0x00})
	}()

	m, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Nil(t, m)
	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, INTERESTED, m.ID)
	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Message{ID: HAVE, Index: 4}, m)
	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Message{ID: REQUEST, Index: 1, Begin: 16384, Length: 100}, m)
	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Message{ID: CANCEL, Index: 1, Begin: 16384, Length: 100}, m)
	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, &Message{ID: BLOCK, Index: 2, Block: []byte("xyz")}, m)
	m, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x00}, m.Bitfield)
	assert.False(t, w.LastMessageSent().IsZero())
}
