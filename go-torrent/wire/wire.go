package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (*Message, error)

	// Writing
	SendHandshake(infoHash, peerID [20]byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error

	// Other
	LastMessageSent() time.Time
	Close() error
}

type wire struct {
	conn            net.Conn
	reader          *bufio.Reader
	pieceCount      int
	timeoutDuration time.Duration
	lastMessageSent *atomic.Time
	writeMu         sync.Mutex
}

// NewWire frames messages over conn. Writes time out after timeoutDuration;
// reads block until data arrives or conn is closed.
func NewWire(
	conn net.Conn,
	pieceCount int,
	timeoutDuration time.Duration) Wire {

	return &wire{
		conn:            conn,
		reader:          bufio.NewReader(conn),
		pieceCount:      pieceCount,
		timeoutDuration: timeoutDuration,
		lastMessageSent: atomic.NewTime(time.Time{}),
	}
}

func (w *wire) LastMessageSent() time.Time {
	return w.lastMessageSent.Load()
}

func (w *wire) Close() error {
	return w.conn.Close()
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	return ReadHandshake(w.reader)
}

func (w *wire) ReadMessage() (*Message, error) {
	return ReadMessage(w.reader, w.pieceCount)
}

func (w *wire) SendHandshake(infoHash, peerID [20]byte) error {
	return w.sendMessage(NewHandshake(infoHash, peerID).Serialize())
}

func (w *wire) SendKeepAlive() error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(0))
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendSignal(id MessageID) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1))
	binary.Write(b, binary.BigEndian, uint8(id))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendChoke() error {
	return w.sendSignal(CHOKE)
}

func (w *wire) SendUnchoke() error {
	return w.sendSignal(UNCHOKE)
}

func (w *wire) SendInterested() error {
	return w.sendSignal(INTERESTED)
}

func (w *wire) SendNotInterested() error {
	return w.sendSignal(NOT_INTERESTED)
}

func (w *wire) SendHave(pieceIndex int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(5))
	binary.Write(b, binary.BigEndian, uint8(HAVE))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendBitField(bitfield []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(1+len(bitfield)))
	binary.Write(b, binary.BigEndian, uint8(BITFIELD))
	binary.Write(b, binary.BigEndian, bitfield)
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendRange(id MessageID, pieceIndex, begin, length int) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(13))
	binary.Write(b, binary.BigEndian, uint8(id))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, int32(length))
	return w.sendMessage(b.Bytes())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.sendRange(REQUEST, pieceIndex, begin, length)
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.sendRange(CANCEL, pieceIndex, begin, length)
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, int32(9+len(block)))
	binary.Write(b, binary.BigEndian, uint8(BLOCK))
	binary.Write(b, binary.BigEndian, int32(pieceIndex))
	binary.Write(b, binary.BigEndian, int32(begin))
	binary.Write(b, binary.BigEndian, block)
	return w.sendMessage(b.Bytes())
}

func (w *wire) sendMessage(msg []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.lastMessageSent.Store(time.Now())
	if w.timeoutDuration > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	}
	_, err := w.conn.Write(msg)
	return err
}
