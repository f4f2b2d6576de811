package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	CHOKE          MessageID = 0
	UNCHOKE        MessageID = 1
	INTERESTED     MessageID = 2
	NOT_INTERESTED MessageID = 3
	HAVE           MessageID = 4
	BITFIELD       MessageID = 5
	REQUEST        MessageID = 6
	BLOCK          MessageID = 7
	CANCEL         MessageID = 8
	PORT           MessageID = 9
)

const (
	PROTOCOL         = "BitTorrent protocol"
	HANDSHAKE_LENGTH = 68 // 1 + 19 + 8 + 20 + 20
	MAX_BLOCK_LENGTH = 1 << 17
)

var ErrProtocolViolation = errors.New("protocol violation")

func (id MessageID) String() string {
	switch id {
	case CHOKE:
		return "choke"
	case UNCHOKE:
		return "unchoke"
	case INTERESTED:
		return "interested"
	case NOT_INTERESTED:
		return "not-interested"
	case HAVE:
		return "have"
	case BITFIELD:
		return "bitfield"
	case REQUEST:
		return "request"
	case BLOCK:
		return "piece"
	case CANCEL:
		return "cancel"
	case PORT:
		return "port"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one decoded frame. Which fields are set depends on ID: Index
// for have, Bitfield for bitfield, Index/Begin/Length for request and
// cancel, Index/Begin/Block for piece, Port for port.
type Message struct {
	ID       MessageID
	Index    int
	Begin    int
	Length   int
	Bitfield []byte
	Block    []byte
	Port     uint16
}

// Known reports whether the message type is part of the protocol. Unknown
// types are read and skipped.
func (m *Message) Known() bool {
	return m.ID <= PORT
}

type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	h := &Handshake{Len: uint8(len(PROTOCOL)), InfoHash: infoHash, PeerID: peerID}
	copy(h.Protocol[:], PROTOCOL)
	return h
}

func (h *Handshake) Serialize() []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, h)
	return b.Bytes()
}

func ReadHandshake(r io.Reader) (*Handshake, error) {
	data := make([]byte, HANDSHAKE_LENGTH)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	h := &Handshake{}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, h); err != nil {
		return nil, err
	}
	if int(h.Len) != len(PROTOCOL) || string(h.Protocol[:]) != PROTOCOL {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrProtocolViolation, h.Protocol[:])
	}
	return h, nil
}

// ReadMessage reads one length-prefixed frame. A keep-alive yields a nil
// message. A frame whose length does not match its type is a protocol
// violation.
func ReadMessage(r io.Reader, pieceCount int) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	bitfieldLength := (pieceCount + 7) / 8
	maxLength := 9 + MAX_BLOCK_LENGTH
	if 1+bitfieldLength > maxLength {
		maxLength = 1 + bitfieldLength
	}
	if length > uint32(maxLength) {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrProtocolViolation, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return parseMessage(payload, bitfieldLength)
}

func parseMessage(payload []byte, bitfieldLength int) (*Message, error) {
	m := &Message{ID: MessageID(payload[0])}
	body := payload[1:]
	expect := func(n int) error {
		if len(body) != n {
			return fmt.Errorf("%w: %s with %d byte payload, want %d", ErrProtocolViolation, m.ID, len(body), n)
		}
		return nil
	}
	u32 := func(off int) int {
		return int(binary.BigEndian.Uint32(body[off:]))
	}

	var err error
	switch m.ID {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		err = expect(0)
	case HAVE:
		if err = expect(4); err == nil {
			m.Index = u32(0)
		}
	case BITFIELD:
		if err = expect(bitfieldLength); err == nil {
			m.Bitfield = body
		}
	case REQUEST, CANCEL:
		if err = expect(12); err == nil {
			m.Index, m.Begin, m.Length = u32(0), u32(4), u32(8)
		}
	case BLOCK:
		if len(body) < 8 {
			err = fmt.Errorf("%w: piece with %d byte payload", ErrProtocolViolation, len(body))
		} else {
			m.Index, m.Begin, m.Block = u32(0), u32(4), body[8:]
		}
	case PORT:
		if err = expect(2); err == nil {
			m.Port = binary.BigEndian.Uint16(body)
		}
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
