package wire

import (
	"encoding/binary"
	"fmt"

	"leech/ringbuffer"
)

// MessageID enumerates the wire message ids. KeepAlive is
// a purely internal id — it never appears on the wire, where a keep-alive
// is signaled by a zero length prefix and no id byte at all.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
	Port
	KeepAlive MessageID = 10
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case KeepAlive:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is one parsed wire-protocol message.
type Message struct {
	ID      MessageID
	Payload []byte
}

// lengthPrefixSize is the 4-byte big-endian length prefix every message
// (except the handshake) begins with.
const lengthPrefixSize = 4

// maxMessageLength is a sanity cap: lengths at or above this are treated
// as a corrupt stream, not a large-but-valid message.
const maxMessageLength = 20000

// ErrNeedMore signals that buf does not yet hold a complete message; the
// caller should read more bytes from the socket and retry.
var ErrNeedMore = fmt.Errorf("wire: need more data")

// Serialize encodes m to its wire form, including the length prefix.
func (m Message) Serialize() []byte {
	if m.ID == KeepAlive {
		return make([]byte, lengthPrefixSize)
	}

	length := uint32(1 + len(m.Payload))
	buf := make([]byte, lengthPrefixSize+1+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ParseNext attempts to parse one Message off the front of buf. It returns
// ErrNeedMore (without consuming anything) when buf does not yet hold a
// complete message, and a fatal error when the length prefix exceeds the
// sanity cap.
func ParseNext(buf *ringbuffer.RingBuffer) (Message, error) {
	if buf.Len() < lengthPrefixSize {
		return Message{}, ErrNeedMore
	}

	header, err := buf.Peek(lengthPrefixSize)
	if err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header)

	if length == 0 {
		if err := buf.Remove(lengthPrefixSize); err != nil {
			return Message{}, err
		}
		return Message{ID: KeepAlive}, nil
	}

	if length >= maxMessageLength {
		return Message{}, fmt.Errorf("wire: message length %d exceeds sanity cap %d", length, maxMessageLength)
	}

	if int(length)+lengthPrefixSize > buf.Len() {
		return Message{}, ErrNeedMore
	}

	if err := buf.Remove(lengthPrefixSize); err != nil {
		return Message{}, err
	}

	body, err := buf.Read(int(length))
	if err != nil {
		return Message{}, err
	}

	return Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// NewRequest builds a REQUEST message payload: piece index, offset, length,
// each a 4-byte big-endian integer.
func NewRequest(pieceIndex, offset, length uint32) Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], pieceIndex)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return Message{ID: Request, Payload: payload}
}

// NewHave builds a HAVE message payload: the piece index, 4-byte big-endian.
func NewHave(pieceIndex uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, pieceIndex)
	return Message{ID: Have, Payload: payload}
}

// NewCancel builds a CANCEL message with the same payload shape as REQUEST.
func NewCancel(pieceIndex, offset, length uint32) Message {
	m := NewRequest(pieceIndex, offset, length)
	m.ID = Cancel
	return m
}
