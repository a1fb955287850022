package wire

import "fmt"

const (
	protocolName   = "BitTorrent protocol"
	HandshakeSize  = 68
	infoHashSize   = 20
	peerIDSize     = 20
	reservedSize   = 8
	nameLengthByte = 19
)

// Handshake is the fixed 68-byte peer handshake.
type Handshake struct {
	InfoHash [infoHashSize]byte
	PeerID   [peerIDSize]byte
}

// Serialize encodes h to its exact 68-byte wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, 0, HandshakeSize)
	buf = append(buf, nameLengthByte)
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, reservedSize)...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// ParseHandshake parses the fixed 68-byte handshake wire form. It fails if
// the length is wrong, the protocol name length byte isn't 19, or the
// protocol name literal doesn't match.
func ParseHandshake(b []byte) (Handshake, error) {
	if len(b) != HandshakeSize {
		return Handshake{}, fmt.Errorf("wire: handshake must be %d bytes, got %d", HandshakeSize, len(b))
	}
	if b[0] != nameLengthByte {
		return Handshake{}, fmt.Errorf("wire: handshake name length must be %d, got %d", nameLengthByte, b[0])
	}

	idx := 1
	if string(b[idx:idx+nameLengthByte]) != protocolName {
		return Handshake{}, fmt.Errorf("wire: unexpected protocol name %q", b[idx:idx+nameLengthByte])
	}
	idx += nameLengthByte
	idx += reservedSize // reserved bytes are ignored

	var h Handshake
	copy(h.InfoHash[:], b[idx:idx+infoHashSize])
	idx += infoHashSize
	copy(h.PeerID[:], b[idx:idx+peerIDSize])

	return h, nil
}
