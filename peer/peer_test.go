package peer

import (
	"bytes"
	"testing"

	"leech/ringbuffer"
	"leech/wire"
)

var testInfoHash = [20]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
var testPeerID = [20]byte{0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22}
var localPeerID = [20]byte{0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33}

func feed(t *testing.T, rb *ringbuffer.RingBuffer, data []byte) {
	t.Helper()
	if err := rb.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestReplayScenario(t *testing.T) {
	e := New(testInfoHash, 9)

	out := e.Handshake(localPeerID)
	if len(out) != 68 {
		t.Fatalf("Handshake bytes = %d, want 68", len(out))
	}
	if e.State != InitHandshake {
		t.Fatalf("State = %s, want INIT_HANDSHAKE", e.State)
	}

	hs := wire.Handshake{InfoHash: testInfoHash, PeerID: testPeerID}
	if err := e.HandleHandshake(hs.Serialize()); err != nil {
		t.Fatalf("HandleHandshake: %v", err)
	}
	if e.State != InitBitfield {
		t.Fatalf("State = %s, want INIT_BITFIELD", e.State)
	}

	rb := ringbuffer.New(40000)

	bitfieldMsg := wire.Message{ID: wire.BitfieldMsg, Payload: []byte{0xFF, 0x80}}
	feed(t, rb, bitfieldMsg.Serialize())
	unchokeMsg := wire.Message{ID: wire.Unchoke}
	feed(t, rb, unchokeMsg.Serialize())

	result, err := e.Advance(rb)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result.Disconnect {
		t.Fatalf("unexpected disconnect: %s", result.DisconnectReason)
	}
	if e.State != Idle {
		t.Fatalf("State = %s, want IDLE", e.State)
	}
	if e.PeerChoking {
		t.Fatalf("PeerChoking = true after UNCHOKE")
	}
	has, err := e.Bitfield.Contains(0)
	if err != nil || !has {
		t.Fatalf("Bitfield.Contains(0) = %v, %v, want true", has, err)
	}

	requests, err := e.StartPiece(3, 32768)
	if err != nil {
		t.Fatalf("StartPiece: %v", err)
	}
	if e.State != Downloading {
		t.Fatalf("State = %s, want DOWNLOADING", e.State)
	}

	var interested, reqCount int
	offsets := map[uint32]bool{}
	for _, m := range requests {
		switch m.ID {
		case wire.Interested:
			interested++
		case wire.Request:
			reqCount++
			offset := beUint32(m.Payload[4:8])
			offsets[offset] = true
		}
	}
	if interested != 1 {
		t.Fatalf("interested messages = %d, want 1", interested)
	}
	if reqCount != 2 {
		t.Fatalf("request messages = %d, want 2", reqCount)
	}
	if !offsets[0] || !offsets[16384] {
		t.Fatalf("offsets = %v, want 0 and 16384", offsets)
	}

	blockA := append(append(beBytes(3), beBytes(0)...), bytes.Repeat([]byte{0xAA}, 16384)...)
	blockB := append(append(beBytes(3), beBytes(16384)...), bytes.Repeat([]byte{0xBB}, 16384)...)

	pieceA := wire.Message{ID: wire.Piece, Payload: blockA}
	pieceB := wire.Message{ID: wire.Piece, Payload: blockB}
	feed(t, rb, pieceA.Serialize())
	feed(t, rb, pieceB.Serialize())

	result, err = e.Advance(rb)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !result.PieceReady {
		t.Fatalf("PieceReady = false, want true")
	}
	if e.State != Idle {
		t.Fatalf("State = %s, want IDLE after completion", e.State)
	}

	got := e.PieceBytes()
	if len(got) != 32768 {
		t.Fatalf("PieceBytes length = %d, want 32768", len(got))
	}
	if !bytes.Equal(got[:16384], bytes.Repeat([]byte{0xAA}, 16384)) {
		t.Fatalf("first half mismatch")
	}
	if !bytes.Equal(got[16384:], bytes.Repeat([]byte{0xBB}, 16384)) {
		t.Fatalf("second half mismatch")
	}
}

func TestStrikesDisconnectAfterThreeBadBlocks(t *testing.T) {
	e := New(testInfoHash, 1)
	e.State = InitBitfield

	rb := ringbuffer.New(4096)
	bitfieldMsg := wire.Message{ID: wire.BitfieldMsg, Payload: []byte{0x80}}
	feed(t, rb, bitfieldMsg.Serialize())
	unchokeMsg := wire.Message{ID: wire.Unchoke}
	feed(t, rb, unchokeMsg.Serialize())
	if _, err := e.Advance(rb); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if _, err := e.StartPiece(0, 16384); err != nil {
		t.Fatalf("StartPiece: %v", err)
	}

	badBlock := append(append(beBytes(0), beBytes(1)...), []byte{0x01}...)
	for i := 0; i < MaxStrikes; i++ {
		msg := wire.Message{ID: wire.Piece, Payload: badBlock}
		feed(t, rb, msg.Serialize())
	}

	result, err := e.Advance(rb)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !result.Disconnect {
		t.Fatalf("Disconnect = false, want true after %d strikes", MaxStrikes)
	}
}

func TestCancelPieceReturnsToIdle(t *testing.T) {
	e := New(testInfoHash, 1)
	e.State = Idle
	e.PeerChoking = false

	if _, err := e.StartPiece(0, 16384); err != nil {
		t.Fatalf("StartPiece: %v", err)
	}
	msgs := e.CancelPiece()
	if len(msgs) != 1 || msgs[0].ID != wire.Cancel {
		t.Fatalf("CancelPiece messages = %+v, want one CANCEL", msgs)
	}
	if e.State != Idle {
		t.Fatalf("State = %s, want IDLE after cancel", e.State)
	}
	if e.PieceIndex() != -1 {
		t.Fatalf("PieceIndex = %d, want -1 after cancel", e.PieceIndex())
	}
}

func TestInitBitfieldRejectsNonBitfieldMessage(t *testing.T) {
	e := New(testInfoHash, 1)
	e.State = InitBitfield

	rb := ringbuffer.New(4096)
	unchokeMsg := wire.Message{ID: wire.Unchoke}
	feed(t, rb, unchokeMsg.Serialize())

	result, err := e.Advance(rb)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !result.Disconnect {
		t.Fatalf("Disconnect = false, want true for non-BITFIELD first message")
	}
	if e.State != Disconnected {
		t.Fatalf("State = %s, want DISCONNECTED", e.State)
	}
}

func TestSecondBitfieldWhileIdleRejected(t *testing.T) {
	e := New(testInfoHash, 1)
	e.State = Idle
	e.Bitfield = nil

	rb := ringbuffer.New(4096)
	bitfieldMsg := wire.Message{ID: wire.BitfieldMsg, Payload: []byte{0x80}}
	for i := 0; i < MaxStrikes; i++ {
		feed(t, rb, bitfieldMsg.Serialize())
	}

	result, err := e.Advance(rb)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !result.Disconnect {
		t.Fatalf("Disconnect = false, want true after %d duplicate BITFIELDs", MaxStrikes)
	}
	if e.State != Disconnected {
		t.Fatalf("State = %s, want DISCONNECTED after duplicate BITFIELD", e.State)
	}
}

func TestLatePieceAfterCompletionDiscarded(t *testing.T) {
	e := New(testInfoHash, 1)
	e.State = Idle
	e.PeerChoking = false

	if _, err := e.StartPiece(0, 16384); err != nil {
		t.Fatalf("StartPiece: %v", err)
	}
	block := append(append(beBytes(0), beBytes(0)...), bytes.Repeat([]byte{0xAA}, 16384)...)
	msg := wire.Message{ID: wire.Piece, Payload: block}

	rb := ringbuffer.New(20000)
	feed(t, rb, msg.Serialize())
	result, err := e.Advance(rb)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if !result.PieceReady || e.State != Idle {
		t.Fatalf("piece did not complete as expected: %+v, state %s", result, e.State)
	}
	if e.PieceIndex() != 0 {
		t.Fatalf("PieceIndex = %d, want 0: the completed piece stays reported until the next StartPiece", e.PieceIndex())
	}

	// A late duplicate block for the now-completed piece must be silently
	// discarded, not treated as a strike.
	late := wire.Message{ID: wire.Piece, Payload: block}
	feed(t, rb, late.Serialize())
	result, err = e.Advance(rb)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if result.Disconnect {
		t.Fatalf("late PIECE after completion caused disconnect: %s", result.DisconnectReason)
	}
}

func beBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
