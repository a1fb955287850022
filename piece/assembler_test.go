package piece

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func blockPayload(index, offset uint32, fill byte, length int) []byte {
	payload := make([]byte, 8+length)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], offset)
	for i := 0; i < length; i++ {
		payload[8+i] = fill
	}
	return payload
}

func TestReplayScenario(t *testing.T) {
	// piece 3, size 32768 -> two 16384-byte blocks.
	a := NewAssembler(3, 32768)

	req1, err := a.GetNextRequest()
	if err != nil {
		t.Fatalf("GetNextRequest: %v", err)
	}
	req2, err := a.GetNextRequest()
	if err != nil {
		t.Fatalf("GetNextRequest: %v", err)
	}

	offsets := map[uint32]bool{}
	for _, req := range []struct{ payload []byte }{{req1.Payload}, {req2.Payload}} {
		index := binary.BigEndian.Uint32(req.payload[0:4])
		offset := binary.BigEndian.Uint32(req.payload[4:8])
		length := binary.BigEndian.Uint32(req.payload[8:12])
		if index != 3 {
			t.Fatalf("request index = %d, want 3", index)
		}
		if length != 16384 {
			t.Fatalf("request length = %d, want 16384", length)
		}
		offsets[offset] = true
	}
	if !offsets[0] || !offsets[16384] {
		t.Fatalf("expected requests at offsets 0 and 16384, got %v", offsets)
	}

	if err := a.HandleBlock(blockPayload(3, 0, 0xAA, 16384)); err != nil {
		t.Fatalf("HandleBlock: %v", err)
	}
	if a.Complete() {
		t.Fatalf("Complete() = true, want false after only one block")
	}

	if err := a.HandleBlock(blockPayload(3, 16384, 0xBB, 16384)); err != nil {
		t.Fatalf("HandleBlock: %v", err)
	}
	if !a.Complete() {
		t.Fatalf("Complete() = false, want true")
	}

	want := append(bytes.Repeat([]byte{0xAA}, 16384), bytes.Repeat([]byte{0xBB}, 16384)...)
	if !bytes.Equal(a.Bytes(), want) {
		t.Fatalf("assembled bytes mismatch")
	}
}

func TestFinalBlockSizeSmallerThanBlockSize(t *testing.T) {
	a := NewAssembler(0, 16384+100)

	req1, _ := a.GetNextRequest()
	req2, _ := a.GetNextRequest()

	var lastLength uint32
	for _, req := range []wireReq{{req1.Payload}, {req2.Payload}} {
		offset := binary.BigEndian.Uint32(req.payload[4:8])
		length := binary.BigEndian.Uint32(req.payload[8:12])
		if offset == 16384 {
			lastLength = length
		}
	}

	if lastLength != 100 {
		t.Fatalf("final block length = %d, want 100", lastLength)
	}
}

type wireReq struct{ payload []byte }

func TestHandleBlockWrongPieceIndex(t *testing.T) {
	a := NewAssembler(1, 16384)
	if err := a.HandleBlock(blockPayload(2, 0, 0xAA, 16384)); err == nil {
		t.Fatalf("HandleBlock: want error for mismatched piece index")
	}
}

func TestHandleBlockOutOfRange(t *testing.T) {
	a := NewAssembler(0, 16384)
	if err := a.HandleBlock(blockPayload(0, 8192, 0xAA, 16384)); err == nil {
		t.Fatalf("HandleBlock: want OutOfRange error")
	}
}

func TestHandleBlockMisalignedOffsetRejected(t *testing.T) {
	a := NewAssembler(0, 32768)
	if err := a.HandleBlock(blockPayload(0, 100, 0xAA, 100)); err == nil {
		t.Fatalf("HandleBlock: want error for non-block-aligned offset")
	}
}

func TestGetNextRequestEmptyFails(t *testing.T) {
	a := NewAssembler(0, 16384)
	if _, err := a.GetNextRequest(); err != nil {
		t.Fatalf("first GetNextRequest: %v", err)
	}
	if _, err := a.GetNextRequest(); err == nil {
		t.Fatalf("GetNextRequest: want error, to-request set is empty")
	}
}
