// Package piece tracks outstanding and received blocks for one in-flight
// piece download.
package piece

import (
	"encoding/binary"
	"fmt"

	"leech/wire"
)

// BlockSize is the fixed wire block size.
const BlockSize = 16384

// Assembler accumulates the blocks of a single piece as they arrive.
type Assembler struct {
	index int
	bytes []byte

	numBlocks    int
	toRequest    map[int]struct{}
	received     map[int]struct{}
}

// NewAssembler creates an Assembler for piece index with the actual
// byte-length size (the nominal piece length for every piece except the
// last, whose size the caller must resolve: when the total content length
// is an exact multiple of the piece length, size is
// the full piece length, never zero).
func NewAssembler(index, size int) *Assembler {
	if size <= 0 {
		panic(fmt.Sprintf("piece: NewAssembler: size must be > 0, got %d", size))
	}

	numBlocks := (size + BlockSize - 1) / BlockSize
	toRequest := make(map[int]struct{}, numBlocks)
	for i := 0; i < numBlocks; i++ {
		toRequest[i] = struct{}{}
	}

	return &Assembler{
		index:     index,
		bytes:     make([]byte, size),
		numBlocks: numBlocks,
		toRequest: toRequest,
		received:  make(map[int]struct{}, numBlocks),
	}
}

// Index is the piece index this assembler is collecting blocks for.
func (a *Assembler) Index() int { return a.index }

// Size is the total byte length of the piece.
func (a *Assembler) Size() int { return len(a.bytes) }

func (a *Assembler) blockLength(block int) int {
	start := block * BlockSize
	if start+BlockSize > len(a.bytes) {
		return len(a.bytes) - start
	}
	return BlockSize
}

// GetNextRequest removes one outstanding block (any order) and returns the
// REQUEST message for it. It fails if there are no blocks left to request.
func (a *Assembler) GetNextRequest() (wire.Message, error) {
	if len(a.toRequest) == 0 {
		return wire.Message{}, fmt.Errorf("piece: no blocks left to request for piece %d", a.index)
	}

	var block int
	for b := range a.toRequest {
		block = b
		break
	}
	delete(a.toRequest, block)

	offset := block * BlockSize
	return wire.NewRequest(uint32(a.index), uint32(offset), uint32(a.blockLength(block))), nil
}

// HandleBlock copies a PIECE message payload (piece_index, offset, data)
// into the piece buffer. It fails if the piece index doesn't match this
// assembler or the block falls outside the piece's bounds.
func (a *Assembler) HandleBlock(payload []byte) error {
	if len(payload) < 8 {
		return fmt.Errorf("piece: block payload too short: %d bytes", len(payload))
	}

	index := binary.BigEndian.Uint32(payload[0:4])
	if int(index) != a.index {
		return fmt.Errorf("piece: block for piece %d delivered to assembler for piece %d", index, a.index)
	}

	offset := binary.BigEndian.Uint32(payload[4:8])
	data := payload[8:]

	if int(offset)+len(data) > len(a.bytes) {
		return fmt.Errorf("piece: block at offset %d length %d out of range for piece size %d",
			offset, len(data), len(a.bytes))
	}
	if offset%BlockSize != 0 {
		// Block offsets are assumed block-grid aligned; out-of-grid writes are
		// rejected rather than silently accepted.
		return fmt.Errorf("piece: block offset %d is not a multiple of %d", offset, BlockSize)
	}

	copy(a.bytes[offset:int(offset)+len(data)], data)
	a.received[int(offset)/BlockSize] = struct{}{}

	return nil
}

// Complete reports whether every block offset has been received.
func (a *Assembler) Complete() bool {
	return len(a.received) == a.numBlocks
}

// Bytes returns the assembled piece bytes. Callers should only trust this
// once Complete() is true.
func (a *Assembler) Bytes() []byte { return a.bytes }
