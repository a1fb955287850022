// Package peer implements the per-peer connection state machine. It is
// restructured from torrent/p2p.go's blocking per-peer goroutine loop
// (PerformHandshake + DownloadFromPeer) into an explicit State enum driven
// by an Advance step function: the only goroutine a peer still owns is the
// one blocking on net.Conn.Read, which forwards raw bytes into a
// ringbuffer.RingBuffer; every protocol decision happens synchronously when
// the coordinator calls Advance from its single event loop.
package peer

import (
	"fmt"

	"leech/bitfield"
	"leech/piece"
	"leech/ringbuffer"
	"leech/wire"
)

// State is a connection's position in the handshake/download lifecycle.
type State int

const (
	Disconnected State = iota
	InitHandshake
	InitBitfield
	Idle
	Downloading
	Paused
	Cancel
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case InitHandshake:
		return "INIT_HANDSHAKE"
	case InitBitfield:
		return "INIT_BITFIELD"
	case Idle:
		return "IDLE"
	case Downloading:
		return "DOWNLOADING"
	case Paused:
		return "PAUSED"
	case Cancel:
		return "CANCEL"
	default:
		return "UNKNOWN"
	}
}

// MaxQueuedRequests bounds the number of in-flight block requests pipelined
// to a single peer.
const MaxQueuedRequests = 10

// MaxStrikes is the number of protocol errors (malformed or misaligned
// blocks, malformed HAVE, unexpected BITFIELD, unknown message ids) after
// which a peer is disconnected and excluded from further reassignment for
// the session. The count is never reset. Hash mismatches found by the
// coordinator are not counted.
const MaxStrikes = 3

// Engine holds one peer connection's protocol state. It is not safe for
// concurrent use: the coordinator's single event loop is its only caller.
type Engine struct {
	State State

	InfoHash     [20]byte
	RemotePeerID [20]byte

	PeerChoking  bool
	AmInterested bool

	Bitfield *bitfield.Bitfield
	numPieces int

	assembler *piece.Assembler
	queued    int

	strikes int
}

// New builds an Engine expecting a handshake for infoHash, covering a
// torrent of numPieces pieces.
func New(infoHash [20]byte, numPieces int) *Engine {
	return &Engine{
		State:       Disconnected,
		InfoHash:    infoHash,
		PeerChoking: true,
		numPieces:   numPieces,
	}
}

// Handshake returns the bytes to send to open a connection and advances the
// state to INIT_HANDSHAKE.
func (e *Engine) Handshake(localPeerID [20]byte) []byte {
	e.State = InitHandshake
	hs := wire.Handshake{InfoHash: e.InfoHash, PeerID: localPeerID}
	return hs.Serialize()
}

// HandleHandshake validates a peer's handshake reply and advances to
// INIT_BITFIELD on success.
func (e *Engine) HandleHandshake(b []byte) error {
	if e.State != InitHandshake {
		return fmt.Errorf("peer: handshake received in state %s", e.State)
	}

	hs, err := wire.ParseHandshake(b)
	if err != nil {
		e.State = Disconnected
		return err
	}
	if hs.InfoHash != e.InfoHash {
		e.State = Disconnected
		return fmt.Errorf("peer: info hash mismatch in handshake")
	}

	e.RemotePeerID = hs.PeerID
	e.State = InitBitfield
	return nil
}

// IngestResult reports what Advance produced: messages to write back to the
// peer, and whether the connection should be dropped.
type IngestResult struct {
	Outbound         []wire.Message
	Disconnect       bool
	DisconnectReason string
	PieceReady       bool
}

// Advance drains as many complete messages as rb currently buffers,
// updating state and collecting outbound messages and events. It returns
// without error when rb runs out of complete messages (wire.ErrNeedMore),
// leaving any partial trailing message in rb for the next read.
func (e *Engine) Advance(rb *ringbuffer.RingBuffer) (IngestResult, error) {
	var result IngestResult

	for {
		msg, err := wire.ParseNext(rb)
		if err == wire.ErrNeedMore {
			return result, nil
		}
		if err != nil {
			return result, err
		}

		priorState := e.State
		if err := e.handleMessage(msg, &result); err != nil {
			if priorState == InitBitfield {
				result.Disconnect = true
				result.DisconnectReason = fmt.Sprintf("peer: %v", err)
				e.State = Disconnected
				return result, nil
			}
			e.strikes++
			if e.strikes >= MaxStrikes {
				result.Disconnect = true
				result.DisconnectReason = fmt.Sprintf("peer: %d strikes, last: %v", e.strikes, err)
				e.State = Disconnected
				return result, nil
			}
		}
	}
}

func (e *Engine) handleMessage(msg wire.Message, result *IngestResult) error {
	if e.State == InitBitfield && msg.ID != wire.BitfieldMsg {
		return fmt.Errorf("peer: expected BITFIELD as first message after handshake, got id %d", msg.ID)
	}

	switch msg.ID {
	case wire.Choke:
		e.PeerChoking = true

	case wire.Unchoke:
		e.PeerChoking = false
		if e.State == Downloading {
			result.Outbound = append(result.Outbound, e.fillPipeline()...)
		}

	case wire.Interested, wire.NotInterested:
		// Seeding/uploading to peers is out of scope; acknowledged and ignored.

	case wire.Have:
		if len(msg.Payload) != 4 {
			return fmt.Errorf("peer: malformed HAVE payload length %d", len(msg.Payload))
		}
		index := int(beUint32(msg.Payload))
		if e.Bitfield == nil {
			e.Bitfield = bitfield.NewSized(e.numPieces)
		}
		if err := e.Bitfield.Set(index); err != nil {
			return err
		}

	case wire.BitfieldMsg:
		if e.State != InitBitfield {
			return fmt.Errorf("peer: unexpected BITFIELD in state %s", e.State)
		}
		e.Bitfield = bitfield.New(msg.Payload)
		e.State = Idle

	case wire.Request, wire.Cancel, wire.Port:
		// Serving block requests to peers is out of scope.

	case wire.KeepAlive:
		// No-op; its only purpose is to hold the connection open.

	case wire.Piece:
		if e.State != Downloading && e.State != Paused {
			// A late block for a piece we've since completed, cancelled, or
			// never started; not the peer's fault once in flight.
			return nil
		}
		if len(msg.Payload) < 8 {
			return fmt.Errorf("peer: malformed PIECE payload length %d", len(msg.Payload))
		}
		if int(beUint32(msg.Payload[0:4])) != e.assembler.Index() {
			// A late block for a piece abandoned by CancelPiece before the
			// current one started; discarded like any other late block.
			return nil
		}
		if err := e.assembler.HandleBlock(msg.Payload); err != nil {
			return err
		}
		e.queued--
		if e.assembler.Complete() {
			result.PieceReady = true
			e.State = Idle
		} else if e.State == Downloading {
			result.Outbound = append(result.Outbound, e.fillPipeline()...)
		}

	default:
		return fmt.Errorf("peer: unrecognized message id %d", msg.ID)
	}
	return nil
}

// StartPiece begins downloading a piece of the given size, transitioning to
// DOWNLOADING and returning the INTERESTED and initial REQUEST messages to
// send.
func (e *Engine) StartPiece(index, size int) ([]wire.Message, error) {
	if e.State != Idle {
		return nil, fmt.Errorf("peer: StartPiece called in state %s", e.State)
	}

	e.assembler = piece.NewAssembler(index, size)
	e.queued = 0
	e.State = Downloading

	var out []wire.Message
	if !e.AmInterested {
		e.AmInterested = true
		out = append(out, wire.Message{ID: wire.Interested})
	}
	out = append(out, e.fillPipeline()...)
	return out, nil
}

// CancelPiece abandons the in-flight piece, returning to IDLE and sending a
// single CANCEL for the piece index with offset 0 and length 0 (not one per
// outstanding request). Late PIECE payloads for the abandoned index are
// discarded: by the state check while the engine is idle, and by
// handleMessage's piece-index check once a new piece replaces it.
func (e *Engine) CancelPiece() []wire.Message {
	if e.assembler == nil {
		return nil
	}
	index := e.assembler.Index()
	msg := wire.NewCancel(uint32(index), 0, 0)
	e.assembler = nil
	e.queued = 0
	e.State = Idle
	return []wire.Message{msg}
}

// Pause stops issuing new requests without discarding assembler progress;
// blocks that arrive while paused are still accepted. Only a DOWNLOADING
// engine is paused; in any other state Pause does nothing.
func (e *Engine) Pause() {
	if e.State == Downloading {
		e.State = Paused
	}
}

// Resume continues a paused download, pipelining fresh requests.
func (e *Engine) Resume() []wire.Message {
	if e.State != Paused {
		return nil
	}
	e.State = Downloading
	return e.fillPipeline()
}

// PieceBytes returns the assembled bytes of the completed piece.
func (e *Engine) PieceBytes() []byte {
	if e.assembler == nil {
		return nil
	}
	return e.assembler.Bytes()
}

// PieceIndex returns the index of the piece currently assigned, or -1 if
// none.
func (e *Engine) PieceIndex() int {
	if e.assembler == nil {
		return -1
	}
	return e.assembler.Index()
}

func (e *Engine) fillPipeline() []wire.Message {
	var out []wire.Message
	if e.PeerChoking || e.assembler == nil {
		return out
	}
	for e.queued < MaxQueuedRequests {
		msg, err := e.assembler.GetNextRequest()
		if err != nil {
			break
		}
		out = append(out, msg)
		e.queued++
	}
	return out
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
