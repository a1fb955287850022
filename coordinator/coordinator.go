// Package coordinator runs the download side of a single torrent. It is
// restructured from torrent/p2p.go's StartDownload/ConnectToPeers pairing
// (one goroutine per peer, completed pieces fanned in over a pieceChan)
// into a single-threaded event loop: one goroutine per peer still owns the
// blocking net.Conn.Read, but every protocol decision — state transitions,
// piece assignment, hash verification, end-game racing — happens
// synchronously inside Session.Run, eliminating the cross-thread
// piece-index hand-off race the channel-fan-in design had.
package coordinator

import (
	"context"
	"crypto/sha1"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"leech/metainfo"
	"leech/peer"
	"leech/piece"
	"leech/ringbuffer"
	"leech/tracker"
	"leech/wire"
)

// maxConnectConcurrency bounds simultaneous dial+handshake attempts, the
// same bound torrent/p2p.go's ConnectToPeers enforced with a raw channel
// semaphore.
const maxConnectConcurrency = 10

// connectTimeout is the per-peer TCP connect and handshake deadline.
const connectTimeout = 5 * time.Second

// ringBufferSlack is added to the block size to size each peer's inbound
// ring buffer, leaving room for the length prefix and id byte of a PIECE
// message framing a full block.
const ringBufferSlack = 1024

// Config parameterizes one download session.
type Config struct {
	InfoHash    [20]byte
	PieceHashes metainfo.PieceHashes
	TotalLength int64
	PieceLength int64

	LocalPeerID [20]byte
	Port        int

	AnnounceURL string
	Announcer   tracker.Announcer

	OutputDir string
}

// ProgressEvent reports overall download progress after a piece completes.
type ProgressEvent struct {
	Done    int
	Total   int
	Percent float64
}

// FailureEvent reports a peer-level failure: a disconnect, a bad handshake,
// a hash mismatch. It never aborts the session by itself.
type FailureEvent struct {
	Peer   string
	Reason string
}

// Session drives one torrent's download to completion.
type Session struct {
	cfg Config

	pieceSizes []int

	toDownload map[int]struct{}
	completed  map[int]struct{}
	inFlight   map[int]map[int]struct{} // piece index -> set of peer ids working it

	peers map[int]*peerConn

	events   chan connEvent
	progress chan ProgressEvent
	failures chan FailureEvent
	pauseCh  chan bool

	nextID int
}

type peerConn struct {
	id      int
	addr    string
	conn    net.Conn
	engine  *peer.Engine
	rb      *ringbuffer.RingBuffer
	strikes int // consecutive no-progress reads, backpressure tolerance
}

type connEvent struct {
	peerID int
	data   []byte
	err    error
}

// NewSession builds a Session for cfg. The caller must drain Progress() and
// Failures() concurrently with Run to avoid blocking the event loop.
func NewSession(cfg Config) *Session {
	numPieces := cfg.PieceHashes.Len()
	sizes := make([]int, numPieces)
	for i := 0; i < numPieces; i++ {
		sizes[i] = pieceSize(cfg.TotalLength, cfg.PieceLength, i, numPieces)
	}

	toDownload := make(map[int]struct{}, numPieces)
	for i := 0; i < numPieces; i++ {
		toDownload[i] = struct{}{}
	}

	return &Session{
		cfg:        cfg,
		pieceSizes: sizes,
		toDownload: toDownload,
		completed:  make(map[int]struct{}, numPieces),
		inFlight:   make(map[int]map[int]struct{}),
		peers:      make(map[int]*peerConn),
		events:     make(chan connEvent, 64),
		progress:   make(chan ProgressEvent, 16),
		failures:   make(chan FailureEvent, 16),
		pauseCh:    make(chan bool, 1),
	}
}

func pieceSize(total, pieceLength int64, index, numPieces int) int {
	if index < numPieces-1 {
		return int(pieceLength)
	}
	remainder := total % pieceLength
	if remainder == 0 {
		return int(pieceLength)
	}
	return int(remainder)
}

// Progress returns the channel the session posts ProgressEvents to.
func (s *Session) Progress() <-chan ProgressEvent { return s.progress }

// Failures returns the channel the session posts FailureEvents to.
func (s *Session) Failures() <-chan FailureEvent { return s.failures }

// Pause stops every peer that is downloading a piece from issuing new block
// requests without discarding in-flight assembler progress. Idle peers are
// not paused and can still be assigned a piece. Safe to call from any
// goroutine; the transition itself runs on the event loop.
func (s *Session) Pause() { s.queuePauseRequest(false) }

// Resume reissues request pipelines to every paused peer. Safe to call from
// any goroutine.
func (s *Session) Resume() { s.queuePauseRequest(true) }

// queuePauseRequest replaces any queued-but-not-yet-processed pause/resume
// request with the latest one.
func (s *Session) queuePauseRequest(resume bool) {
	for {
		select {
		case s.pauseCh <- resume:
			return
		default:
		}
		select {
		case <-s.pauseCh:
		default:
		}
	}
}

// Run announces to the tracker, connects to the returned peers, and drives
// the download to completion or to a fatal error. It closes Progress() and
// Failures() before returning.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.progress)
	defer close(s.failures)

	s.resumeFromDisk()

	if len(s.toDownload) == 0 {
		return nil
	}

	addrs, err := s.announce(ctx)
	if err != nil {
		return err
	}

	s.connectAll(ctx, addrs)
	if len(s.peers) == 0 {
		return fmt.Errorf("coordinator: no peers connected")
	}
	defer s.disconnectAll()

	return s.loop(ctx)
}

func (s *Session) announce(ctx context.Context) ([]string, error) {
	req := tracker.Request{
		InfoHash: s.cfg.InfoHash,
		PeerID:   s.cfg.LocalPeerID,
		Port:     s.cfg.Port,
		Left:     s.cfg.TotalLength,
	}
	resp, err := s.cfg.Announcer.Announce(ctx, s.cfg.AnnounceURL, req)
	if err != nil {
		return nil, fmt.Errorf("coordinator: tracker announce: %w", err)
	}

	addrs := make([]string, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		addrs = append(addrs, p.String())
	}
	return addrs, nil
}

// connectAll dials every address concurrently, bounded by
// maxConnectConcurrency, and registers each successful handshake as a
// peerConn with its reader goroutine started.
func (s *Session) connectAll(ctx context.Context, addrs []string) {
	sem := semaphore.NewWeighted(maxConnectConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	type result struct {
		pc  *peerConn
		err error
	}
	results := make(chan result, len(addrs))

	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			pc, err := s.connectOne(addr)
			results <- result{pc: pc, err: err}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			s.failures <- FailureEvent{Reason: r.err.Error()}
			continue
		}
		s.registerPeer(r.pc)
	}
}

func (s *Session) connectOne(addr string) (*peerConn, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", addr, err)
	}

	engine := peer.New(s.cfg.InfoHash, s.cfg.PieceHashes.Len())
	hsBytes := engine.Handshake(s.cfg.LocalPeerID)

	if err := conn.SetDeadline(time.Now().Add(connectTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: set deadline: %w", addr, err)
	}
	if _, err := conn.Write(hsBytes); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: send handshake: %w", addr, err)
	}

	reply := make([]byte, wire.HandshakeSize)
	if _, err := readFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: read handshake: %w", addr, err)
	}
	if err := engine.HandleHandshake(reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", addr, err)
	}

	// Blocking-without-timeout mode for the readiness-driven loop: the
	// reader goroutine's conn.Read now blocks indefinitely until data,
	// EOF, or the connection is closed from this side.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: clear deadline: %w", addr, err)
	}

	rb := ringbuffer.New(piece.BlockSize + ringBufferSlack)

	return &peerConn{addr: addr, conn: conn, engine: engine, rb: rb}, nil
}

func (s *Session) registerPeer(pc *peerConn) {
	pc.id = s.nextID
	s.nextID++
	s.peers[pc.id] = pc

	go s.readLoop(pc.id, pc.conn)
}

func (s *Session) readLoop(id int, conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.events <- connEvent{peerID: id, data: data}
		}
		if err != nil {
			s.events <- connEvent{peerID: id, err: err}
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// loop is the single-threaded readiness-driven event loop: block on the
// shared events channel, dispatch by event class, then run the piece
// assignment phase for the affected peer.
func (s *Session) loop(ctx context.Context) error {
	for {
		if len(s.completed) == s.pieceHashesLen() {
			return nil
		}
		if len(s.peers) == 0 {
			return fmt.Errorf("coordinator: all peers disconnected before completion")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			s.handleEvent(ev)
		case resume := <-s.pauseCh:
			s.setPaused(resume)
		}
	}
}

// setPaused pauses or resumes every connected peer's engine. It is the only
// place pauseCh is read, keeping the transition on the single event-loop
// goroutine alongside every other engine mutation.
func (s *Session) setPaused(resume bool) {
	for _, pc := range s.peers {
		if !resume {
			pc.engine.Pause()
			continue
		}
		for _, msg := range pc.engine.Resume() {
			if _, err := pc.conn.Write(msg.Serialize()); err != nil {
				s.disconnectPeer(pc, err.Error())
				break
			}
		}
	}
}

func (s *Session) pieceHashesLen() int { return s.cfg.PieceHashes.Len() }

func (s *Session) handleEvent(ev connEvent) {
	pc, ok := s.peers[ev.peerID]
	if !ok {
		return
	}

	if ev.err != nil {
		s.disconnectPeer(pc, ev.err.Error())
		return
	}

	if err := pc.rb.Write(ev.data); err != nil {
		pc.strikes++
		if pc.strikes >= 2 {
			s.disconnectPeer(pc, "ring buffer backpressure persisted across reads")
		}
		return
	}

	result, err := pc.engine.Advance(pc.rb)
	if err != nil {
		s.disconnectPeer(pc, err.Error())
		return
	}
	pc.strikes = 0

	for _, msg := range result.Outbound {
		if _, werr := pc.conn.Write(msg.Serialize()); werr != nil {
			s.disconnectPeer(pc, werr.Error())
			return
		}
	}

	if result.Disconnect {
		s.disconnectPeer(pc, result.DisconnectReason)
		return
	}

	if result.PieceReady {
		s.onPieceComplete(pc)
	}

	s.assignWork(pc)
}

func (s *Session) onPieceComplete(pc *peerConn) {
	index := pc.engine.PieceIndex()
	data := pc.engine.PieceBytes()
	s.clearInFlight(index, pc.id)

	expected, err := s.cfg.PieceHashes.At(index)
	if err != nil {
		s.toDownload[index] = struct{}{}
		return
	}

	if sha1.Sum(data) != expected {
		s.failures <- FailureEvent{Peer: pc.addr, Reason: fmt.Sprintf("piece %d hash mismatch", index)}
		s.toDownload[index] = struct{}{}
		return
	}

	s.completed[index] = struct{}{}
	delete(s.toDownload, index)

	if err := s.writePiece(index, data); err != nil {
		s.failures <- FailureEvent{Peer: pc.addr, Reason: fmt.Sprintf("writing piece %d: %v", index, err)}
	}

	s.cancelOthersWorking(index, pc.id)

	s.progress <- ProgressEvent{
		Done:    len(s.completed),
		Total:   s.pieceHashesLen(),
		Percent: float64(len(s.completed)) / float64(s.pieceHashesLen()) * 100,
	}
}

func (s *Session) clearInFlight(index, peerID int) {
	if set, ok := s.inFlight[index]; ok {
		delete(set, peerID)
		if len(set) == 0 {
			delete(s.inFlight, index)
		}
	}
}

func (s *Session) cancelOthersWorking(index, winnerID int) {
	set, ok := s.inFlight[index]
	if !ok {
		return
	}
	for otherID := range set {
		if otherID == winnerID {
			continue
		}
		other, ok := s.peers[otherID]
		if !ok || other.engine.PieceIndex() != index {
			continue
		}
		for _, msg := range other.engine.CancelPiece() {
			_, _ = other.conn.Write(msg.Serialize())
		}
	}
	delete(s.inFlight, index)
}

// isEndgame mirrors spec's ENDGAME predicate: idle engines at least match
// the number of unassigned pieces.
func (s *Session) isEndgame() bool {
	return s.countIdle() >= len(s.toDownload)
}

func (s *Session) countIdle() int {
	n := 0
	for _, pc := range s.peers {
		if pc.engine.State == peer.Idle {
			n++
		}
	}
	return n
}

// assignWork runs the piece-assignment phase for pc (and, in end-game,
// broadcasts to every idle engine at once).
func (s *Session) assignWork(pc *peerConn) {
	if pc.engine.State != peer.Idle {
		return
	}

	if s.isEndgame() {
		s.assignEndgame()
		return
	}

	if len(s.toDownload) == 0 {
		return
	}

	index := s.pickRandomUnassigned()
	if index < 0 {
		return
	}
	s.tryAssign(pc, index, true)
}

func (s *Session) assignEndgame() {
	var index int
	fromPool := false
	if len(s.toDownload) > 0 {
		index = s.pickRandomUnassigned()
		fromPool = true
	} else if len(s.inFlight) > 0 {
		index = s.pickRandomInFlight()
	} else {
		return
	}

	for _, pc := range s.peers {
		if pc.engine.State != peer.Idle {
			continue
		}
		s.tryAssign(pc, index, fromPool)
	}
}

func (s *Session) pickRandomUnassigned() int {
	if len(s.toDownload) == 0 {
		return -1
	}
	pick := rand.Intn(len(s.toDownload))
	i := 0
	for index := range s.toDownload {
		if i == pick {
			return index
		}
		i++
	}
	return -1
}

func (s *Session) pickRandomInFlight() int {
	if len(s.inFlight) == 0 {
		return -1
	}
	pick := rand.Intn(len(s.inFlight))
	i := 0
	for index := range s.inFlight {
		if i == pick {
			return index
		}
		i++
	}
	return -1
}

func (s *Session) tryAssign(pc *peerConn, index int, removeFromPool bool) {
	has, err := pc.engine.Bitfield.Contains(index)
	if err != nil || !has {
		return
	}

	if removeFromPool {
		delete(s.toDownload, index)
	}

	msgs, err := pc.engine.StartPiece(index, s.pieceSizes[index])
	if err != nil {
		if removeFromPool {
			s.toDownload[index] = struct{}{}
		}
		return
	}

	if s.inFlight[index] == nil {
		s.inFlight[index] = make(map[int]struct{})
	}
	s.inFlight[index][pc.id] = struct{}{}

	for _, msg := range msgs {
		if _, err := pc.conn.Write(msg.Serialize()); err != nil {
			s.disconnectPeer(pc, err.Error())
			return
		}
	}
}

func (s *Session) disconnectPeer(pc *peerConn, reason string) {
	if index := pc.engine.PieceIndex(); index >= 0 {
		s.clearInFlight(index, pc.id)
		if _, complete := s.completed[index]; !complete {
			s.toDownload[index] = struct{}{}
		}
	}
	_ = pc.conn.Close()
	delete(s.peers, pc.id)
	s.failures <- FailureEvent{Peer: pc.addr, Reason: reason}
}

func (s *Session) disconnectAll() {
	for _, pc := range s.peers {
		_ = pc.conn.Close()
	}
}

// pieceFilePath is the on-disk location a completed piece is written to:
// <output_dir>/<info_hash_hex>_piece_<index>.torrent_piece.
func (s *Session) pieceFilePath(index int) string {
	return filepath.Join(s.cfg.OutputDir, fmt.Sprintf("%x_piece_%d.torrent_piece", s.cfg.InfoHash, index))
}

func (s *Session) writePiece(index int, data []byte) error {
	path := s.pieceFilePath(index)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, data, 0o644)
}

// resumeFromDisk marks any piece whose file already exists on disk as
// completed, so a restarted session does not redownload it.
func (s *Session) resumeFromDisk() {
	for index := range s.toDownload {
		if _, err := os.Stat(s.pieceFilePath(index)); err == nil {
			s.completed[index] = struct{}{}
			delete(s.toDownload, index)
		}
	}
}
