// Package metainfo loads .torrent files, computes the info digest, and
// exposes the piece hash array. Grounded on torrent/torrent.go and
// torrent/parse.go, restructured around the
// hand-rolled bencode.Value codec (package bencode) for the byte-exact
// info-dict round trip the digest depends on.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	bencodego "github.com/jackpal/bencode-go"

	"leech/bencode"
)

// ErrMultiFileUnsupported is returned by Load when the torrent's info dict
// carries a "files" list. Multi-file torrents are out of scope for this
// leecher.
var ErrMultiFileUnsupported = fmt.Errorf("metainfo: multi-file torrents are not supported")

// File is the subset of a .torrent file's fields the core depends on, plus
// the opportunistically-decoded surrounding fields a real .torrent always
// carries, which never affect any core invariant.
type File struct {
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate int64

	Name        string
	PieceLength int64
	Length      int64
	InfoHash    [20]byte
	PieceHashes PieceHashes
}

// rawTorrent mirrors torrent/torrent.go's bencode-struct-tag shape, used
// only to pull the convenience fields via github.com/jackpal/bencode-go —
// the same library torrent/torrent.go depends on for exactly this purpose.
type rawTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Comment      string      `bencode:"comment"`
	CreatedBy    string      `bencode:"created by"`
	CreationDate int64       `bencode:"creation date"`
	Info         rawInfoMeta `bencode:"info"`
}

type rawInfoMeta struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Length      int64  `bencode:"length"`
}

// PieceHashes is a logical array of 20-byte SHA-1 digests viewed over the
// info dict's "pieces" byte string.
type PieceHashes []byte

const hashLen = 20

// Len reports how many piece hashes are present.
func (p PieceHashes) Len() int { return len(p) / hashLen }

// At returns the 20-byte hash for piece index i.
func (p PieceHashes) At(i int) ([20]byte, error) {
	var out [20]byte
	start := i * hashLen
	end := start + hashLen
	if end > len(p) {
		return out, fmt.Errorf("metainfo: piece index %d out of range (%d pieces)", i, p.Len())
	}
	copy(out[:], p[start:end])
	return out, nil
}

// Load parses path as a .torrent file and computes its info digest.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw .torrent bytes into a File, computing the info digest
// from the byte-exact re-encoding of the info sub-dictionary.
func Parse(data []byte) (*File, error) {
	var raw rawTorrent
	if err := bencodego.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding metainfo: %w", err)
	}

	infoValue, err := extractInfoValue(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: extracting info dict: %w", err)
	}

	piecesVal, ok := infoValue.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("metainfo: info dict missing \"pieces\" byte string")
	}
	if len(piecesVal.Str)%hashLen != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d is not a multiple of %d", len(piecesVal.Str), hashLen)
	}

	if filesVal, ok := infoValue.Get("files"); ok && filesVal.Kind == bencode.KindList && len(filesVal.List) > 0 {
		return nil, ErrMultiFileUnsupported
	}

	digest := sha1.Sum(bencode.Encode(infoValue))

	return &File{
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
		CreationDate: raw.CreationDate,
		Name:         raw.Info.Name,
		PieceLength:  raw.Info.PieceLength,
		Length:       raw.Info.Length,
		InfoHash:     digest,
		PieceHashes:  PieceHashes(piecesVal.Str),
	}, nil
}

// extractInfoValue locates the "info" dict inside a bencoded metainfo file
// and decodes it as a bencode.Value, the way torrent/parse.go's
// extractInfoBytes locates the raw bytes by hand — generalized here to
// return a structured Value instead of a byte slice, since the digest is
// computed by re-encoding through bencode.Encode rather than by trusting
// the source bytes verbatim (which lets Parse also validate the dict is
// well-formed bencode, not just balanced brackets).
func extractInfoValue(data []byte) (bencode.Value, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return bencode.Value{}, fmt.Errorf("metainfo: no \"4:info\" key found")
	}

	start := idx + len("4:info")
	if start >= len(data) {
		return bencode.Value{}, fmt.Errorf("metainfo: truncated after info key")
	}

	v, _, err := bencode.Decode(data[start:])
	if err != nil {
		return bencode.Value{}, err
	}
	if v.Kind != bencode.KindDict {
		return bencode.Value{}, fmt.Errorf("metainfo: \"info\" value is not a dict")
	}
	return v, nil
}

// TotalSize returns the total content length for this (single-file) torrent.
func (f *File) TotalSize() int64 { return f.Length }

// PieceSize resolves the actual byte-length of piece index i. The final
// piece's size is total_length mod piece_length, substituting piece_length
// itself when that remainder is zero rather than the zero-length piece a
// naive modulo would produce.
func (f *File) PieceSize(index int) (int, error) {
	numPieces := f.PieceHashes.Len()
	if index < 0 || index >= numPieces {
		return 0, fmt.Errorf("metainfo: piece index %d out of range (%d pieces)", index, numPieces)
	}

	if index < numPieces-1 {
		return int(f.PieceLength), nil
	}

	remainder := f.Length % f.PieceLength
	if remainder == 0 {
		return int(f.PieceLength), nil
	}
	return int(remainder), nil
}

// InfoHashHex renders the info digest as lowercase hex, used in the piece
// file and output directory naming conventions.
func (f *File) InfoHashHex() string {
	return fmt.Sprintf("%x", f.InfoHash)
}

// String renders basic torrent identity for log lines.
func (f *File) String() string {
	return f.Name + " (" + strconv.Itoa(f.PieceHashes.Len()) + " pieces, " + f.InfoHashHex() + ")"
}
