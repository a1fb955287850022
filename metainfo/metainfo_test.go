package metainfo

import (
	"crypto/sha1"
	"testing"

	"leech/bencode"
)

func buildTorrentBytes(t *testing.T, pieceLength, length int64, numPieces int) ([]byte, bencode.Value) {
	t.Helper()

	pieces := make([]byte, numPieces*hashLen)
	for i := range pieces {
		pieces[i] = byte(i)
	}

	info := bencode.Dict([]bencode.DictEntry{
		{Key: []byte("name"), Value: bencode.String([]byte("test.iso"))},
		{Key: []byte("piece length"), Value: bencode.Int(pieceLength)},
		{Key: []byte("length"), Value: bencode.Int(length)},
		{Key: []byte("pieces"), Value: bencode.String(pieces)},
	})

	root := bencode.Dict([]bencode.DictEntry{
		{Key: []byte("announce"), Value: bencode.String([]byte("http://tracker.example/announce"))},
		{Key: []byte("info"), Value: info},
	})

	return bencode.Encode(root), info
}

func TestParseComputesInfoDigest(t *testing.T) {
	data, info := buildTorrentBytes(t, 32768, 65536, 2)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := sha1.Sum(bencode.Encode(info))
	if f.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x", f.InfoHash, want)
	}
	if f.Announce != "http://tracker.example/announce" {
		t.Fatalf("Announce = %q", f.Announce)
	}
	if f.PieceHashes.Len() != 2 {
		t.Fatalf("PieceHashes.Len() = %d, want 2", f.PieceHashes.Len())
	}
}

func TestPieceSizeExactMultiple(t *testing.T) {
	data, _ := buildTorrentBytes(t, 32768, 65536, 2)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// When total_length is an exact multiple of piece_length, the final
	// piece's size must be piece_length, not 0.
	size, err := f.PieceSize(1)
	if err != nil {
		t.Fatalf("PieceSize(1): %v", err)
	}
	if size != 32768 {
		t.Fatalf("PieceSize(1) = %d, want 32768", size)
	}
}

func TestPieceSizeRemainder(t *testing.T) {
	data, _ := buildTorrentBytes(t, 32768, 65536+100, 3)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	size, err := f.PieceSize(2)
	if err != nil {
		t.Fatalf("PieceSize(2): %v", err)
	}
	if size != 100 {
		t.Fatalf("PieceSize(2) = %d, want 100", size)
	}
}

func TestPieceSizeNonFinalIsNominal(t *testing.T) {
	data, _ := buildTorrentBytes(t, 32768, 65536+100, 3)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	size, err := f.PieceSize(0)
	if err != nil {
		t.Fatalf("PieceSize(0): %v", err)
	}
	if size != 32768 {
		t.Fatalf("PieceSize(0) = %d, want 32768", size)
	}
}

func TestParseRejectsMultiFile(t *testing.T) {
	info := bencode.Dict([]bencode.DictEntry{
		{Key: []byte("name"), Value: bencode.String([]byte("dir"))},
		{Key: []byte("piece length"), Value: bencode.Int(32768)},
		{Key: []byte("pieces"), Value: bencode.String(make([]byte, hashLen))},
		{Key: []byte("files"), Value: bencode.List([]bencode.Value{
			bencode.Dict([]bencode.DictEntry{
				{Key: []byte("length"), Value: bencode.Int(10)},
				{Key: []byte("path"), Value: bencode.List([]bencode.Value{bencode.String([]byte("a"))})},
			}),
		})},
	})
	root := bencode.Dict([]bencode.DictEntry{
		{Key: []byte("announce"), Value: bencode.String([]byte("http://t"))},
		{Key: []byte("info"), Value: info},
	})

	_, err := Parse(bencode.Encode(root))
	if err != ErrMultiFileUnsupported {
		t.Fatalf("Parse: err = %v, want ErrMultiFileUnsupported", err)
	}
}
