// Package peerid constructs the process-wide 20-byte peer id: generated
// once by the caller and threaded through construction, never read back
// from a package-level global.
package peerid

import (
	"fmt"

	"github.com/google/uuid"
)

// ClientPrefix is the Azureus-style client identification tag this leecher
// announces itself with, mirroring torrent/utils.go's "-GT0001-" prefix
// convention but under a name of our own.
const ClientPrefix = "-LH0100-"

const Size = 20

// New derives a fresh 20-byte peer id from a random UUIDv4 draw. The
// teacher's GeneratePeerID reads crypto/rand directly; uuid.New() already
// draws 16 bytes of crypto/rand-backed entropy and is a teacher dependency,
// so this reuses it instead of hand-rolling the same thing twice.
func New() [Size]byte {
	id := uuid.New()
	return derive(id)
}

func derive(id uuid.UUID) [Size]byte {
	var out [Size]byte
	copy(out[:], ClientPrefix)
	copy(out[len(ClientPrefix):], id[:])
	return out
}

// String renders id for log lines, escaping any non-printable bytes drawn
// from the UUID tail.
func String(id [Size]byte) string {
	return fmt.Sprintf("%q", id[:])
}
