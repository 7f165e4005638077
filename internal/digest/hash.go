// Package digest computes the content digest carried in a FileHeader
// (spec.md §4.2). The digest is SHA-256, streamed in 4 KiB chunks from
// the file's current position to EOF, lowercase hex encoded.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

const chunkSize = 4096

// Hash reads f from its current position to EOF in chunkSize-sized
// reads, feeding a SHA-256 digest, then seeks f back to offset 0 before
// returning the lowercase hex digest. The caller must hold an exclusive
// advisory lock across the call and any subsequent read of the same
// content (spec.md §4.2's contract); this package does not take locks
// itself, see internal/filelock.
func Hash(f *os.File) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errors.Wrap(err, "digest: read file")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", errors.Wrap(err, "digest: rewind file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
