package chunkxfer

import (
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

// Transfer is the terminal status of a completed session.
type Transfer struct {
	// Name is the file's base name as it appeared on the wire
	Name string

	// Length is the declared file length
	Length int64

	// Bytes is the number of body bytes sent or received
	Bytes int64

	// Chunks is the number of data chunks (sentinel excluded)
	Chunks int64

	// Digest is the BLAKE3-256 digest of the body bytes in stream order
	Digest [32]byte

	Duration time.Duration
}

// DigestHex returns the digest as a hex string.
func (t *Transfer) DigestHex() string {
	return hex.EncodeToString(t.Digest[:])
}

// digest accumulates the BLAKE3 digest of chunk bodies.
type digest struct {
	h *blake3.Hasher
}

func newDigest() *digest {
	return &digest{h: blake3.New()}
}

func (d *digest) add(body []byte) {
	// blake3.Hasher.Write never fails
	d.h.Write(body)
}

func (d *digest) sum() [32]byte {
	var out [32]byte
	copy(out[:], d.h.Sum(nil))
	return out
}

// DigestFile returns the BLAKE3-256 digest of the file at path, for
// comparing against Transfer.Digest.
func DigestFile(path string) ([32]byte, error) {
	var result [32]byte
	f, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer f.Close()

	hash := blake3.New()
	if _, err := io.Copy(hash, f); err != nil {
		return result, err
	}
	copy(result[:], hash.Sum(nil))
	return result, nil
}
