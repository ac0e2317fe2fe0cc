// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strconv"
)

// Hasher implements crawler.Hasher and crawler.Fingerprinter using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint digests a flat field map. Keys are visited in sorted order and
// every key and value is length-prefixed, so equal maps always hash equal and
// no two distinct maps share a serialization.
func (h *Hasher) Fingerprint(fields map[string]string) string {
	digest := sha256.New()
	buf := make([]byte, 0, 64)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		buf = appendField(buf[:0], k)
		buf = appendField(buf, fields[k])
		digest.Write(buf)
	}
	return hex.EncodeToString(digest.Sum(nil))
}

func appendField(dst []byte, s string) []byte {
	dst = strconv.AppendInt(dst, int64(len(s)), 10)
	dst = append(dst, ':')
	return append(dst, s...)
}
