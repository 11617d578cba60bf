// Package crypto holds the integrity and credential helpers used on the
// data path.
package crypto

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// NewChecksum returns the running hash used for file transfers.
func NewChecksum() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only a key longer than 64 bytes fails; no key is passed.
		panic(err)
	}
	return h
}

// FileChecksum returns the hex blake2b-256 digest of the file at path.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer file.Close()

	h := NewChecksum()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumHex returns the hex digest accumulated in h.
func SumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
