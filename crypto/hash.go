// Package crypto provides the Ed25519 signing, BLAKE3 hashing, X25519+
// XChaCha20-Poly1305 direct-message encryption, and Shamir secret sharing
// primitives used throughout norn.
package crypto

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// HashSize is the length in bytes of a norn Hash.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the hash bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// Sum returns BLAKE3(data) with no domain separation.
func Sum(data []byte) Hash {
	return SumKeyed("", data)
}

// SumKeyed returns BLAKE3(domain || 0x00 || data...). Domain separation
// keeps hashes computed over structurally different things (a knot id vs.
// a thread state hash vs. a block hash) from colliding even when their
// encodings happen to produce identical bytes.
func SumKeyed(domain string, data ...[]byte) Hash {
	h := blake3.New(HashSize, nil)
	if domain != "" {
		h.Write([]byte(domain))
		h.Write([]byte{0})
	}
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashFromHex decodes a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
