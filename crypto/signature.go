package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// Signature is a 64-byte Ed25519 signature.
type Signature [SignatureSize]byte

func (s Signature) Hex() string { return hex.EncodeToString(s[:]) }
func (s Signature) IsZero() bool { return s == Signature{} }

// SignatureFromHex decodes a hex-encoded signature.
func SignatureFromHex(s string) (Signature, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Signature{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(b) != SignatureSize {
		return Signature{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(b))
	}
	var sig Signature
	copy(sig[:], b)
	return sig, nil
}

// Sign signs data with priv.
func Sign(priv PrivateKey, data []byte) Signature {
	raw := ed25519.Sign(ed25519.PrivateKey(priv[:]), data)
	var sig Signature
	copy(sig[:], raw)
	return sig
}

// Verify checks sig against data under pub.
func Verify(pub PublicKey, data []byte, sig Signature) error {
	if !ed25519.Verify(ed25519.PublicKey(pub[:]), data, sig[:]) {
		return errors.New("signature verification failed")
	}
	return nil
}

// BatchItem is one (pubkey, message, signature) triple to check together.
type BatchItem struct {
	Pub PublicKey
	Msg []byte
	Sig Signature
}

// VerifyBatch verifies every item in items and reports the index of the
// first failure, or (-1, nil) if all signatures are valid.
//
// The ecosystem libraries available in this pack do not expose an
// Ed25519 batch-verification primitive (the stdlib's ed25519.Verify has
// no batch form and none of the pack's crypto dependencies add one), so
// this loops over individual verification. The result is identical to
// true batch verification; only the constant-factor speedup of combined
// scalar multiplication is foregone. See DESIGN.md.
func VerifyBatch(items []BatchItem) (failedIndex int, err error) {
	for i, it := range items {
		if verr := Verify(it.Pub, it.Msg, it.Sig); verr != nil {
			return i, fmt.Errorf("batch item %d: %w", i, verr)
		}
	}
	return -1, nil
}
