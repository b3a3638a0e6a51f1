package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PublicKeySize and PrivateKeySize match Ed25519 exactly.
const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	AddressSize    = 20
)

// PublicKey is a 32-byte Ed25519 public key.
type PublicKey [PublicKeySize]byte

// PrivateKey is a 64-byte Ed25519 private key (seed || public key).
type PrivateKey [PrivateKeySize]byte

// Address is the leading 20 bytes of BLAKE3(pubkey). It doubles as a
// ThreadId: every thread is owned by exactly one public key and is
// addressed by the hash of that key.
type Address [AddressSize]byte

// GenerateKeyPair generates a new Ed25519 key pair.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	var p PrivateKey
	var q PublicKey
	copy(p[:], priv)
	copy(q[:], pub)
	return p, q, nil
}

// Public derives the public key half of priv.
func (priv PrivateKey) Public() PublicKey {
	var pub PublicKey
	copy(pub[:], ed25519.PrivateKey(priv[:]).Public().(ed25519.PublicKey))
	return pub
}

// Address derives the 20-byte address (ThreadId) owned by pub.
func (pub PublicKey) Address() Address {
	h := Sum(pub[:])
	var a Address
	copy(a[:], h[:AddressSize])
	return a
}

func (pub PublicKey) Hex() string  { return hex.EncodeToString(pub[:]) }
func (priv PrivateKey) Hex() string { return hex.EncodeToString(priv[:]) }
func (a Address) Hex() string      { return hex.EncodeToString(a[:]) }
func (a Address) String() string   { return a.Hex() }
func (a Address) IsZero() bool     { return a == Address{} }

// PubKeyFromHex decodes a hex-encoded Ed25519 public key.
func PubKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("pubkey must be %d bytes, got %d", PublicKeySize, len(b))
	}
	var pub PublicKey
	copy(pub[:], b)
	return pub, nil
}

// PrivKeyFromHex decodes a hex-encoded Ed25519 private key.
func PrivKeyFromHex(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("invalid privkey hex: %w", err)
	}
	if len(b) != PrivateKeySize {
		return PrivateKey{}, fmt.Errorf("privkey must be %d bytes, got %d", PrivateKeySize, len(b))
	}
	var priv PrivateKey
	copy(priv[:], b)
	return priv, nil
}

// AddressFromHex decodes a hex-encoded address.
func AddressFromHex(s string) (Address, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address hex: %w", err)
	}
	if len(b) != AddressSize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(b))
	}
	var a Address
	copy(a[:], b)
	return a, nil
}
