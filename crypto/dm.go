package crypto

import (
	"crypto/rand"
	sha256lite "crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// DMPublicKey and DMPrivateKey are X25519 keys used only for direct-message
// encryption, kept distinct from the Ed25519 signing keypair.
type DMPublicKey [32]byte
type DMPrivateKey [32]byte

// GenerateDMKeyPair creates a fresh X25519 key pair.
func GenerateDMKeyPair() (DMPrivateKey, DMPublicKey, error) {
	var priv DMPrivateKey
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return DMPrivateKey{}, DMPublicKey{}, err
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return DMPrivateKey{}, DMPublicKey{}, err
	}
	var pk DMPublicKey
	copy(pk[:], pub)
	return priv, pk, nil
}

// sealedMessage is the wire form of an encrypted direct message: the
// sender's ephemeral public key, the AEAD nonce, and the ciphertext.
type sealedMessage struct {
	Ephemeral DMPublicKey
	Nonce     [chacha20poly1305.NonceSizeX]byte
	Cipher    []byte
}

// SealDirectMessage encrypts plaintext for recipientPub using an ephemeral
// X25519 key agreement followed by XChaCha20-Poly1305, with additionalData
// authenticated but not encrypted (typically sender/recipient addresses).
func SealDirectMessage(recipientPub DMPublicKey, plaintext, additionalData []byte) ([]byte, error) {
	ephPriv, ephPub, err := GenerateDMKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	key, err := deriveAEADKey(shared, ephPub[:], recipientPub[:])
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	cipher := aead.Seal(nil, nonce[:], plaintext, additionalData)

	out := make([]byte, 0, 32+len(nonce)+len(cipher))
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = append(out, cipher...)
	return out, nil
}

// OpenDirectMessage decrypts a message produced by SealDirectMessage using
// the recipient's private key.
func OpenDirectMessage(recipientPriv DMPrivateKey, sealed, additionalData []byte) ([]byte, error) {
	const headerLen = 32 + chacha20poly1305.NonceSizeX
	if len(sealed) < headerLen {
		return nil, fmt.Errorf("sealed message too short: %d bytes", len(sealed))
	}
	var ephPub DMPublicKey
	copy(ephPub[:], sealed[:32])
	var nonce [chacha20poly1305.NonceSizeX]byte
	copy(nonce[:], sealed[32:headerLen])
	cipher := sealed[headerLen:]

	recipientPub, err := curve25519.X25519(recipientPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(recipientPriv[:], ephPub[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	key, err := deriveAEADKey(shared, ephPub[:], recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce[:], cipher, additionalData)
	if err != nil {
		return nil, fmt.Errorf("open sealed message: %w", err)
	}
	return plain, nil
}

// deriveAEADKey stretches the raw X25519 shared secret into a symmetric
// AEAD key via HKDF, binding in both parties' public material so a key
// reused across conversations never collides.
func deriveAEADKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	info := append(append([]byte{}, ephPub...), recipientPub...)
	r := hkdf.New(sha256lite.New, shared, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive aead key: %w", err)
	}
	return key, nil
}
