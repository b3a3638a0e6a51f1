package crypto

import (
	"crypto/rand"
	"fmt"
)

// Share is one point of a Shamir split: X is the share index (1..255), Y
// holds one GF(256) byte of the split secret per secret byte.
type Share struct {
	X byte
	Y []byte
}

// SplitSecret splits secret into n shares such that any k of them
// reconstruct it (Shamir secret sharing over GF(256), byte-at-a-time).
// Grounded on the original Rust implementation's scheme
// (norn-crypto/src/shamir.rs): a degree-(k-1) polynomial per secret byte,
// with the secret as the constant term and the other coefficients random.
func SplitSecret(secret []byte, n, k int) ([]Share, error) {
	if k < 1 || n < k || n > 255 {
		return nil, fmt.Errorf("invalid shamir parameters: n=%d k=%d", n, k)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret must not be empty")
	}

	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{X: byte(i + 1), Y: make([]byte, len(secret))}
	}

	coeffs := make([]byte, k)
	for byteIdx, secretByte := range secret {
		coeffs[0] = secretByte
		if _, err := rand.Read(coeffs[1:]); err != nil {
			return nil, fmt.Errorf("generate random coefficients: %w", err)
		}
		for _, sh := range shares {
			sh.Y[byteIdx] = gfEvalPoly(coeffs, sh.X)
		}
	}
	return shares, nil
}

// ReconstructSecret recovers the original secret from at least k of the
// shares produced by SplitSecret, via Lagrange interpolation at x=0.
func ReconstructSecret(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares provided")
	}
	secretLen := len(shares[0].Y)
	for _, sh := range shares {
		if len(sh.Y) != secretLen {
			return nil, fmt.Errorf("share length mismatch")
		}
	}
	seen := make(map[byte]bool, len(shares))
	for _, sh := range shares {
		if sh.X == 0 {
			return nil, fmt.Errorf("share x coordinate must not be zero")
		}
		if seen[sh.X] {
			return nil, fmt.Errorf("duplicate share x=%d", sh.X)
		}
		seen[sh.X] = true
	}

	secret := make([]byte, secretLen)
	for byteIdx := range secret {
		secret[byteIdx] = gfLagrangeAtZero(shares, byteIdx)
	}
	return secret, nil
}

// ---- GF(256) arithmetic (AES polynomial x^8+x^4+x^3+x+1, as used by the
// reference Shamir implementation this is grounded on) ----

func gfMul(a, b byte) byte {
	var p byte
	for i := 0; i < 8 && a != 0 && b != 0; i++ {
		if b&1 != 0 {
			p ^= a
		}
		hi := a & 0x80
		a <<= 1
		if hi != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

func gfInv(a byte) byte {
	if a == 0 {
		return 0
	}
	// a^254 = a^-1 in GF(256), by Fermat's little theorem for GF(2^8)*.
	result := byte(1)
	base := a
	exp := 254
	for exp > 0 {
		if exp&1 != 0 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
		exp >>= 1
	}
	return result
}

func gfDiv(a, b byte) byte {
	return gfMul(a, gfInv(b))
}

func gfAdd(a, b byte) byte {
	return a ^ b
}

// gfEvalPoly evaluates the polynomial with coefficients[0]=constant term,
// ..., coefficients[k-1]=leading term, at point x, via Horner's method.
func gfEvalPoly(coeffs []byte, x byte) byte {
	var result byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		result = gfAdd(gfMul(result, x), coeffs[i])
	}
	return result
}

// gfLagrangeAtZero interpolates the byteIdx-th byte of the polynomial
// determined by shares, evaluated at x=0 (the secret).
func gfLagrangeAtZero(shares []Share, byteIdx int) byte {
	var result byte
	for i, si := range shares {
		num := byte(1)
		den := byte(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			num = gfMul(num, sj.X)
			den = gfMul(den, gfAdd(sj.X, si.X))
		}
		term := gfMul(si.Y[byteIdx], gfDiv(num, den))
		result = gfAdd(result, term)
	}
	return result
}
