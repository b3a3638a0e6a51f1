package weave

import (
	"fmt"
	"strings"

	"github.com/tolelom/norn/crypto"
)

const (
	commitmentDriftSeconds = 5 * 60
	commitmentMaxAgeSeconds = 24 * 60 * 60
)

// ValidateCommitment checks a commitment's signature, timestamp freshness,
// and structural well-formedness independent of registry state (spec.md
// §4.2 "Commitment validation"). Registry-relative checks (version
// strictly above the registered one, thread existence) happen in
// State.ApplyCommitment.
func ValidateCommitment(c *Commitment, now uint64) error {
	if err := c.Verify(); err != nil {
		return fmt.Errorf("weave: commitment signature: %w", err)
	}
	if c.Version == 0 {
		return fmt.Errorf("weave: commitment version must be >= 1")
	}
	if c.Timestamp > now+commitmentDriftSeconds {
		return fmt.Errorf("weave: commitment timestamp too far in the future")
	}
	if now > c.Timestamp && now-c.Timestamp > commitmentMaxAgeSeconds {
		return fmt.Errorf("weave: commitment timestamp too old")
	}
	return nil
}

func (r *Registration) signingBytes() []byte {
	return append(append([]byte{}, r.ThreadId[:]...), r.Owner[:]...)
}

// Sign signs a registration with the registering owner's key.
func (r *Registration) Sign(priv crypto.PrivateKey) {
	r.Signature = crypto.Sign(priv, r.signingBytes())
}

// ValidateRegistration checks a registration's signature: the thread id
// must equal the address derived from the owner key, signed by that same
// key (spec.md §4.2 "Registration validation").
func ValidateRegistration(r *Registration) error {
	if r.ThreadId != r.Owner.Address() {
		return fmt.Errorf("weave: registration thread_id does not match addr(owner)")
	}
	return crypto.Verify(r.Owner, r.signingBytes(), r.Signature)
}

func (op *TokenOp) signingBytes() []byte {
	buf := append([]byte{}, byte(op.Kind))
	buf = append(buf, op.TokenId[:]...)
	buf = append(buf, []byte(op.Name)...)
	buf = append(buf, []byte(op.Symbol)...)
	buf = append(buf, op.Decimals)
	ms := op.MaxSupply.Bytes()
	buf = append(buf, ms[:]...)
	a := op.Amount.Bytes()
	buf = append(buf, a[:]...)
	buf = append(buf, op.Creator[:]...)
	return buf
}

// Sign signs a token operation with the creator's key.
func (op *TokenOp) Sign(priv crypto.PrivateKey) { op.Signature = crypto.Sign(priv, op.signingBytes()) }

// TokenId computes the deterministic token identifier for a creation
// operation (spec.md §4.2 "token_id = hash(creator, name, symbol,
// decimals, max_supply, timestamp)").
func TokenId(creator crypto.PublicKey, name, symbol string, decimals uint8, maxSupply [16]byte, timestamp uint64) crypto.Hash {
	buf := append([]byte{}, creator[:]...)
	buf = append(buf, []byte(name)...)
	buf = append(buf, []byte(symbol)...)
	buf = append(buf, decimals)
	buf = append(buf, maxSupply[:]...)
	var tb [8]byte
	for i := 0; i < 8; i++ {
		tb[i] = byte(timestamp >> (8 * i))
	}
	buf = append(buf, tb[:]...)
	return crypto.SumKeyed("norn.token-id", buf)
}

const (
	maxTokenNameLen   = 64
	maxTokenSymbolLen = 12
)

// ValidateTokenOp checks a token operation's signature and, for creation,
// its name/symbol bounds and token_id derivation (spec.md §4.2 "Token
// operations": symbol is uppercase alphanumeric 1-12 characters, name is
// printable ASCII 1-64 characters). Supply-side checks (max-supply
// enforcement) happen in State.ApplyTokenOp, which has the running
// registry.
func ValidateTokenOp(op *TokenOp) error {
	if err := crypto.Verify(op.Creator, op.signingBytes(), op.Signature); err != nil {
		return fmt.Errorf("weave: token op signature: %w", err)
	}
	if op.Kind != TokenCreate {
		return nil
	}
	if len(op.Name) == 0 || len(op.Name) > maxTokenNameLen {
		return fmt.Errorf("weave: token name length out of bounds")
	}
	for _, r := range op.Name {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("weave: token name must be printable ASCII")
		}
	}
	if len(op.Symbol) == 0 || len(op.Symbol) > maxTokenSymbolLen {
		return fmt.Errorf("weave: token symbol length out of bounds")
	}
	for _, r := range op.Symbol {
		if !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return fmt.Errorf("weave: token symbol must be uppercase alphanumeric")
		}
	}
	want := TokenId(op.Creator, op.Name, op.Symbol, op.Decimals, op.MaxSupply.Bytes(), op.Timestamp)
	if want != op.TokenId {
		return fmt.Errorf("weave: token_id does not match derivation")
	}
	return nil
}

func (op *NameOp) signingBytes() []byte {
	buf := append([]byte{}, byte(op.Kind))
	buf = append(buf, []byte(op.Name)...)
	buf = append(buf, op.Owner[:]...)
	buf = append(buf, op.NewOwner[:]...)
	return buf
}

// Sign signs a name operation with the signer's key (the registrant for
// Register, the current owner for Transfer).
func (op *NameOp) Sign(priv crypto.PrivateKey) { op.Signature = crypto.Sign(priv, op.signingBytes()) }

const (
	minNameLen = 3
	maxNameLen = 32
)

// ValidateNameOp checks a name operation's signature and, for
// registration, the name's character-class rule: lowercase ASCII letters,
// digits, and hyphens only, 3-32 characters (spec.md §4.2 "Name
// registry").
func ValidateNameOp(op *NameOp) error {
	signer := op.Owner
	if err := crypto.Verify(signer, op.signingBytes(), op.Signature); err != nil {
		return fmt.Errorf("weave: name op signature: %w", err)
	}
	if len(op.Name) < minNameLen || len(op.Name) > maxNameLen {
		return fmt.Errorf("weave: name length out of bounds")
	}
	for _, r := range op.Name {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return fmt.Errorf("weave: name %q contains an invalid character", op.Name)
		}
	}
	if strings.HasPrefix(op.Name, "-") || strings.HasSuffix(op.Name, "-") {
		return fmt.Errorf("weave: name %q cannot start or end with a hyphen", op.Name)
	}
	return nil
}
