// Package weave implements the global chain: mempool, commitment/
// registration/token/name validation, fee market, validator set and
// leader rotation, block assembly, and epoch rewards (spec.md §4.2).
// Grounded on the teacher's core/mempool.go (pool shape), core/block.go
// (header/hash/sign pattern), core/blockchain.go (apply-and-checkpoint
// flow), and consensus/poa.go (validator indexing, leader rotation),
// generalized from a single flat transaction chain to a chain of
// per-category commitments over independently owned threads.
package weave

import (
	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/fraud"
	"github.com/tolelom/norn/thread"
)

// Commitment is a thread's signed announcement of its latest
// (version, state_hash) to the weave. It is structurally identical to a
// thread.Header (the fields spec.md §3 and §4.2 ask for coincide), so it
// is reused directly rather than duplicated.
type Commitment = thread.Header

// Registration creates a new thread at genesis state (spec.md §4.2
// "Registration validation").
type Registration struct {
	ThreadId  crypto.Address
	Owner     crypto.PublicKey
	Timestamp uint64
	Signature crypto.Signature
}

// Anchor is a weave-side commitment of a loom's current state root
// (spec.md glossary "Anchor"), signed by the loom's most recent
// executor/participant so a stale or forged anchor cannot be injected.
type Anchor struct {
	LoomId      crypto.Hash
	StateHash   crypto.Hash
	BlockHeight uint64
	Timestamp   uint64
	Signer      crypto.PublicKey
	Signature   crypto.Signature
}

func (a *Anchor) signingBytes() []byte {
	buf := append([]byte{}, a.LoomId[:]...)
	buf = append(buf, a.StateHash[:]...)
	buf = append(buf, a.Signer[:]...)
	return buf
}

// Sign signs the anchor with the signer's key.
func (a *Anchor) Sign(priv crypto.PrivateKey) { a.Signature = crypto.Sign(priv, a.signingBytes()) }

// Verify checks the anchor's signature against Signer.
func (a *Anchor) Verify() error { return crypto.Verify(a.Signer, a.signingBytes(), a.Signature) }

// TokenOpKind tags a token-registry mutation.
type TokenOpKind uint8

const (
	TokenCreate TokenOpKind = iota
	TokenMint
	TokenBurn
)

// TokenOp is a signed token-registry operation: creation, or a
// creator-signed mint/burn against an existing token (spec.md §4.2 "Token
// operations"). Creation charges no fee: neither the struct nor
// State.ApplyTokenOp carries or burns one.
type TokenOp struct {
	Kind      TokenOpKind
	TokenId   crypto.Hash
	Name      string // Create only
	Symbol    string // Create only
	Decimals  uint8  // Create only
	MaxSupply amount.Amount
	Amount    amount.Amount // Create: InitialSupply; Mint/Burn: delta
	Creator   crypto.PublicKey
	Timestamp uint64
	Signature crypto.Signature
}

// NameOpKind tags a name-registry mutation.
type NameOpKind uint8

const (
	NameRegister NameOpKind = iota
	NameTransfer
)

// NameOp is a signed name-registry operation (spec.md §4.2 "Name
// registry"). Register is signed by Owner; Transfer is signed by the
// name's current owner and carries the new owner in NewOwner.
type NameOp struct {
	Kind      NameOpKind
	Name      string
	Owner     crypto.PublicKey // Register: the registrant; Transfer: current owner (signer)
	NewOwner  crypto.PublicKey // Transfer only
	FeePaid   amount.Amount
	Timestamp uint64
	Signature crypto.Signature
}

// FraudProofEntry is a fraud submission as carried in a block's contents;
// it is an alias of fraud.Submission and records nothing about the block.
type FraudProofEntry = fraud.Submission
