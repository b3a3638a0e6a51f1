// Package fraud implements the double-knot monitor and fraud-proof
// submission/verification pipeline (spec.md §4.5). No direct teacher
// analog exists (the teacher's PoA consensus trusts its single proposer
// and has no misbehavior-detection path); grounded on
// original_source/'s fraud-proof modules per SPEC_FULL.md §12, built in
// the teacher's error-kind/explicit-result idiom (core/transaction.go,
// consensus/poa.go ValidateBlock).
package fraud

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/wire"
)

// Monitor tracks, per thread, the knot id claimed at each version, so a
// second distinct knot claiming a version already seen can be detected
// (spec.md §4.5 "Per-thread monitor").
type Monitor struct {
	seen map[crypto.Address]map[uint64]crypto.Hash
}

// NewMonitor returns an empty double-knot monitor.
func NewMonitor() *Monitor {
	return &Monitor{seen: make(map[crypto.Address]map[uint64]crypto.Hash)}
}

// Observe records k's effect on threadId at the version claimed in its
// after-state, returning a DoubleKnot proof if a different knot already
// claimed that same version.
func (m *Monitor) Observe(threadId crypto.Address, version uint64, knotId crypto.Hash, full *thread.Knot, prior func(crypto.Hash) (*thread.Knot, bool)) *DoubleKnot {
	byVersion, ok := m.seen[threadId]
	if !ok {
		byVersion = make(map[uint64]crypto.Hash)
		m.seen[threadId] = byVersion
	}
	if existing, ok := byVersion[version]; ok && existing != knotId {
		if priorKnot, found := prior(existing); found {
			return &DoubleKnot{ThreadId: threadId, KnotA: priorKnot, KnotB: full}
		}
	}
	byVersion[version] = knotId
	return nil
}

// DoubleKnot is evidence that two distinct knots both claim the same
// version for the same thread.
type DoubleKnot struct {
	ThreadId crypto.Address
	KnotA    *thread.Knot
	KnotB    *thread.Knot
}

// TransitionVerdict is the outcome of re-executing a claimed loom state
// transition (spec.md §4.4 "Determinism / fraud proofs").
type TransitionVerdict int

const (
	Valid TransitionVerdict = iota
	Invalid
)

// Verifier abstracts the loom runtime's re-execution challenge so this
// package does not need to import the (much larger) loom package.
// loom.Executor satisfies this interface through its ChallengeTransition
// method: it resolves BytecodeRef and InitialRef against its own store
// and re-executes deterministically.
type Verifier interface {
	ChallengeTransition(loomId crypto.Hash, bytecodeRef, initialRef crypto.Hash, prevStateHash, newStateHash crypto.Hash, sender crypto.Address, blockHeight uint64, timestamp uint64, input []byte) (TransitionVerdict, string, error)
}

// ProofKind tags which variant a FraudProofSubmission carries.
type ProofKind uint8

const (
	ProofDoubleKnot ProofKind = iota
	ProofInvalidLoomTransition
)

// InvalidLoomTransitionProof references the claimed transition to
// re-execute; bytecode and initial state are referenced by hash so the
// submission stays small, resolved by the verifier against its own store.
type InvalidLoomTransitionProof struct {
	LoomId        crypto.Hash
	BytecodeRef   crypto.Hash
	InitialRef    crypto.Hash
	PrevStateHash crypto.Hash
	NewStateHash  crypto.Hash
	Sender        crypto.Address
	BlockHeight   uint64
	Timestamp     uint64
	Input         []byte
}

// Submission is a signed fraud-proof report (spec.md §4.5
// "FraudProofSubmission").
type Submission struct {
	ReporterPubKey crypto.PublicKey
	Kind           ProofKind
	DoubleKnot     *DoubleKnot
	InvalidLoom    *InvalidLoomTransitionProof
	Timestamp      uint64
	Signature      crypto.Signature
}

func (s *Submission) signingBytes() []byte {
	e := wire.NewEncoder()
	e.WriteFixed(s.ReporterPubKey[:])
	e.WriteUint8(uint8(s.Kind))
	switch s.Kind {
	case ProofDoubleKnot:
		e.WriteFixed(s.DoubleKnot.ThreadId[:])
		e.WriteFixed(s.DoubleKnot.KnotA.Id[:])
		e.WriteFixed(s.DoubleKnot.KnotB.Id[:])
	case ProofInvalidLoomTransition:
		p := s.InvalidLoom
		e.WriteFixed(p.LoomId[:])
		e.WriteFixed(p.BytecodeRef[:])
		e.WriteFixed(p.InitialRef[:])
		e.WriteFixed(p.PrevStateHash[:])
		e.WriteFixed(p.NewStateHash[:])
		e.WriteFixed(p.Sender[:])
		e.WriteUint64(p.BlockHeight)
		e.WriteUint64(p.Timestamp)
		e.WriteBytes(p.Input)
	}
	e.WriteUint64(s.Timestamp)
	return e.Bytes()
}

// Sign signs the submission with the reporter's private key.
func (s *Submission) Sign(priv crypto.PrivateKey) {
	s.Signature = crypto.Sign(priv, s.signingBytes())
}

// VerifySignature checks the submission's signature against ReporterPubKey.
func (s *Submission) VerifySignature() error {
	return crypto.Verify(s.ReporterPubKey, s.signingBytes(), s.Signature)
}

// ThreadOwnerLookup resolves a thread's current owner public key, supplied by
// the weave state so this package stays independent of weave's types.
type ThreadOwnerLookup func(threadId crypto.Address) (crypto.PublicKey, bool)

// Verify checks a fraud-proof submission against live state
// (spec.md §4.5 "Verification (on weave apply)").
func Verify(s *Submission, owners ThreadOwnerLookup, verifier Verifier) error {
	if err := s.VerifySignature(); err != nil {
		return fmt.Errorf("fraud: invalid submission signature: %w", err)
	}
	switch s.Kind {
	case ProofDoubleKnot:
		dk := s.DoubleKnot
		owner, ok := owners(dk.ThreadId)
		if !ok {
			return fmt.Errorf("fraud: unknown thread %s", dk.ThreadId)
		}
		aAfter, okA := participantAfter(dk.KnotA, dk.ThreadId)
		bAfter, okB := participantAfter(dk.KnotB, dk.ThreadId)
		if !okA || !okB {
			return fmt.Errorf("fraud: knot does not touch claimed thread")
		}
		if aAfter.Version != bAfter.Version {
			return fmt.Errorf("fraud: knots do not claim the same version")
		}
		if dk.KnotA.Id == dk.KnotB.Id {
			return fmt.Errorf("fraud: knots are identical, not a conflict")
		}
		if err := verifyParticipantSignature(dk.KnotA, dk.ThreadId, owner); err != nil {
			return fmt.Errorf("fraud: knot A: %w", err)
		}
		if err := verifyParticipantSignature(dk.KnotB, dk.ThreadId, owner); err != nil {
			return fmt.Errorf("fraud: knot B: %w", err)
		}
		return nil
	case ProofInvalidLoomTransition:
		p := s.InvalidLoom
		verdict, reason, err := verifier.ChallengeTransition(p.LoomId, p.BytecodeRef, p.InitialRef, p.PrevStateHash, p.NewStateHash, p.Sender, p.BlockHeight, p.Timestamp, p.Input)
		if err != nil {
			return fmt.Errorf("fraud: challenge transition: %w", err)
		}
		if verdict != Invalid {
			return fmt.Errorf("fraud: claimed transition was in fact valid (%s)", reason)
		}
		return nil
	default:
		return fmt.Errorf("fraud: unknown proof kind %d", s.Kind)
	}
}

func participantAfter(k *thread.Knot, threadId crypto.Address) (thread.ParticipantState, bool) {
	for _, p := range k.After {
		if p.ThreadId == threadId {
			return p, true
		}
	}
	return thread.ParticipantState{}, false
}

func verifyParticipantSignature(k *thread.Knot, threadId crypto.Address, owner crypto.PublicKey) error {
	for i, p := range k.Before {
		if p.ThreadId == threadId {
			if p.PubKey != owner {
				return fmt.Errorf("participant pubkey does not match thread owner")
			}
			return crypto.Verify(p.PubKey, k.Id[:], k.Signatures[i])
		}
	}
	return fmt.Errorf("thread not a participant")
}
