package weave

import (
	"fmt"
	"sort"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/fraud"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/wire"
)

const MaxCommitmentsPerBlock = 2048

// Header is the hashed, rooted portion of a weave block (spec.md §3
// "Weave block"). Grounded on the teacher's core/block.go BlockHeader
// shape, generalized from a single tx root to one root per mempool
// category.
type Header struct {
	Height             uint64
	View               uint64 // consensus view the block was proposed and committed in
	PrevHash           crypto.Hash
	CommitmentsRoot    crypto.Hash
	RegistrationsRoot  crypto.Hash
	AnchorsRoot        crypto.Hash
	NameOpsRoot        crypto.Hash
	FraudProofsRoot    crypto.Hash
	TokenOpsRoot       crypto.Hash
	ThreadsRoot        crypto.Hash
	Timestamp          uint64
	Proposer           crypto.PublicKey
}

// Block is a weave block: a signed header plus the drained mempool
// contents it commits (spec.md §3 "Weave block").
type Block struct {
	Header             Header
	Commitments        []*Commitment
	Registrations      []*Registration
	Anchors            []*Anchor
	NameOps            []*NameOp
	FraudProofs        []*FraudProofEntry
	TokenOps           []*TokenOp
	Hash               crypto.Hash
	ValidatorSignatures []crypto.Signature
}

func (h *Header) signingBytes() []byte {
	e := wire.NewEncoder()
	e.WriteUint64(h.Height)
	e.WriteUint64(h.View)
	e.WriteFixed(h.PrevHash[:])
	e.WriteFixed(h.CommitmentsRoot[:])
	e.WriteFixed(h.RegistrationsRoot[:])
	e.WriteFixed(h.AnchorsRoot[:])
	e.WriteFixed(h.NameOpsRoot[:])
	e.WriteFixed(h.FraudProofsRoot[:])
	e.WriteFixed(h.TokenOpsRoot[:])
	e.WriteFixed(h.ThreadsRoot[:])
	e.WriteUint64(h.Timestamp)
	e.WriteFixed(h.Proposer[:])
	return e.Bytes()
}

// ComputeHash returns BLAKE3(header fields + all roots) (spec.md §3
// "Weave block": "hash = BLAKE3(header fields + all roots)").
func (b *Block) ComputeHash() crypto.Hash {
	return crypto.SumKeyed("norn.weave-block", b.Header.signingBytes())
}

// merkleRoot computes BLAKE3 of the canonically length-prefixed
// concatenation of already-canonically-encoded items (spec.md §4.2
// "compute per-category Merkle roots (BLAKE3 of canonically encoded
// items)"); an empty category roots to the domain-separated hash of
// nothing so empty and absent categories are distinguishable from roots
// of other domains.
func merkleRoot(domain string, items [][]byte) crypto.Hash {
	e := wire.NewEncoder()
	e.WriteUint32(uint32(len(items)))
	for _, item := range items {
		e.WriteBytes(item)
	}
	return crypto.SumKeyed(domain, e.Bytes())
}

func encodeCommitment(c *Commitment) []byte { return c.Encode() }

func encodeRegistration(r *Registration) []byte {
	e := wire.NewEncoder()
	e.WriteFixed(r.ThreadId[:])
	e.WriteFixed(r.Owner[:])
	e.WriteUint64(r.Timestamp)
	e.WriteFixed(r.Signature[:])
	return e.Bytes()
}

func encodeAnchor(a *Anchor) []byte {
	e := wire.NewEncoder()
	e.WriteFixed(a.LoomId[:])
	e.WriteFixed(a.StateHash[:])
	e.WriteUint64(a.BlockHeight)
	e.WriteUint64(a.Timestamp)
	e.WriteFixed(a.Signer[:])
	e.WriteFixed(a.Signature[:])
	return e.Bytes()
}

func encodeNameOp(op *NameOp) []byte {
	e := wire.NewEncoder()
	e.WriteUint8(uint8(op.Kind))
	e.WriteString(op.Name)
	e.WriteFixed(op.Owner[:])
	e.WriteFixed(op.NewOwner[:])
	fp := op.FeePaid.Bytes()
	e.WriteFixed(fp[:])
	e.WriteUint64(op.Timestamp)
	e.WriteFixed(op.Signature[:])
	return e.Bytes()
}

func encodeTokenOp(op *TokenOp) []byte {
	e := wire.NewEncoder()
	e.WriteUint8(uint8(op.Kind))
	e.WriteFixed(op.TokenId[:])
	e.WriteString(op.Name)
	e.WriteString(op.Symbol)
	e.WriteUint8(op.Decimals)
	ms := op.MaxSupply.Bytes()
	e.WriteFixed(ms[:])
	am := op.Amount.Bytes()
	e.WriteFixed(am[:])
	e.WriteFixed(op.Creator[:])
	e.WriteUint64(op.Timestamp)
	e.WriteFixed(op.Signature[:])
	return e.Bytes()
}

func encodeFraudProof(s *FraudProofEntry) []byte {
	e := wire.NewEncoder()
	e.WriteFixed(s.ReporterPubKey[:])
	e.WriteUint8(uint8(s.Kind))
	e.WriteUint64(s.Timestamp)
	e.WriteFixed(s.Signature[:])
	return e.Bytes()
}

// encodeFraudSubmission canonically serializes a full fraud submission
// (including its double-knot or invalid-transition payload) for block
// storage; encodeFraudProof above is the lighter encoding used only to
// compute FraudProofsRoot.
func encodeFraudSubmission(s *fraud.Submission) []byte {
	e := wire.NewEncoder()
	e.WriteFixed(s.ReporterPubKey[:])
	e.WriteUint8(uint8(s.Kind))
	switch s.Kind {
	case fraud.ProofDoubleKnot:
		dk := s.DoubleKnot
		e.WriteFixed(dk.ThreadId[:])
		e.WriteBytes(dk.KnotA.Encode())
		e.WriteBytes(dk.KnotB.Encode())
	case fraud.ProofInvalidLoomTransition:
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
	e.WriteFixed(s.Signature[:])
	return e.Bytes()
}

func decodeFraudSubmission(b []byte) (*fraud.Submission, error) {
	d := wire.NewDecoder(b)
	s := &fraud.Submission{}
	v, err := d.ReadFixed(crypto.PublicKeySize)
	if err != nil {
		return nil, err
	}
	copy(s.ReporterPubKey[:], v)
	kind, err := d.ReadUint8()
	if err != nil {
		return nil, err
	}
	s.Kind = fraud.ProofKind(kind)
	switch s.Kind {
	case fraud.ProofDoubleKnot:
		dk := &fraud.DoubleKnot{}
		v, err := d.ReadFixed(crypto.AddressSize)
		if err != nil {
			return nil, err
		}
		copy(dk.ThreadId[:], v)
		ab, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		if dk.KnotA, err = thread.DecodeKnot(ab); err != nil {
			return nil, err
		}
		bb, err := d.ReadBytes()
		if err != nil {
			return nil, err
		}
		if dk.KnotB, err = thread.DecodeKnot(bb); err != nil {
			return nil, err
		}
		s.DoubleKnot = dk
	case fraud.ProofInvalidLoomTransition:
		p := &fraud.InvalidLoomTransitionProof{}
		for _, dst := range [][]byte{p.LoomId[:], p.BytecodeRef[:], p.InitialRef[:], p.PrevStateHash[:], p.NewStateHash[:]} {
			v, err := d.ReadFixed(crypto.HashSize)
			if err != nil {
				return nil, err
			}
			copy(dst, v)
		}
		v, err := d.ReadFixed(crypto.AddressSize)
		if err != nil {
			return nil, err
		}
		copy(p.Sender[:], v)
		if p.BlockHeight, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if p.Timestamp, err = d.ReadUint64(); err != nil {
			return nil, err
		}
		if p.Input, err = d.ReadBytes(); err != nil {
			return nil, err
		}
		s.InvalidLoom = p
	default:
		return nil, fmt.Errorf("weave: unknown fraud proof kind %d", s.Kind)
	}
	if s.Timestamp, err = d.ReadUint64(); err != nil {
		return nil, err
	}
	v, err = d.ReadFixed(crypto.SignatureSize)
	if err != nil {
		return nil, err
	}
	copy(s.Signature[:], v)
	return s, nil
}

// BuildBlock assembles a block from drained mempool contents and the
// registry's current threads_root (spec.md §4.2 "Block assembly").
// Commitments are capped at MaxCommitmentsPerBlock and sorted by thread id
// for a deterministic commitments root independent of arrival order.
func BuildBlock(height uint64, view uint64, prevHash crypto.Hash, threadsRoot crypto.Hash, d drained, proposer crypto.PublicKey, timestamp uint64) *Block {
	commitments := d.commitments
	if len(commitments) > MaxCommitmentsPerBlock {
		commitments = commitments[:MaxCommitmentsPerBlock]
	}
	sort.Slice(commitments, func(i, j int) bool {
		return string(commitments[i].ThreadId[:]) < string(commitments[j].ThreadId[:])
	})

	commitmentBytes := make([][]byte, len(commitments))
	for i, c := range commitments {
		commitmentBytes[i] = encodeCommitment(c)
	}
	registrationBytes := make([][]byte, len(d.registrations))
	for i, r := range d.registrations {
		registrationBytes[i] = encodeRegistration(r)
	}
	anchorBytes := make([][]byte, len(d.anchors))
	for i, a := range d.anchors {
		anchorBytes[i] = encodeAnchor(a)
	}
	fraudBytes := make([][]byte, len(d.fraudProofs))
	for i, f := range d.fraudProofs {
		fraudBytes[i] = encodeFraudProof(f)
	}

	header := Header{
		Height:            height,
		View:              view,
		PrevHash:          prevHash,
		CommitmentsRoot:   merkleRoot("norn.weave-commitments", commitmentBytes),
		RegistrationsRoot: merkleRoot("norn.weave-registrations", registrationBytes),
		AnchorsRoot:       merkleRoot("norn.weave-anchors", anchorBytes),
		NameOpsRoot:       merkleRoot("norn.weave-nameops", nil),
		FraudProofsRoot:   merkleRoot("norn.weave-fraudproofs", fraudBytes),
		TokenOpsRoot:      merkleRoot("norn.weave-tokenops", nil),
		ThreadsRoot:       threadsRoot,
		Timestamp:         timestamp,
		Proposer:          proposer,
	}
	b := &Block{
		Header:        header,
		Commitments:   commitments,
		Registrations: d.registrations,
		Anchors:       d.anchors,
		FraudProofs:   d.fraudProofs,
	}
	b.Hash = b.ComputeHash()
	return b
}

// WithOps attaches name and token operations (drawn from a separate
// per-block staging area rather than the four-bucket Mempool, since they
// are rarer and fee-gated) and recomputes the header roots and hash.
func (b *Block) WithOps(nameOps []*NameOp, tokenOps []*TokenOp) *Block {
	b.NameOps = nameOps
	b.TokenOps = tokenOps

	nameBytes := make([][]byte, len(nameOps))
	for i, op := range nameOps {
		nameBytes[i] = encodeNameOp(op)
	}
	tokenBytes := make([][]byte, len(tokenOps))
	for i, op := range tokenOps {
		tokenBytes[i] = encodeTokenOp(op)
	}
	b.Header.NameOpsRoot = merkleRoot("norn.weave-nameops", nameBytes)
	b.Header.TokenOpsRoot = merkleRoot("norn.weave-tokenops", tokenBytes)
	b.Hash = b.ComputeHash()
	return b
}

// Utilization reports commitment count against the block's capacity, fed
// into FeeState.AdjustForUtilization after the block is committed.
func (b *Block) Utilization() (used, capacity int) {
	return len(b.Commitments), MaxCommitmentsPerBlock
}
