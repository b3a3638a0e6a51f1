// Package consensus implements the 3-phase BFT pipeline validators run to
// append weave blocks: Prepare/PreCommit/Commit quorum certificates,
// view-change on timeout, a solo-validator fast path, and state sync.
// Grounded on the teacher's consensus/poa.go (validator-driven block
// production loop, leader index, block verification before accept),
// generalized from single-proposer PoA to quorum-certified BFT voting
// (spec.md §4.3).
package consensus

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/weave"
	"github.com/tolelom/norn/wire"
)

// Phase tags which of the three voting rounds a Vote or QC belongs to
// (spec.md §4.3 "QC").
type Phase uint8

const (
	PhasePrepare Phase = iota
	PhasePreCommit
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "prepare"
	case PhasePreCommit:
		return "pre-commit"
	case PhaseCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Vote is one validator's signed endorsement of a block at a given view
// and phase (spec.md §3 "Consensus objects — Vote").
type Vote struct {
	View      uint64
	BlockHash crypto.Hash
	Phase     Phase
	Voter     crypto.PublicKey
	Signature crypto.Signature
}

func (v *Vote) signingBytes() []byte {
	e := wire.NewEncoder()
	e.WriteUint64(v.View)
	e.WriteFixed(v.BlockHash[:])
	e.WriteUint8(uint8(v.Phase))
	return e.Bytes()
}

// Sign signs the vote with the voter's key.
func (v *Vote) Sign(priv crypto.PrivateKey) { v.Signature = crypto.Sign(priv, v.signingBytes()) }

// Verify checks the vote's signature against Voter.
func (v *Vote) Verify() error { return crypto.Verify(v.Voter, v.signingBytes(), v.Signature) }

// QC (quorum certificate) proves that at least 2f+1 validators voted for
// the same (view, block_hash, phase) (spec.md §3 "Consensus objects —
// QC").
type QC struct {
	View      uint64
	BlockHash crypto.Hash
	Phase     Phase
	Votes     []Vote
}

// Verify checks that every vote in the QC is individually valid, for the
// claimed (view, block_hash, phase), from a distinct voter, and that the
// set reaches the quorum threshold.
func (qc *QC) Verify(vs *weave.ValidatorSet) error {
	_, quorum := vs.Quorum()
	if len(qc.Votes) < quorum {
		return fmt.Errorf("consensus: QC has %d votes, need %d", len(qc.Votes), quorum)
	}
	seen := make(map[crypto.PublicKey]bool, len(qc.Votes))
	items := make([]crypto.BatchItem, 0, len(qc.Votes))
	for _, v := range qc.Votes {
		if v.View != qc.View || v.BlockHash != qc.BlockHash || v.Phase != qc.Phase {
			return fmt.Errorf("consensus: vote does not match QC's (view, block_hash, phase)")
		}
		if seen[v.Voter] {
			return fmt.Errorf("consensus: duplicate voter %s in QC", v.Voter.Hex())
		}
		seen[v.Voter] = true
		items = append(items, crypto.BatchItem{Pub: v.Voter, Msg: v.signingBytes(), Sig: v.Signature})
	}
	if idx, err := crypto.VerifyBatch(items); err != nil {
		return fmt.Errorf("consensus: QC vote %d: %w", idx, err)
	}
	return nil
}

// TimeoutVote is broadcast when a validator's phase timer expires (spec.md
// §3 "Consensus objects — Timeout vote").
type TimeoutVote struct {
	View           uint64
	Voter          crypto.PublicKey
	HighestQCView  uint64
	Signature      crypto.Signature
}

func (t *TimeoutVote) signingBytes() []byte {
	e := wire.NewEncoder()
	e.WriteUint64(t.View)
	e.WriteUint64(t.HighestQCView)
	return e.Bytes()
}

// Sign signs the timeout vote with the voter's key.
func (t *TimeoutVote) Sign(priv crypto.PrivateKey) { t.Signature = crypto.Sign(priv, t.signingBytes()) }

// Verify checks the timeout vote's signature against Voter.
func (t *TimeoutVote) Verify() error { return crypto.Verify(t.Voter, t.signingBytes(), t.Signature) }

// ViewChangeProof aggregates 2f+1 timeout votes for old_view plus the
// highest QC any of them observed, justifying the new leader's next
// Prepare (spec.md §3 "Consensus objects — View-change proof").
type ViewChangeProof struct {
	OldView      uint64
	NewView      uint64
	TimeoutVotes []TimeoutVote
	HighestQC    *QC // nil if no validator had seen any QC yet
}

// Verify checks every timeout vote is individually valid, for OldView,
// from a distinct voter, and that the set reaches quorum.
func (p *ViewChangeProof) Verify(vs *weave.ValidatorSet) error {
	_, quorum := vs.Quorum()
	if len(p.TimeoutVotes) < quorum {
		return fmt.Errorf("consensus: view-change proof has %d timeout votes, need %d", len(p.TimeoutVotes), quorum)
	}
	seen := make(map[crypto.PublicKey]bool, len(p.TimeoutVotes))
	for _, t := range p.TimeoutVotes {
		if t.View != p.OldView {
			return fmt.Errorf("consensus: timeout vote view mismatch")
		}
		if seen[t.Voter] {
			return fmt.Errorf("consensus: duplicate voter %s in view-change proof", t.Voter.Hex())
		}
		seen[t.Voter] = true
		if err := t.Verify(); err != nil {
			return fmt.Errorf("consensus: timeout vote signature: %w", err)
		}
	}
	return nil
}

// Prepare is the leader's proposal message: a new block plus, if this is
// not the genesis view, the justifying Commit QC from the prior block
// (spec.md §3 "Messages").
type Prepare struct {
	View      uint64
	BlockHash crypto.Hash
	Block     *weave.Block
	Justify   *QC
}

// PreCommit carries the assembled Prepare QC (spec.md §3 "Messages").
type PreCommit struct {
	View      uint64
	PrepareQC *QC
}

// Commit carries the assembled PreCommit QC (spec.md §3 "Messages").
type Commit struct {
	View        uint64
	PreCommitQC *QC
}

// NewView is broadcast by the view's new leader after assembling a
// ViewChangeProof, and begins the next Prepare (spec.md §3 "Messages").
type NewView struct {
	View  uint64
	Proof *ViewChangeProof
}
