package consensus

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
)

// SafetyState enforces the one-vote-per-phase-per-view rule and tracks
// the highest QC this validator has seen per phase, so votes can be
// justified against the prior phase's QC (spec.md §4.3 "Safety
// invariant").
type SafetyState struct {
	votedView map[Phase]uint64
	votedHash map[Phase]crypto.Hash
	hasVoted  map[Phase]bool

	highestQC map[Phase]*QC // last QC observed for each phase, across all views
	lockedView   uint64
	lockedHash   crypto.Hash
	hasLocked    bool
}

// NewSafetyState returns a safety tracker with no recorded votes.
func NewSafetyState() *SafetyState {
	return &SafetyState{
		votedView: make(map[Phase]uint64),
		votedHash: make(map[Phase]crypto.Hash),
		hasVoted:  make(map[Phase]bool),
		highestQC: make(map[Phase]*QC),
	}
}

// CanVote reports whether this validator may cast a phase vote for
// (view, blockHash): it must not already have voted in this phase for
// this view (for any block), and once locked via a PreCommit QC it may not
// vote Prepare for any block at a view at or below the locked view
// (spec.md §4.3: "never votes for two conflicting blocks at the same
// height").
func (s *SafetyState) CanVote(phase Phase, view uint64, blockHash crypto.Hash) error {
	if s.hasVoted[phase] && s.votedView[phase] == view {
		if s.votedHash[phase] != blockHash {
			return fmt.Errorf("consensus: already voted %s for a different block at view %d", phase, view)
		}
		return fmt.Errorf("consensus: already voted %s at view %d", phase, view)
	}
	if s.hasLocked && phase == PhasePrepare && s.lockedView >= view {
		return fmt.Errorf("consensus: locked on view %d, will not vote Prepare for stale view %d", s.lockedView, view)
	}
	return nil
}

// RecordVote marks that the validator has cast a phase vote for (view,
// blockHash).
func (s *SafetyState) RecordVote(phase Phase, view uint64, blockHash crypto.Hash) {
	s.hasVoted[phase] = true
	s.votedView[phase] = view
	s.votedHash[phase] = blockHash
}

// RecordQC updates the highest-seen QC for its phase and, for a PreCommit
// QC, locks the validator onto that block so it refuses to vote Prepare
// for a conflicting proposal at an earlier or equal view.
func (s *SafetyState) RecordQC(qc *QC) {
	if cur, ok := s.highestQC[qc.Phase]; !ok || qc.View > cur.View {
		s.highestQC[qc.Phase] = qc
	}
	if qc.Phase == PhasePreCommit {
		s.lockedView = qc.View
		s.lockedHash = qc.BlockHash
		s.hasLocked = true
	}
}

// HighestQC returns the highest-view QC seen for phase, or nil.
func (s *SafetyState) HighestQC(phase Phase) *QC { return s.highestQC[phase] }

// CheckJustification verifies that qc (the prior phase's QC submitted to
// justify the current proposal) actually corresponds to the required
// predecessor phase and targets the same block (spec.md §4.3: "only votes
// for a block if it has ... a valid justification QC from the previous
// phase").
func CheckJustification(current Phase, blockHash crypto.Hash, justify *QC) error {
	var want Phase
	switch current {
	case PhasePrepare:
		return nil // justified by prior Commit or genesis; checked by the chain-extension test instead
	case PhasePreCommit:
		want = PhasePrepare
	case PhaseCommit:
		want = PhasePreCommit
	default:
		return fmt.Errorf("consensus: unknown phase %d", current)
	}
	if justify == nil {
		return fmt.Errorf("consensus: missing %s justification QC for %s", want, current)
	}
	if justify.Phase != want {
		return fmt.Errorf("consensus: justification QC is for phase %s, want %s", justify.Phase, want)
	}
	if justify.BlockHash != blockHash {
		return fmt.Errorf("consensus: justification QC targets a different block")
	}
	return nil
}
