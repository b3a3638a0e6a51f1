package consensus

import (
	"fmt"

	"github.com/tolelom/norn/weave"
)

// ProposeAndCommitSolo drives the full Prepare/PreCommit/Commit pipeline
// against a single-validator set, where quorum is 1 and every phase is
// self-certified instead of exchanged over the network (spec.md §4.3
// "Solo mode: a single validator skips the quorum exchange and commits
// immediately").
func (r *Replica) ProposeAndCommitSolo(now uint64, nameOps []*weave.NameOp, tokenOps []*weave.TokenOp) (*weave.Block, error) {
	if r.vs.Len() != 1 {
		return nil, fmt.Errorf("consensus: solo mode requires a single-validator set, have %d", r.vs.Len())
	}
	if !r.IsLeader() {
		return nil, fmt.Errorf("consensus: solo replica is not the sole validator's leader")
	}

	prep, err := r.ProposePrepare(now, nameOps, tokenOps)
	if err != nil {
		return nil, fmt.Errorf("consensus: solo prepare: %w", err)
	}
	prepVote := &Vote{View: prep.View, BlockHash: prep.BlockHash, Phase: PhasePrepare, Voter: r.pub}
	prepVote.Sign(r.priv)
	r.safety.RecordVote(PhasePrepare, prep.View, prep.BlockHash)
	prepareQC := &QC{View: prep.View, BlockHash: prep.BlockHash, Phase: PhasePrepare, Votes: []Vote{*prepVote}}

	pc := BuildPreCommit(prepareQC)
	pcVote := &Vote{View: pc.View, BlockHash: pc.PrepareQC.BlockHash, Phase: PhasePreCommit, Voter: r.pub}
	pcVote.Sign(r.priv)
	r.safety.RecordQC(prepareQC)
	r.safety.RecordVote(PhasePreCommit, pc.View, pc.PrepareQC.BlockHash)
	preCommitQC := &QC{View: pc.View, BlockHash: pc.PrepareQC.BlockHash, Phase: PhasePreCommit, Votes: []Vote{*pcVote}}

	cm := BuildCommit(preCommitQC)
	cmVote := &Vote{View: cm.View, BlockHash: cm.PreCommitQC.BlockHash, Phase: PhaseCommit, Voter: r.pub}
	cmVote.Sign(r.priv)
	r.safety.RecordVote(PhaseCommit, cm.View, cm.PreCommitQC.BlockHash)
	commitQC := &QC{View: cm.View, BlockHash: cm.PreCommitQC.BlockHash, Phase: PhaseCommit, Votes: []Vote{*cmVote}}

	return r.Finalize(commitQC, now)
}
