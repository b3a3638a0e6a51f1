package consensus

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/weave"
)

// voteCollector accumulates votes for a single (view, block_hash, phase)
// until quorum is reached, then yields a QC exactly once.
type voteCollector struct {
	view      uint64
	blockHash crypto.Hash
	phase     Phase
	votes     map[crypto.PublicKey]Vote
	yielded   bool
}

func newVoteCollector(view uint64, blockHash crypto.Hash, phase Phase) *voteCollector {
	return &voteCollector{view: view, blockHash: blockHash, phase: phase, votes: make(map[crypto.PublicKey]Vote)}
}

func (c *voteCollector) add(v Vote, vs *weave.ValidatorSet) (*QC, bool) {
	if v.View != c.view || v.BlockHash != c.blockHash || v.Phase != c.phase {
		return nil, false
	}
	c.votes[v.Voter] = v
	if c.yielded {
		return nil, false
	}
	_, quorum := vs.Quorum()
	if len(c.votes) < quorum {
		return nil, false
	}
	qc := &QC{View: c.view, BlockHash: c.blockHash, Phase: c.phase}
	for _, vote := range c.votes {
		qc.Votes = append(qc.Votes, vote)
	}
	c.yielded = true
	return qc, true
}

// Replica is one validator's BFT state machine instance. Grounded on the
// teacher's consensus/poa.go PoA engine (holds chain/mempool/keys, exposes
// IsProposer/ProduceBlock), generalized to a 3-phase quorum pipeline with
// explicit per-phase vote collection instead of single-signer blocks.
type Replica struct {
	vs    *weave.ValidatorSet
	chain *weave.Chain
	priv  crypto.PrivateKey
	pub   crypto.PublicKey
	safety *SafetyState

	view uint64

	prepareCollectors   map[uint64]*voteCollector
	preCommitCollectors map[uint64]*voteCollector
	commitCollectors    map[uint64]*voteCollector
	timeoutVotes        map[uint64]map[crypto.PublicKey]TimeoutVote

	pendingBlock *weave.Block // block currently moving through phases this view
}

// NewReplica constructs a replica for the local validator identified by
// priv, participating in vs, driving chain.
func NewReplica(vs *weave.ValidatorSet, chain *weave.Chain, priv crypto.PrivateKey) *Replica {
	return &Replica{
		vs:                  vs,
		chain:               chain,
		priv:                priv,
		pub:                 priv.Public(),
		safety:              NewSafetyState(),
		prepareCollectors:   make(map[uint64]*voteCollector),
		preCommitCollectors: make(map[uint64]*voteCollector),
		commitCollectors:    make(map[uint64]*voteCollector),
		timeoutVotes:        make(map[uint64]map[crypto.PublicKey]TimeoutVote),
	}
}

// View returns the replica's current view.
func (r *Replica) View() uint64 { return r.view }

// IsLeader reports whether this replica is the leader for the current
// view (spec.md §4.3 "Roles").
func (r *Replica) IsLeader() bool {
	leader, ok := r.vs.Leader(r.view)
	return ok && leader.PubKey == r.pub
}

// ProposePrepare builds the next block from the mempool and wraps it in a
// Prepare message justified by the Commit QC of the previous block (nil
// at genesis) (spec.md §4.3 "Happy path": "Leader broadcasts Prepare with
// a new block").
func (r *Replica) ProposePrepare(now uint64, nameOps []*weave.NameOp, tokenOps []*weave.TokenOp) (*Prepare, error) {
	if !r.IsLeader() {
		return nil, fmt.Errorf("consensus: not the leader for view %d", r.view)
	}
	b, err := r.chain.ProposeBlock(r.pub, r.view, now, nameOps, tokenOps)
	if err != nil {
		return nil, fmt.Errorf("consensus: propose block: %w", err)
	}
	r.pendingBlock = b
	return &Prepare{View: r.view, BlockHash: b.Hash, Block: b, Justify: r.safety.HighestQC(PhaseCommit)}, nil
}

// OnPrepare validates an incoming Prepare proposal and, if legal,
// produces this replica's PrepareVote (spec.md §4.3 "Happy path").
func (r *Replica) OnPrepare(p *Prepare, now uint64) (*Vote, error) {
	leader, ok := r.vs.Leader(p.View)
	if !ok {
		return nil, fmt.Errorf("consensus: empty validator set")
	}
	if err := r.chain.ValidateBlockLegality(p.Block, leader.PubKey, now); err != nil {
		return nil, fmt.Errorf("consensus: prepare block illegal: %w", err)
	}
	if p.Block.Header.View != p.View {
		return nil, fmt.Errorf("consensus: prepare block view does not match message view")
	}
	if p.Justify != nil {
		if err := p.Justify.Verify(r.vs); err != nil {
			return nil, fmt.Errorf("consensus: prepare justification QC: %w", err)
		}
		if p.Justify.Phase != PhaseCommit {
			return nil, fmt.Errorf("consensus: prepare justification QC must be a Commit QC")
		}
	} else if r.chain.Height() != 0 {
		return nil, fmt.Errorf("consensus: prepare missing justification QC past genesis")
	}
	if err := r.safety.CanVote(PhasePrepare, p.View, p.BlockHash); err != nil {
		return nil, err
	}
	r.pendingBlock = p.Block
	vote := &Vote{View: p.View, BlockHash: p.BlockHash, Phase: PhasePrepare, Voter: r.pub}
	vote.Sign(r.priv)
	r.safety.RecordVote(PhasePrepare, p.View, p.BlockHash)
	return vote, nil
}

// CollectPrepareVote folds a PrepareVote into the running tally for its
// view, returning the assembled QC once 2f+1 votes have arrived.
func (r *Replica) CollectPrepareVote(v *Vote) (*QC, error) {
	return r.collect(r.prepareCollectors, v)
}

// CollectPreCommitVote folds a PreCommitVote into the running tally.
func (r *Replica) CollectPreCommitVote(v *Vote) (*QC, error) {
	return r.collect(r.preCommitCollectors, v)
}

// CollectCommitVote folds a CommitVote into the running tally.
func (r *Replica) CollectCommitVote(v *Vote) (*QC, error) {
	return r.collect(r.commitCollectors, v)
}

func (r *Replica) collect(byView map[uint64]*voteCollector, v *Vote) (*QC, error) {
	if err := v.Verify(); err != nil {
		return nil, fmt.Errorf("consensus: vote signature: %w", err)
	}
	c, ok := byView[v.View]
	if !ok {
		c = newVoteCollector(v.View, v.BlockHash, v.Phase)
		byView[v.View] = c
	}
	qc, reached := c.add(*v, r.vs)
	if !reached {
		return nil, nil
	}
	return qc, nil
}

// BuildPreCommit wraps an assembled Prepare QC for broadcast (spec.md
// §4.3: "the leader builds a Prepare QC, broadcasts PreCommit with it").
func BuildPreCommit(prepareQC *QC) *PreCommit {
	return &PreCommit{View: prepareQC.View, PrepareQC: prepareQC}
}

// OnPreCommit validates an incoming PreCommit message, records its Prepare
// QC, and produces this replica's PreCommitVote.
func (r *Replica) OnPreCommit(pc *PreCommit) (*Vote, error) {
	if err := pc.PrepareQC.Verify(r.vs); err != nil {
		return nil, fmt.Errorf("consensus: pre-commit prepare QC: %w", err)
	}
	if err := CheckJustification(PhasePreCommit, pc.PrepareQC.BlockHash, pc.PrepareQC); err != nil {
		return nil, err
	}
	if err := r.safety.CanVote(PhasePreCommit, pc.View, pc.PrepareQC.BlockHash); err != nil {
		return nil, err
	}
	r.safety.RecordQC(pc.PrepareQC)
	vote := &Vote{View: pc.View, BlockHash: pc.PrepareQC.BlockHash, Phase: PhasePreCommit, Voter: r.pub}
	vote.Sign(r.priv)
	r.safety.RecordVote(PhasePreCommit, pc.View, pc.PrepareQC.BlockHash)
	return vote, nil
}

// BuildCommit wraps an assembled PreCommit QC for broadcast (spec.md
// §4.3: "On 2f+1 PreCommitVotes: Commit with PreCommit QC").
func BuildCommit(preCommitQC *QC) *Commit {
	return &Commit{View: preCommitQC.View, PreCommitQC: preCommitQC}
}

// OnCommit validates an incoming Commit message, locks the replica onto
// the block by recording its PreCommit QC, and produces this replica's
// CommitVote.
func (r *Replica) OnCommit(cm *Commit) (*Vote, error) {
	if err := cm.PreCommitQC.Verify(r.vs); err != nil {
		return nil, fmt.Errorf("consensus: commit pre-commit QC: %w", err)
	}
	if err := CheckJustification(PhaseCommit, cm.PreCommitQC.BlockHash, cm.PreCommitQC); err != nil {
		return nil, err
	}
	if err := r.safety.CanVote(PhaseCommit, cm.View, cm.PreCommitQC.BlockHash); err != nil {
		return nil, err
	}
	r.safety.RecordQC(cm.PreCommitQC)
	vote :=&Vote{View: cm.View, BlockHash: cm.PreCommitQC.BlockHash, Phase: PhaseCommit, Voter: r.pub}
	vote.Sign(r.priv)
	r.safety.RecordVote(PhaseCommit, cm.View, cm.PreCommitQC.BlockHash)
	return vote, nil
}

// Finalize applies pendingBlock now that its Commit QC has reached
// quorum, stamps the block with the ordered validator-signature list
// (spec.md §3 "Weave block — validator_signatures[]"), advances the
// view, and clears per-view collectors (spec.md §4.3: "the block is
// committed; all nodes apply it, advance view by 1").
func (r *Replica) Finalize(commitQC *QC, now uint64) (*weave.Block, error) {
	if err := commitQC.Verify(r.vs); err != nil {
		return nil, fmt.Errorf("consensus: commit QC: %w", err)
	}
	if r.pendingBlock == nil || r.pendingBlock.Hash != commitQC.BlockHash {
		return nil, fmt.Errorf("consensus: no matching pending block for commit QC")
	}
	b := r.pendingBlock
	b.ValidatorSignatures = OrderedCommitSignatures(commitQC, r.vs)
	if err := r.chain.ApplyBlock(b, now); err != nil {
		return nil, fmt.Errorf("consensus: apply committed block: %w", err)
	}
	r.safety.RecordQC(commitQC)
	r.pendingBlock = nil
	r.view++
	delete(r.prepareCollectors, commitQC.View)
	delete(r.preCommitCollectors, commitQC.View)
	delete(r.commitCollectors, commitQC.View)
	return b, nil
}

// OrderedCommitSignatures lays a Commit QC's votes out positionally by
// validator-set index (a zero signature at the index of any validator who
// did not vote), so a later verifier can reconstruct the QC from
// Block.ValidatorSignatures alone given the same validator set.
func OrderedCommitSignatures(commitQC *QC, vs *weave.ValidatorSet) []crypto.Signature {
	byVoter := make(map[crypto.PublicKey]crypto.Signature, len(commitQC.Votes))
	for _, v := range commitQC.Votes {
		byVoter[v.Voter] = v.Signature
	}
	out := make([]crypto.Signature, vs.Len())
	for i, val := range vs.Validators() {
		if sig, ok := byVoter[val.PubKey]; ok {
			out[i] = sig
		}
	}
	return out
}

// RebuildCommitQC reconstructs a Commit QC from a block's positional
// validator_signatures[] list for state-sync verification, using the view
// recorded in the block's own header.
func RebuildCommitQC(b *weave.Block, vs *weave.ValidatorSet) (*QC, error) {
	if len(b.ValidatorSignatures) != vs.Len() {
		return nil, fmt.Errorf("consensus: validator_signatures length %d does not match validator set size %d", len(b.ValidatorSignatures), vs.Len())
	}
	view := b.Header.View
	qc := &QC{View: view, BlockHash: b.Hash, Phase: PhaseCommit}
	for i, val := range vs.Validators() {
		sig := b.ValidatorSignatures[i]
		if sig.IsZero() {
			continue
		}
		qc.Votes = append(qc.Votes, Vote{View: view, BlockHash: b.Hash, Phase: PhaseCommit, Voter: val.PubKey, Signature: sig})
	}
	return qc, nil
}
