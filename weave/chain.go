package weave

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/events"
	"github.com/tolelom/norn/fraud"
	"github.com/tolelom/norn/storage"
)

// Chain ties together the registry, fee market, validator set, mempool,
// and block store into the single object consensus drives
// (spec.md §4.2, §3 "Weave state"). Grounded on the teacher's
// core/blockchain.go (height/tip tracking + AddBlock validate-then-append
// flow).
type Chain struct {
	State      *State
	Fees       *FeeState
	Validators *ValidatorSet
	Mempool    *Mempool
	Store      *Store
	Verifier   fraud.Verifier // nil until a loom.Executor is wired in
	Events     *events.Emitter

	height    uint64
	latest    crypto.Hash
	threadCnt uint64
}

// GenesisHash mixes a config version and chain id into the zero hash so
// two networks can never silently share a genesis (spec.md §6 "Genesis
// block hash additionally mixes a config version and chain id").
func GenesisHash(version uint32, chainId string, timestamp uint64) crypto.Hash {
	return crypto.SumKeyed("norn.genesis",
		[]byte{byte(version), byte(version >> 8), byte(version >> 16), byte(version >> 24)},
		[]byte(chainId),
		[]byte{byte(timestamp)},
	)
}

// NewChain opens a chain over db with the given validator set and base
// fee, starting from the stored tip if one exists or from genesisHash
// otherwise.
func NewChain(db storage.DB, validators []Validator, baseFee uint64, genesisHash crypto.Hash) *Chain {
	store := NewStore(db)
	c := &Chain{
		State:      NewState(db),
		Fees:       NewFeeState(baseFee),
		Validators: NewValidatorSet(validators),
		Mempool:    NewMempool(),
		Store:      store,
		Events:     events.NewEmitter(),
		latest:     genesisHash,
	}
	if h, ok := store.LatestHeight(); ok {
		if b, err := store.GetBlock(h); err == nil {
			c.height = h
			c.latest = b.Hash
		}
	}
	return c
}

// Height returns the height of the last committed block.
func (c *Chain) Height() uint64 { return c.height }

// LatestHash returns the hash of the last committed block (or the genesis
// hash if no block has been committed).
func (c *Chain) LatestHash() crypto.Hash { return c.latest }

// ProposeBlock drains the mempool and assembles the next block as leader
// (spec.md §4.2 "Block assembly"); consensus signs and distributes it.
func (c *Chain) ProposeBlock(proposer crypto.PublicKey, view uint64, timestamp uint64, nameOps []*NameOp, tokenOps []*TokenOp) (*Block, error) {
	d := c.Mempool.DrainForBlock(MaxCommitmentsPerBlock)
	root, err := c.State.ThreadsRoot()
	if err != nil {
		return nil, fmt.Errorf("weave: threads root: %w", err)
	}
	b := BuildBlock(c.height+1, view, c.latest, root, d, proposer, timestamp)
	b.WithOps(nameOps, tokenOps)
	return b, nil
}

// ValidateBlockLegality checks a proposed block's structural and
// signature legality without mutating chain state: it extends the latest
// committed block, its proposer is the expected leader, its hash is
// self-consistent, and every item it carries carries a valid signature
// and well-formed fields (spec.md §4.3 "Happy path": "verify block
// legality ... send PrepareVote"). It does not check registry-relative
// conditions (version continuity, sufficient balance, thread existence):
// those can only be checked once applied in commit order, which is why a
// byzantine leader's block can still fail at ApplyBlock after gathering
// votes — a case the fraud-proof pipeline and next view-change cover.
func (c *Chain) ValidateBlockLegality(b *Block, expectedProposer crypto.PublicKey, now uint64) error {
	if b.Header.Height != c.height+1 {
		return fmt.Errorf("weave: block height %d does not follow chain height %d", b.Header.Height, c.height)
	}
	if b.Header.PrevHash != c.latest {
		return fmt.Errorf("weave: block prev_hash does not match chain tip")
	}
	if b.Header.Proposer != expectedProposer {
		return fmt.Errorf("weave: block proposer does not match the expected leader")
	}
	if b.ComputeHash() != b.Hash {
		return fmt.Errorf("weave: block hash does not match recomputed header hash")
	}
	if b.Header.Timestamp > now+commitmentDriftSeconds {
		return fmt.Errorf("weave: block timestamp too far in the future")
	}
	for _, r := range b.Registrations {
		if err := ValidateRegistration(r); err != nil {
			return fmt.Errorf("weave: registration: %w", err)
		}
	}
	for _, cm := range b.Commitments {
		if err := ValidateCommitment(cm, now); err != nil {
			return fmt.Errorf("weave: commitment: %w", err)
		}
	}
	for _, op := range b.TokenOps {
		if err := ValidateTokenOp(op); err != nil {
			return fmt.Errorf("weave: token op: %w", err)
		}
	}
	for _, op := range b.NameOps {
		if err := ValidateNameOp(op); err != nil {
			return fmt.Errorf("weave: name op: %w", err)
		}
	}
	for _, a := range b.Anchors {
		if err := a.Verify(); err != nil {
			return fmt.Errorf("weave: anchor signature: %w", err)
		}
	}
	for _, fp := range b.FraudProofs {
		if err := fp.VerifySignature(); err != nil {
			return fmt.Errorf("weave: fraud proof signature: %w", err)
		}
	}
	return nil
}

// ApplyBlock validates and applies every item in b against the live
// registry, advances the fee market, and persists the block. It does not
// check consensus signatures — that is the BFT layer's job before calling
// ApplyBlock.
func (c *Chain) ApplyBlock(b *Block, now uint64) error {
	if b.Header.Height != c.height+1 {
		return fmt.Errorf("weave: block height %d does not follow chain height %d", b.Header.Height, c.height)
	}
	if b.Header.PrevHash != c.latest {
		return fmt.Errorf("weave: block prev_hash does not match chain tip")
	}
	if b.ComputeHash() != b.Hash {
		return fmt.Errorf("weave: block hash does not match recomputed header hash")
	}

	for _, r := range b.Registrations {
		if err := ValidateRegistration(r); err != nil {
			return fmt.Errorf("weave: registration: %w", err)
		}
		if err := c.State.ApplyRegistration(r); err != nil {
			return fmt.Errorf("weave: apply registration: %w", err)
		}
		c.threadCnt++
		c.Events.Emit(events.Event{Type: events.EventThreadRegistered, BlockHeight: b.Header.Height, Data: map[string]any{
			"thread_id": r.ThreadId.String(),
			"owner":     r.Owner.Hex(),
		}})
	}
	for _, cm := range b.Commitments {
		if err := ValidateCommitment(cm, now); err != nil {
			return fmt.Errorf("weave: commitment: %w", err)
		}
		if err := c.State.ApplyCommitment(cm); err != nil {
			return fmt.Errorf("weave: apply commitment: %w", err)
		}
		c.Events.Emit(events.Event{Type: events.EventCommitmentApplied, BlockHeight: b.Header.Height, Data: map[string]any{
			"thread_id":  cm.ThreadId.String(),
			"owner":      cm.Owner.Hex(),
			"version":    cm.Version,
			"state_hash": cm.StateHash.String(),
			"knot_count": cm.KnotCount,
			"timestamp":  cm.Timestamp,
		}})
	}
	for _, op := range b.TokenOps {
		if err := ValidateTokenOp(op); err != nil {
			return fmt.Errorf("weave: token op: %w", err)
		}
		if err := c.State.ApplyTokenOp(op); err != nil {
			return fmt.Errorf("weave: apply token op: %w", err)
		}
		c.Events.Emit(events.Event{Type: events.EventTokenOpApplied, BlockHeight: b.Header.Height, Data: map[string]any{
			"token_id": op.TokenId.String(),
			"creator":  op.Creator.Hex(),
			"kind":     uint8(op.Kind),
		}})
	}
	for _, op := range b.NameOps {
		if err := ValidateNameOp(op); err != nil {
			return fmt.Errorf("weave: name op: %w", err)
		}
		if err := c.State.ApplyNameOp(op); err != nil {
			return fmt.Errorf("weave: apply name op: %w", err)
		}
		c.Events.Emit(events.Event{Type: events.EventNameOpApplied, BlockHeight: b.Header.Height, Data: map[string]any{
			"name":  op.Name,
			"owner": op.Owner.Hex(),
		}})
	}
	for _, a := range b.Anchors {
		if err := a.Verify(); err != nil {
			return fmt.Errorf("weave: anchor signature: %w", err)
		}
		if err := c.State.ApplyAnchor(a); err != nil {
			return fmt.Errorf("weave: apply anchor: %w", err)
		}
		c.Events.Emit(events.Event{Type: events.EventAnchorApplied, BlockHeight: b.Header.Height, Data: map[string]any{
			"loom_id":    a.LoomId.String(),
			"state_hash": a.StateHash.String(),
		}})
	}
	for _, fp := range b.FraudProofs {
		if fp.Kind == fraud.ProofInvalidLoomTransition && c.Verifier == nil {
			return fmt.Errorf("weave: loom verifier not configured, cannot verify invalid-transition proof")
		}
		if err := fraud.Verify(fp, c.State.OwnerOf, c.Verifier); err != nil {
			return fmt.Errorf("weave: fraud proof: %w", err)
		}
		c.Events.Emit(events.Event{Type: events.EventFraudProofAccepted, BlockHeight: b.Header.Height, Data: map[string]any{
			"kind": uint8(fp.Kind),
		}})
	}

	if err := c.Store.PutBlock(b); err != nil {
		return fmt.Errorf("weave: persist block: %w", err)
	}
	used, capacity := b.Utilization()
	c.Fees.AdjustForUtilization(used, capacity)
	c.height = b.Header.Height
	c.latest = b.Hash
	c.Events.Emit(events.Event{Type: events.EventBlockCommit, BlockHeight: b.Header.Height, Data: map[string]any{
		"hash":          b.Hash.String(),
		"commitments":   len(b.Commitments),
		"registrations": len(b.Registrations),
	}})
	return nil
}
