package weave

import (
	"testing"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/internal/testutil"
)

func TestFeeMarketAdjustment(t *testing.T) {
	f := NewFeeState(1000)
	f.AdjustForUtilization(80, 100)
	if f.FeeMultiplier != 1125 {
		t.Fatalf("multiplier = %d, want 1125", f.FeeMultiplier)
	}
	f.AdjustForUtilization(20, 100)
	if f.FeeMultiplier != 984 {
		t.Fatalf("multiplier = %d, want 984 (floor(1125*7/8))", f.FeeMultiplier)
	}
	for i := 0; i < 50; i++ {
		f.AdjustForUtilization(0, 100)
	}
	if f.FeeMultiplier != minFeeMultiplier {
		t.Fatalf("multiplier = %d, want clamp at %d", f.FeeMultiplier, minFeeMultiplier)
	}
}

func TestEpochRewardsConservation(t *testing.T) {
	_, p1 := mustKey(t)
	_, p2 := mustKey(t)
	_, p3 := mustKey(t)
	vs := NewValidatorSet([]Validator{
		{PubKey: p1, Stake: 100},
		{PubKey: p2, Stake: 100},
		{PubKey: p3, Stake: 100},
	})
	rewards := vs.EpochRewards(1000)
	if rewards[p1] != 334 || rewards[p2] != 333 || rewards[p3] != 333 {
		t.Fatalf("rewards = %v, want 334/333/333", rewards)
	}
	var total uint64
	for _, r := range rewards {
		total += r
	}
	if total != 1000 {
		t.Fatalf("total distributed = %d, want 1000", total)
	}
}

func TestLeaderRotation(t *testing.T) {
	_, p1 := mustKey(t)
	_, p2 := mustKey(t)
	vs := NewValidatorSet([]Validator{{PubKey: p1, Stake: 10}, {PubKey: p2, Stake: 20}})
	l0, _ := vs.Leader(0)
	if l0.PubKey != p2 {
		t.Fatalf("leader(0) should be the higher-staked validator")
	}
	l1, _ := vs.Leader(1)
	if l1.PubKey != p1 {
		t.Fatalf("leader(1) should rotate to the other validator")
	}
	f, q := vs.Quorum()
	if f != 0 || q != 1 {
		t.Fatalf("quorum for N=2 = (%d,%d), want (0,1)", f, q)
	}
}

func mustKey(t *testing.T) (crypto.PrivateKey, crypto.PublicKey) {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv, pub
}

func TestMempoolCommitmentDedup(t *testing.T) {
	m := NewMempool()
	priv, pub := mustKey(t)
	threadId := pub.Address()

	c1 := &Commitment{ThreadId: threadId, Owner: pub, Version: 1}
	c1.Sign(priv)
	if err := m.AddCommitment(c1); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	c0 := &Commitment{ThreadId: threadId, Owner: pub, Version: 1}
	c0.Sign(priv)
	if err := m.AddCommitment(c0); err == nil {
		t.Fatalf("expected dedup rejection for same-or-lower version")
	}
	c2 := &Commitment{ThreadId: threadId, Owner: pub, Version: 2}
	c2.Sign(priv)
	if err := m.AddCommitment(c2); err != nil {
		t.Fatalf("add c2 (supersedes c1): %v", err)
	}

	d := m.DrainForBlock(10)
	if len(d.commitments) != 1 || d.commitments[0].Version != 2 {
		t.Fatalf("drained commitments = %+v, want single version-2 commitment", d.commitments)
	}
	commitments, _, _, _ := m.Sizes()
	if commitments != 0 {
		t.Fatalf("mempool should be empty after drain, has %d commitments", commitments)
	}
}

func TestRegistrationAndCommitmentApply(t *testing.T) {
	db := testutil.NewMemDB()
	s := NewState(db)
	priv, pub := mustKey(t)
	threadId := pub.Address()

	reg := &Registration{ThreadId: threadId, Owner: pub, Timestamp: 1}
	reg.Sign(priv)
	if err := ValidateRegistration(reg); err != nil {
		t.Fatalf("validate registration: %v", err)
	}
	if err := s.ApplyRegistration(reg); err != nil {
		t.Fatalf("apply registration: %v", err)
	}
	if _, err := s.Threads.Root(); err != nil {
		t.Fatalf("threads root: %v", err)
	}

	version, _, ok := s.ThreadEntry(threadId)
	if !ok || version != 0 {
		t.Fatalf("thread entry after registration = (%d, ok=%v), want (0, true)", version, ok)
	}

	var newStateHash crypto.Hash
	newStateHash[0] = 0xAB
	c := &Commitment{ThreadId: threadId, Owner: pub, Version: 1, StateHash: newStateHash, Timestamp: 100}
	c.Sign(priv)
	if err := ValidateCommitment(c, 100); err != nil {
		t.Fatalf("validate commitment: %v", err)
	}
	if err := s.ApplyCommitment(c); err != nil {
		t.Fatalf("apply commitment: %v", err)
	}
	version, hash, ok := s.ThreadEntry(threadId)
	if !ok || version != 1 || hash != newStateHash {
		t.Fatalf("thread entry after commitment = (%d, %s, ok=%v), want (1, %s, true)", version, hash, ok, newStateHash)
	}

	owner, ok := s.OwnerOf(threadId)
	if !ok || owner != pub {
		t.Fatalf("OwnerOf = (%v, %v), want (%v, true)", owner, ok, pub)
	}
}

func TestBlockHashRoundTrip(t *testing.T) {
	db := testutil.NewMemDB()
	s := NewState(db)
	_, proposer := mustKey(t)
	root, _ := s.ThreadsRoot()
	d := drained{}
	b := BuildBlock(1, 0, crypto.Hash{}, root, d, proposer, 42)
	b.WithOps(nil, nil)
	if b.Hash != b.ComputeHash() {
		t.Fatalf("block hash does not match recomputed hash")
	}

	store := NewStore(db)
	if err := store.PutBlock(b); err != nil {
		t.Fatalf("put block: %v", err)
	}
	got, err := store.GetBlock(1)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if got.Hash != b.Hash {
		t.Fatalf("round-tripped block hash mismatch")
	}
	h, ok := store.LatestHeight()
	if !ok || h != 1 {
		t.Fatalf("latest height = (%d, %v), want (1, true)", h, ok)
	}
}
