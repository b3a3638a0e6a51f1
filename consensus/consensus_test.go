package consensus

import (
	"testing"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/internal/testutil"
	"github.com/tolelom/norn/weave"
)

func mustKeyC(t *testing.T) (crypto.PrivateKey, crypto.PublicKey) {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return priv, pub
}

// newTestReplicas sets up n replicas, each with its own chain over a fresh
// in-memory store, all sharing the same validator set and genesis hash, as
// a single node would see its peers over the network (spec.md §4.3).
func newTestReplicas(t *testing.T, n int) ([]*Replica, []crypto.PrivateKey) {
	t.Helper()
	privs := make([]crypto.PrivateKey, n)
	validators := make([]weave.Validator, n)
	for i := 0; i < n; i++ {
		priv, pub := mustKeyC(t)
		privs[i] = priv
		validators[i] = weave.Validator{PubKey: pub, Stake: uint64(100 + i)}
	}
	genesisHash := weave.GenesisHash(1, "norn-test", 0)
	replicas := make([]*Replica, n)
	for i := 0; i < n; i++ {
		chain := weave.NewChain(testutil.NewMemDB(), validators, 1000, genesisHash)
		replicas[i] = NewReplica(chain.Validators, chain, privs[i])
	}
	return replicas, privs
}

func leaderIndex(t *testing.T, replicas []*Replica) int {
	t.Helper()
	for i, r := range replicas {
		if r.IsLeader() {
			return i
		}
	}
	t.Fatalf("no replica is leader for view 0")
	return -1
}

// TestHappyPathCommit drives four replicas (f=1, quorum=3) through a full
// Prepare/PreCommit/Commit round and checks every replica ends up at the
// same height and block hash (spec.md §4.3 "Happy path").
func TestHappyPathCommit(t *testing.T) {
	replicas, _ := newTestReplicas(t, 4)
	li := leaderIndex(t, replicas)
	leader := replicas[li]

	now := uint64(1000)
	prep, err := leader.ProposePrepare(now, nil, nil)
	if err != nil {
		t.Fatalf("propose prepare: %v", err)
	}

	var prepareQC *QC
	for _, r := range replicas {
		vote, err := r.OnPrepare(prep, now)
		if err != nil {
			t.Fatalf("on prepare: %v", err)
		}
		if qc, err := leader.CollectPrepareVote(vote); err != nil {
			t.Fatalf("collect prepare vote: %v", err)
		} else if qc != nil {
			prepareQC = qc
		}
	}
	if prepareQC == nil {
		t.Fatalf("prepare QC never reached quorum")
	}
	if err := prepareQC.Verify(leader.vs); err != nil {
		t.Fatalf("prepare QC invalid: %v", err)
	}

	pc := BuildPreCommit(prepareQC)
	var preCommitQC *QC
	for _, r := range replicas {
		vote, err := r.OnPreCommit(pc)
		if err != nil {
			t.Fatalf("on pre-commit: %v", err)
		}
		if qc, err := leader.CollectPreCommitVote(vote); err != nil {
			t.Fatalf("collect pre-commit vote: %v", err)
		} else if qc != nil {
			preCommitQC = qc
		}
	}
	if preCommitQC == nil {
		t.Fatalf("pre-commit QC never reached quorum")
	}

	cm := BuildCommit(preCommitQC)
	var commitQC *QC
	for _, r := range replicas {
		vote, err := r.OnCommit(cm)
		if err != nil {
			t.Fatalf("on commit: %v", err)
		}
		if qc, err := leader.CollectCommitVote(vote); err != nil {
			t.Fatalf("collect commit vote: %v", err)
		} else if qc != nil {
			commitQC = qc
		}
	}
	if commitQC == nil {
		t.Fatalf("commit QC never reached quorum")
	}

	var hashes []crypto.Hash
	for _, r := range replicas {
		// Every replica needs pendingBlock set from its own OnPrepare call
		// above (already true) to finalize.
		b, err := r.Finalize(commitQC, now)
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		hashes = append(hashes, b.Hash)
		if r.chain.Height() != 1 {
			t.Fatalf("replica height = %d, want 1", r.chain.Height())
		}
		if r.View() != 1 {
			t.Fatalf("replica view = %d, want 1 after committing view 0", r.View())
		}
	}
	for _, h := range hashes[1:] {
		if h != hashes[0] {
			t.Fatalf("replicas disagree on committed block hash")
		}
	}
}

// TestViewChange drives a 4-replica timeout-vote round to quorum and
// checks the resulting ViewChangeProof both verifies and advances a
// replica's view via OnNewView (spec.md §4.3 "Liveness").
func TestViewChange(t *testing.T) {
	replicas, _ := newTestReplicas(t, 4)
	const oldView = 5

	var proof *ViewChangeProof
	for _, r := range replicas {
		tv := r.OnTimeout(oldView)
		if p, err := replicas[0].CollectTimeoutVote(tv); err != nil {
			t.Fatalf("collect timeout vote: %v", err)
		} else if p != nil {
			proof = p
		}
	}
	if proof == nil {
		t.Fatalf("view-change proof never reached quorum")
	}
	if err := proof.Verify(replicas[0].vs); err != nil {
		t.Fatalf("view-change proof invalid: %v", err)
	}
	if proof.NewView != oldView+1 {
		t.Fatalf("proof.NewView = %d, want %d", proof.NewView, oldView+1)
	}

	msg := AssembleNewView(proof)
	if err := replicas[1].OnNewView(msg); err != nil {
		t.Fatalf("on new view: %v", err)
	}
	if replicas[1].View() != oldView+1 {
		t.Fatalf("replica view = %d, want %d", replicas[1].View(), oldView+1)
	}
}

// TestSoloModeCommit checks a single-validator chain self-certifies and
// commits without any vote exchange (spec.md §4.3 "Solo mode").
func TestSoloModeCommit(t *testing.T) {
	priv, pub := mustKeyC(t)
	genesisHash := weave.GenesisHash(1, "norn-test", 0)
	chain := weave.NewChain(testutil.NewMemDB(), []weave.Validator{{PubKey: pub, Stake: 100}}, 1000, genesisHash)
	r := NewReplica(chain.Validators, chain, priv)

	b, err := r.ProposeAndCommitSolo(1000, nil, nil)
	if err != nil {
		t.Fatalf("solo commit: %v", err)
	}
	if chain.Height() != 1 {
		t.Fatalf("chain height = %d, want 1", chain.Height())
	}
	if chain.LatestHash() != b.Hash {
		t.Fatalf("chain tip does not match committed block hash")
	}
}

// TestStateSync commits a block solo on one chain, then syncs a fresh
// chain with the same genesis hash up to the same tip, checking the
// synced chain's tip hash and threads_root match (spec.md §7, the height-5
// worked example generalized to a single committed block).
func TestStateSync(t *testing.T) {
	priv, pub := mustKeyC(t)
	validators := []weave.Validator{{PubKey: pub, Stake: 100}}
	genesisHash := weave.GenesisHash(1, "norn-test", 0)

	srcDB := testutil.NewMemDB()
	srcChain := weave.NewChain(srcDB, validators, 1000, genesisHash)
	srcReplica := NewReplica(srcChain.Validators, srcChain, priv)
	if _, err := srcReplica.ProposeAndCommitSolo(1000, nil, nil); err != nil {
		t.Fatalf("solo commit: %v", err)
	}

	dstChain := weave.NewChain(testutil.NewMemDB(), validators, 1000, genesisHash)

	req := &StateRequest{CurrentHeight: dstChain.Height(), GenesisHash: genesisHash}
	resp, err := BuildStateResponse(srcChain.Store, genesisHash, req)
	if err != nil {
		t.Fatalf("build state response: %v", err)
	}
	if len(resp.Blocks) != 1 {
		t.Fatalf("state response carried %d blocks, want 1", len(resp.Blocks))
	}

	if err := ApplyStateSync(dstChain, genesisHash, resp, 1000); err != nil {
		t.Fatalf("apply state sync: %v", err)
	}
	if dstChain.Height() != srcChain.Height() {
		t.Fatalf("dst height = %d, want %d", dstChain.Height(), srcChain.Height())
	}
	if dstChain.LatestHash() != srcChain.LatestHash() {
		t.Fatalf("dst tip hash does not match src tip hash")
	}
	srcRoot, _ := srcChain.State.ThreadsRoot()
	dstRoot, _ := dstChain.State.ThreadsRoot()
	if srcRoot != dstRoot {
		t.Fatalf("threads_root mismatch after state sync")
	}
}
