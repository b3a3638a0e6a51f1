package tests

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/indexer"
	"github.com/tolelom/norn/internal/testutil"
	"github.com/tolelom/norn/rpc"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/weave"
)

// TestWeaveIntegration exercises the full thread lifecycle end to end:
// register a thread, apply a knot off-chain, commit a checkpoint through
// the weave mempool/block pipeline, then confirm the result through the
// RPC surface and the secondary indexes it is built on (spec.md §4.1
// "Lifecycles", §4.2 "Block assembly", §6 "RPC surface").
func TestWeaveIntegration(t *testing.T) {
	db := testutil.NewMemDB()
	_, validatorPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	genesisHash := weave.GenesisHash(1, "integration-chain", 0)
	chain := weave.NewChain(db, []weave.Validator{{PubKey: validatorPub, Stake: 1}}, 1, genesisHash)
	idx := indexer.New(db, chain.Events)
	threads := thread.NewStore(db)
	handler := rpc.NewHandler(chain, threads, idx, "integration-chain")

	now := uint64(time.Now().Unix())

	ownerPriv, ownerPub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	th := thread.New(ownerPub)

	t.Run("register thread", func(t *testing.T) {
		reg := &weave.Registration{ThreadId: th.Id, Owner: ownerPub, Timestamp: now}
		reg.Sign(ownerPriv)
		if err := chain.Mempool.AddRegistration(reg); err != nil {
			t.Fatalf("add registration: %v", err)
		}

		block, err := chain.ProposeBlock(validatorPub, 1, now, nil, nil)
		if err != nil {
			t.Fatalf("propose block: %v", err)
		}
		if err := chain.ApplyBlock(block, now); err != nil {
			t.Fatalf("apply block: %v", err)
		}
		if chain.Height() != 1 {
			t.Fatalf("height: got %d want 1", chain.Height())
		}

		resp := dispatch(handler, "getThreadsByOwner", map[string]string{"owner": ownerPub.Hex()})
		if resp.Error != nil {
			t.Fatalf("getThreadsByOwner: %v", resp.Error.Message)
		}
		owned, ok := resp.Result.([]string)
		if !ok || len(owned) != 1 || owned[0] != th.Id.Hex() {
			t.Fatalf("getThreadsByOwner: got %v", resp.Result)
		}
	})

	t.Run("apply knot and commit", func(t *testing.T) {
		// Fund the thread the way a genesis allocation would (config.BuildGenesis
		// credits a thread's ledger directly, ahead of any knot activity), then
		// exercise a real loom-interaction knot to advance the version the
		// normal way: through Thread.ApplyKnot.
		nativeToken := crypto.Hash{}
		if err := th.State.Credit(nativeToken, amount.FromUint64(1000)); err != nil {
			t.Fatalf("credit: %v", err)
		}

		before := thread.ParticipantState{ThreadId: th.Id, PubKey: ownerPub, Version: th.Version, StateHash: th.State.Hash()}
		afterState := th.State.Clone()
		loomId := crypto.Hash{}
		afterState.Looms[loomId] = []byte("session-open")
		after := thread.ParticipantState{ThreadId: th.Id, PubKey: ownerPub, Version: th.Version + 1, StateHash: afterState.Hash()}

		k := thread.NewBuilder(thread.KnotLoomInteraction, now).
			AddParticipant(before, after).
			WithPayload(thread.Payload{LoomId: loomId, Input: []byte("session-open")}).
			Build()
		if err := k.Sign(ownerPub, ownerPriv); err != nil {
			t.Fatalf("sign knot: %v", err)
		}
		if err := th.ApplyKnot(k); err != nil {
			t.Fatalf("apply knot: %v", err)
		}

		header := th.Commit(ownerPriv, now)
		if header.Version != 1 {
			t.Fatalf("commit version: got %d want 1", header.Version)
		}
		if err := threads.PutKnot(th.Id, k); err != nil {
			t.Fatalf("persist knot: %v", err)
		}
		if err := threads.Save(th, header); err != nil {
			t.Fatalf("persist thread: %v", err)
		}

		if err := chain.Mempool.AddCommitment(header); err != nil {
			t.Fatalf("add commitment: %v", err)
		}
		block, err := chain.ProposeBlock(validatorPub, 2, now, nil, nil)
		if err != nil {
			t.Fatalf("propose block: %v", err)
		}
		if err := chain.ApplyBlock(block, now); err != nil {
			t.Fatalf("apply block: %v", err)
		}
		if chain.Height() != 2 {
			t.Fatalf("height: got %d want 2", chain.Height())
		}
	})

	t.Run("query balance and history via RPC", func(t *testing.T) {
		resp := dispatch(handler, "getBalance", map[string]string{"thread_id": th.Id.Hex(), "token": ""})
		if resp.Error != nil {
			t.Fatalf("getBalance: %v", resp.Error.Message)
		}
		raw, _ := json.Marshal(resp.Result)
		var bal struct {
			ThreadId string `json:"thread_id"`
			Balance  string `json:"balance"`
		}
		if err := json.Unmarshal(raw, &bal); err != nil {
			t.Fatalf("decode balance: %v", err)
		}
		if bal.Balance != "1000" {
			t.Errorf("balance: got %s want 1000", bal.Balance)
		}

		histResp := dispatch(handler, "getTransactionHistory", map[string]string{"thread_id": th.Id.Hex()})
		if histResp.Error != nil {
			t.Fatalf("getTransactionHistory: %v", histResp.Error.Message)
		}
		history, ok := histResp.Result.([]indexer.CommitmentRecord)
		if !ok || len(history) != 1 {
			t.Fatalf("getTransactionHistory: got %v", histResp.Result)
		}
		if history[0].Version != 1 || history[0].BlockHeight != 2 {
			t.Errorf("history record: got %+v", history[0])
		}

		threadResp := dispatch(handler, "getThread", map[string]string{"thread_id": th.Id.Hex()})
		if threadResp.Error != nil {
			t.Fatalf("getThread: %v", threadResp.Error.Message)
		}
	})

	t.Run("mempool drains after commit", func(t *testing.T) {
		resp := dispatch(handler, "getMempoolSize", struct{}{})
		sizes := resp.Result.(map[string]int)
		if sizes["commitments"] != 0 || sizes["registrations"] != 0 {
			t.Errorf("mempool not drained: %+v", sizes)
		}
	})
}
