package tests

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/events"
	"github.com/tolelom/norn/indexer"
	"github.com/tolelom/norn/internal/testutil"
	"github.com/tolelom/norn/rpc"
	"github.com/tolelom/norn/thread"
	"github.com/tolelom/norn/weave"
)

// newTestRPCHandler builds an RPC handler backed by an in-memory, freshly
// genesis'd chain with one validator.
func newTestRPCHandler(t *testing.T) (*rpc.Handler, crypto.PrivateKey) {
	t.Helper()
	db := testutil.NewMemDB()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	genesisHash := weave.GenesisHash(1, "test-chain", 0)
	chain := weave.NewChain(db, []weave.Validator{{PubKey: pub, Stake: 1}}, 1, genesisHash)
	idx := indexer.New(db, chain.Events)
	threads := thread.NewStore(db)
	return rpc.NewHandler(chain, threads, idx, "test-chain"), priv
}

func dispatch(handler *rpc.Handler, method string, params any) rpc.Response {
	raw, _ := json.Marshal(params)
	return handler.Dispatch(rpc.Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

// TestRPCGetBlockHeight verifies that getBlockHeight returns 0 for a fresh chain.
func TestRPCGetBlockHeight(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "getBlockHeight", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	height, _ := resp.Result.(uint64)
	if height != 0 {
		t.Errorf("height: got %d want 0", height)
	}
}

// TestRPCGetMempoolSize verifies getMempoolSize reports all-empty buckets for
// a fresh chain.
func TestRPCGetMempoolSize(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "getMempoolSize", struct{}{})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}
	sizes, ok := resp.Result.(map[string]int)
	if !ok {
		t.Fatalf("unexpected result type: %T", resp.Result)
	}
	if sizes["commitments"] != 0 || sizes["registrations"] != 0 {
		t.Errorf("sizes: got %v want all zero", sizes)
	}
}

// TestRPCMethodNotFound verifies that unknown methods return a -32601 error.
func TestRPCMethodNotFound(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	resp := dispatch(handler, "nonExistentMethod", struct{}{})
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != rpc.CodeMethodNotFound {
		t.Errorf("error code: got %d want %d", resp.Error.Code, rpc.CodeMethodNotFound)
	}
}

// TestRPCGetThreadStateUnregistered verifies a never-registered thread
// surfaces as an internal error (thread.ErrNotFound), not a crash.
func TestRPCGetThreadStateUnregistered(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	_, pub, _ := crypto.GenerateKeyPair()
	resp := dispatch(handler, "getThreadState", map[string]string{"thread_id": pub.Address().Hex()})
	if resp.Error == nil {
		t.Fatal("expected error for unregistered thread")
	}
}

// TestRPCSubmitRegistration verifies a submitted registration lands in the
// weave mempool.
func TestRPCSubmitRegistration(t *testing.T) {
	handler, _ := newTestRPCHandler(t)
	_, pub, _ := crypto.GenerateKeyPair()
	reg := &weave.Registration{ThreadId: pub.Address(), Owner: pub, Timestamp: uint64(time.Now().Unix())}

	resp := dispatch(handler, "submitRegistration", map[string][]byte{"registration": weave.EncodeRegistration(reg)})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}

	sizesResp := dispatch(handler, "getMempoolSize", struct{}{})
	sizes := sizesResp.Result.(map[string]int)
	if sizes["registrations"] != 1 {
		t.Errorf("registrations: got %d want 1", sizes["registrations"])
	}
}

// TestRPCSubmitCommitment verifies a submitted commitment lands in the
// weave mempool.
func TestRPCSubmitCommitment(t *testing.T) {
	handler, priv := newTestRPCHandler(t)
	th := thread.New(priv.Public())
	header := th.Commit(priv, uint64(time.Now().Unix()))

	resp := dispatch(handler, "submitCommitment", map[string][]byte{"commitment": header.Encode()})
	if resp.Error != nil {
		t.Fatalf("error: %v", resp.Error.Message)
	}

	sizesResp := dispatch(handler, "getMempoolSize", struct{}{})
	sizes := sizesResp.Result.(map[string]int)
	if sizes["commitments"] != 1 {
		t.Errorf("commitments: got %d want 1", sizes["commitments"])
	}
}

var _ = events.EventBlockCommit // keep events imported for readers tracing the Emitter wiring
