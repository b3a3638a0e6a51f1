package loom

import (
	"fmt"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/fraud"
	"github.com/tolelom/norn/internal/testutil"
)

// spewConfig dumps unexported struct internals (ContractState.data, in
// particular) for a failing assertion's diagnostic message, the same
// spew.ConfigState norn's pack precedent uses for test-failure dumps
// rather than a hand-rolled %#v of private fields.
var spewConfig = spew.ConfigState{DisablePointerAddresses: true, DisableCapacities: true}

func TestGasMeterBoundary(t *testing.T) {
	g := NewGasMeter(300)
	if err := g.Charge(300); err != nil {
		t.Fatalf("charging exactly the remaining amount should succeed: %v", err)
	}
	if g.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", g.Remaining())
	}

	g2 := NewGasMeter(300)
	if err := g2.Charge(301); err == nil {
		t.Fatalf("charging one more than the limit should fail")
	}
}

func TestContractStateHashOrderIndependence(t *testing.T) {
	id := crypto.SumKeyed("test.loom")
	s1 := NewContractState(id, nil)
	if err := s1.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := s1.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("set b: %v", err)
	}

	s2 := NewContractState(id, nil)
	if err := s2.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := s2.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("set a: %v", err)
	}

	if s1.Hash() != s2.Hash() {
		t.Fatalf("state hash depends on insertion order:\n%s\n%s", spewConfig.Sdump(s1), spewConfig.Sdump(s2))
	}
}

func TestContractStateBounds(t *testing.T) {
	id := crypto.SumKeyed("test.loom")
	s := NewContractState(id, nil)

	bigKey := make([]byte, MaxStateKeySize+1)
	if err := s.Set(bigKey, []byte("v")); err == nil {
		t.Fatalf("expected key-too-large rejection")
	}
	bigValue := make([]byte, MaxStateValueSize+1)
	if err := s.Set([]byte("k"), bigValue); err == nil {
		t.Fatalf("expected value-too-large rejection")
	}
}

func TestCallStackDepthAndReentrancy(t *testing.T) {
	cs := NewCallStack()
	for i := 0; i < MaxCallDepth; i++ {
		var id crypto.Hash
		id[0] = byte(i + 1)
		if err := cs.Push(CallFrame{LoomId: id}); err != nil {
			t.Fatalf("push frame %d: %v", i, err)
		}
	}
	var extra crypto.Hash
	extra[0] = 200
	if err := cs.Push(CallFrame{LoomId: extra}); err == nil {
		t.Fatalf("expected max call depth exceeded")
	}

	cs2 := NewCallStack()
	id := crypto.SumKeyed("test.loom")
	if err := cs2.Push(CallFrame{LoomId: id}); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := cs2.Push(CallFrame{LoomId: id}); err == nil {
		t.Fatalf("expected re-entrancy rejection")
	}
}

// TestCrossCallRollback reproduces the worked example of spec.md §8:
// loom A calls loom B; B writes a key and then exhausts gas. On return,
// A observes the call failed; B's state shows no trace of the write;
// A's own pre-call state is untouched.
func TestCrossCallRollback(t *testing.T) {
	db := testutil.NewMemDB()
	store := NewContractStore(db)
	engine := NewScriptEngine()
	x := NewExecutor(engine, store)

	loomA := crypto.SumKeyed("test.loomA")
	loomB := crypto.SumKeyed("test.loomB")
	if err := store.PutBytecode(loomA, []byte("script:a")); err != nil {
		t.Fatalf("put bytecode a: %v", err)
	}
	if err := store.PutBytecode(loomB, []byte("script:b")); err != nil {
		t.Fatalf("put bytecode b: %v", err)
	}

	seedA := NewContractState(loomA, nil)
	if err := seedA.Set([]byte("balance"), []byte("100")); err != nil {
		t.Fatalf("seed a: %v", err)
	}
	if err := store.PutState(loomA, seedA); err != nil {
		t.Fatalf("put state a: %v", err)
	}
	aHashBefore := seedA.Hash()

	engine.Register("execute_b", func(host *HostState, input []byte) ([]byte, error) {
		if err := host.StateSet([]byte("k"), []byte("v")); err != nil {
			return nil, err
		}
		// Exhaust the (shared) gas budget deliberately.
		if err := host.Gas.Charge(host.Gas.Remaining() + 1); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("unreachable: gas charge above should have failed")
	})
	engine.Register("execute_a", func(host *HostState, input []byte) ([]byte, error) {
		if _, err := host.Call(loomB, "execute_b", nil); err == nil {
			return nil, fmt.Errorf("expected the call into B to fail")
		}
		return []byte("observed-failure"), nil
	})

	res, err := x.Execute(loomA, crypto.Address{}, 1, 1000, 100_000, "execute_a", nil)
	if err != nil {
		t.Fatalf("execute a: %v", err)
	}
	if string(res.ReturnValue) != "observed-failure" {
		t.Fatalf("a's return value = %q, want observed-failure", res.ReturnValue)
	}

	bState, err := store.GetState(loomB)
	if err != nil {
		t.Fatalf("get state b: %v", err)
	}
	if _, ok := bState.Get([]byte("k")); ok {
		t.Fatalf("b's state still shows k set after rollback:\n%s", spewConfig.Sdump(bState))
	}

	aState, err := store.GetState(loomA)
	if err != nil {
		t.Fatalf("get state a: %v", err)
	}
	if aState.Hash() != aHashBefore {
		t.Fatalf("a's pre-call state changed:\n%s", spewConfig.Sdump(aState))
	}
}

func TestChallengeTransitionValidAndInvalid(t *testing.T) {
	db := testutil.NewMemDB()
	store := NewContractStore(db)
	engine := NewScriptEngine()
	x := NewExecutor(engine, store)

	loomId := crypto.SumKeyed("test.dispute")
	if err := store.PutBytecode(loomId, []byte("script:dispute")); err != nil {
		t.Fatalf("put bytecode: %v", err)
	}
	engine.Register("execute", func(host *HostState, input []byte) ([]byte, error) {
		return nil, host.StateSet([]byte("k"), []byte("v"))
	})

	res, err := x.Execute(loomId, crypto.Address{}, 10, 1000, DefaultGasLimit, "execute", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	verdict, reason, err := x.ChallengeTransition(loomId, res.BytecodeRef, res.InitialRef, res.PrevStateHash, res.NewStateHash, crypto.Address{}, 10, 1000, nil)
	if err != nil {
		t.Fatalf("challenge valid transition: %v", err)
	}
	if verdict != fraud.Valid {
		t.Fatalf("expected a correctly-claimed transition to verify as valid, got invalid (%s)", reason)
	}

	var forged crypto.Hash
	forged[0] = 0xFF
	verdict, reason, err = x.ChallengeTransition(loomId, res.BytecodeRef, res.InitialRef, res.PrevStateHash, forged, crypto.Address{}, 10, 1000, nil)
	if err != nil {
		t.Fatalf("challenge forged transition: %v", err)
	}
	if verdict != fraud.Invalid {
		t.Fatalf("expected a forged post-state hash to verify as invalid, reason=%q", reason)
	}
}
