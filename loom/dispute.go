package loom

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/fraud"
)

// ChallengeTransition re-executes a claimed loom state transition from
// its referenced bytecode and initial state, comparing the result to
// the claimed before/after state hashes, and satisfies fraud.Verifier so
// weave's InvalidLoomTransition fraud-proof path can call into loom
// without loom's much smaller sibling package importing it back (spec.md
// §4.5 "Verification (on weave apply)"; grounded directly on
// original_source/norn-loom/src/dispute.rs's challenge_transition and
// its DisputeResult::{Valid, Invalid} outcome).
//
// The checks run in the same order dispute.rs does: first confirm the
// referenced initial state actually hashes to the claimed pre-state (a
// mismatch already yields Invalid), then re-execute deterministically from that
// state, then compare the post-execution hash to the claimed new state
// hash. Any mismatch, or the re-execution itself failing where the
// claim says it should not have, yields Invalid with a reason; an exact
// match yields Valid, meaning the claimed transition was correct and the
// submission was frivolous.
func (x *Executor) ChallengeTransition(loomId crypto.Hash, bytecodeRef, initialRef crypto.Hash, prevStateHash, newStateHash crypto.Hash, sender crypto.Address, blockHeight, timestamp uint64, input []byte) (fraud.TransitionVerdict, string, error) {
	bytecode, err := x.store.GetArchivedBytecode(bytecodeRef)
	if err != nil {
		return fraud.Invalid, "", fmt.Errorf("loom: resolve bytecode ref: %w", err)
	}
	if BytecodeRef(bytecode) != bytecodeRef {
		return fraud.Invalid, "archived bytecode does not match its own reference hash", nil
	}

	initialData, err := x.store.GetArchivedState(initialRef)
	if err != nil {
		return fraud.Invalid, "", fmt.Errorf("loom: resolve initial state ref: %w", err)
	}
	initialState, err := decodeState(loomId, initialData)
	if err != nil {
		return fraud.Invalid, "", fmt.Errorf("loom: decode initial state: %w", err)
	}
	if initialState.Hash() != prevStateHash {
		return fraud.Invalid, "claimed pre-state hash does not match the referenced initial state", nil
	}

	host := NewHostState(loomId, initialState, sender, blockHeight, timestamp, DefaultGasLimit)
	host.CallStack = NewCallStack()
	host.Executor = x

	const disputeEntrypoint = "execute"
	if _, err := x.engine.Execute(bytecode, disputeEntrypoint, input, host); err != nil {
		// A submission claiming a transition succeeded (new_state_hash
		// differs from prev_state_hash) when re-execution in fact traps
		// is itself evidence the claim was wrong, i.e. the transition it
		// described really was invalid.
		return fraud.Invalid, fmt.Sprintf("re-execution failed: %v", err), nil
	}

	if host.State.Hash() != newStateHash {
		return fraud.Invalid, "claimed post-state hash does not match re-execution result", nil
	}
	return fraud.Valid, "", nil
}
