package loom

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
)

// Executor ties an Engine, a ContractStore, and the per-transaction call
// stack together to run one top-level loom invocation, including any
// cross-contract calls it makes (spec.md §4.4 "Execution model").
// Grounded on the teacher's vm/executor.go (a single entry point that
// resolves a handler and runs it against shared state), generalized from
// TxType dispatch to loom-id-addressed WASM contracts.
type Executor struct {
	engine Engine
	store  *ContractStore
}

// NewExecutor returns an Executor driving engine against the contract
// state and bytecode held in store.
func NewExecutor(engine Engine, store *ContractStore) *Executor {
	return &Executor{engine: engine, store: store}
}

// Result is the outcome of a top-level loom execution: everything weave
// needs to apply its side effects and everything a later fraud proof
// needs to reference the transition (spec.md §4.5
// "InvalidLoomTransitionProof").
type Result struct {
	ReturnValue []byte
	GasUsed     uint64

	BytecodeRef   crypto.Hash
	InitialRef    crypto.Hash
	PrevStateHash crypto.Hash
	NewStateHash  crypto.Hash

	Transfers []PendingTransfer
	Logs      []string
	Events    []HostEvent
}

// Execute runs entrypoint in loomId's contract with the given sender,
// gas limit, and block context to completion, persisting the resulting
// state and archiving the pre-execution bytecode and state so a later
// fraud proof can reference them by hash (spec.md §4.4's Idle→PreCall→
// Executing→Committed|RolledBack state machine, applied to the
// top-level call). On error the contract's resulting state is not written
// back; the archive entries written before execution, and state already
// persisted by nested calls that succeeded, remain.
func (x *Executor) Execute(loomId crypto.Hash, sender crypto.Address, blockHeight, timestamp, gasLimit uint64, entrypoint string, input []byte) (*Result, error) {
	bytecode, err := x.store.GetBytecode(loomId)
	if err != nil {
		return nil, fmt.Errorf("loom: load bytecode: %w", err)
	}
	state, err := x.store.GetState(loomId)
	if err != nil {
		return nil, fmt.Errorf("loom: load state: %w", err)
	}
	prevHash := state.Hash()

	bytecodeRef, err := x.store.ArchiveBytecode(bytecode)
	if err != nil {
		return nil, fmt.Errorf("loom: archive bytecode: %w", err)
	}
	initialRef, err := x.store.ArchiveState(state)
	if err != nil {
		return nil, fmt.Errorf("loom: archive initial state: %w", err)
	}

	host := NewHostState(loomId, state, sender, blockHeight, timestamp, gasLimit)
	host.CallStack = NewCallStack()
	host.Executor = x

	ret, err := x.engine.Execute(bytecode, entrypoint, input, host)
	if err != nil {
		return nil, fmt.Errorf("loom: execution failed: %w", err)
	}
	if err := x.store.PutState(loomId, host.State); err != nil {
		return nil, fmt.Errorf("loom: persist state: %w", err)
	}

	return &Result{
		ReturnValue:   ret,
		GasUsed:       host.Gas.Used(),
		BytecodeRef:   bytecodeRef,
		InitialRef:    initialRef,
		PrevStateHash: prevHash,
		NewStateHash:  host.State.Hash(),
		Transfers:     host.PendingTransfers,
		Logs:          host.Logs,
		Events:        host.Events,
	}, nil
}
