package loom

import (
	"fmt"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
)

// Bounds on buffers a single execution (including any calls it makes)
// may accumulate (spec.md §4.4 "Bounds"), grounded on original_source/
// norn-loom/src/host.rs's MAX_WASM_MEMORY_BYTES/MAX_PENDING_TRANSFERS/
// MAX_LOGS/MAX_EVENTS constants.
const (
	MaxWasmMemoryBytes  = 16 * 1024 * 1024
	MaxPendingTransfers = 256
	MaxLogs             = 1_000
	MaxEvents           = 1_000
)

// PendingTransfer is a token transfer a contract queued via the
// `transfer` host call; weave applies it to account balances only once
// the whole execution succeeds (original_source/norn-loom/src/
// host.rs's PendingTransfer).
type PendingTransfer struct {
	From, To crypto.Address
	TokenId  crypto.Hash
	Amount   amount.Amount
}

// HostEvent is a structured event a contract emitted via `emit_event`.
type HostEvent struct {
	Type       string
	Attributes [][2]string
}

// HostState is the per-call execution context a loom instance operates
// through via the host API (spec.md §4.4 "Host API": log, state_get,
// state_set, transfer, emit_event, sender, block_height, timestamp,
// call). Grounded on original_source/norn-loom/src/host.rs's
// LoomHostState.
type HostState struct {
	Gas   *GasMeter
	State *ContractState

	PendingTransfers []PendingTransfer
	Logs             []string
	Events           []HostEvent

	Sender      crypto.Address
	BlockHeight uint64
	Timestamp   uint64

	// LoomId is the contract currently executing through this host
	// state (distinct from the top-level transaction's target once a
	// cross-contract call is in progress).
	LoomId crypto.Hash

	// CallStack and Executor are set on every HostState (top-level and
	// nested) so the `call` host function can recurse; Executor is nil
	// only in tests that exercise the host API directly without going
	// through Executor.Execute.
	CallStack *CallStack
	Executor  *Executor
}

// NewHostState builds the host state a fresh top-level or nested
// execution runs against.
func NewHostState(loomId crypto.Hash, state *ContractState, sender crypto.Address, blockHeight, timestamp, gasLimit uint64) *HostState {
	return &HostState{
		Gas:         NewGasMeter(gasLimit),
		State:       state,
		Sender:      sender,
		BlockHeight: blockHeight,
		Timestamp:   timestamp,
		LoomId:      loomId,
	}
}

// StateGet charges GAS_STATE_READ plus GAS_BYTE_READ per byte of the
// returned value, implementing the host API's two-phase semantics at
// the ABI layer (engine.go): this Go-level method just returns the
// value and whether it existed.
func (h *HostState) StateGet(key []byte) ([]byte, error) {
	if err := h.Gas.Charge(GasStateRead); err != nil {
		return nil, err
	}
	v, ok := h.State.Get(key)
	if !ok {
		return nil, nil
	}
	if err := h.Gas.Charge(GasByteRead * uint64(len(v))); err != nil {
		return nil, err
	}
	return v, nil
}

// StateSet validates bounds before charging gas (original_source/
// norn-loom/src/host.rs: a too-large key/value or a full state map
// fails without costing gas), then charges GAS_STATE_WRITE plus
// GAS_BYTE_WRITE per byte and stores the value.
func (h *HostState) StateSet(key, value []byte) error {
	if err := h.State.checkBounds(key, value); err != nil {
		return err
	}
	if err := h.Gas.Charge(GasStateWrite); err != nil {
		return err
	}
	if err := h.Gas.Charge(GasByteWrite * uint64(len(value))); err != nil {
		return err
	}
	return h.State.Set(key, value)
}

// Transfer queues a token transfer, charging GAS_TRANSFER and enforcing
// MaxPendingTransfers.
func (h *HostState) Transfer(from, to crypto.Address, tokenId crypto.Hash, amt amount.Amount) error {
	if err := h.Gas.Charge(GasTransfer); err != nil {
		return err
	}
	if len(h.PendingTransfers) >= MaxPendingTransfers {
		return fmt.Errorf("loom: too many pending transfers")
	}
	h.PendingTransfers = append(h.PendingTransfers, PendingTransfer{From: from, To: to, TokenId: tokenId, Amount: amt})
	return nil
}

// Log appends a log message, charging GAS_LOG and enforcing MaxLogs.
func (h *HostState) Log(message string) error {
	if err := h.Gas.Charge(GasLog); err != nil {
		return err
	}
	if len(h.Logs) >= MaxLogs {
		return fmt.Errorf("loom: too many log messages")
	}
	h.Logs = append(h.Logs, message)
	return nil
}

// EmitEvent appends a structured event, charging GAS_EMIT_EVENT and
// enforcing MaxEvents.
func (h *HostState) EmitEvent(typ string, attributes [][2]string) error {
	if err := h.Gas.Charge(GasEmitEvent); err != nil {
		return err
	}
	if len(h.Events) >= MaxEvents {
		return fmt.Errorf("loom: too many events")
	}
	h.Events = append(h.Events, HostEvent{Type: typ, Attributes: attributes})
	return nil
}

// Call invokes another loom contract's entrypoint from within the
// current execution, sharing the gas meter and call stack so re-entrancy
// and max depth are enforced across the whole call graph (spec.md §4.4
// "Cross-contract calls"; original_source/norn-loom/src/call_stack.rs).
//
// On success the callee's state is persisted and its pending
// transfers/logs/events are merged into the caller's buffers. On
// failure the callee's state is rolled back to exactly what it was
// before the call, and nothing is merged upward — the caller observes
// only an error (spec.md §8 scenario: cross-call rollback).
func (h *HostState) Call(targetLoomId crypto.Hash, entrypoint string, input []byte) ([]byte, error) {
	if h.Executor == nil {
		return nil, fmt.Errorf("loom: cross-contract call attempted outside an Executor")
	}
	x := h.Executor

	targetState, err := x.store.GetState(targetLoomId)
	if err != nil {
		return nil, fmt.Errorf("loom: load callee state: %w", err)
	}
	targetBytecode, err := x.store.GetBytecode(targetLoomId)
	if err != nil {
		return nil, fmt.Errorf("loom: load callee bytecode: %w", err)
	}

	frame := CallFrame{
		LoomId:    targetLoomId,
		Caller:    contractAddress(h.LoomId),
		Snapshot:  targetState.snapshot(),
		GasBefore: h.Gas.Used(),
	}
	if err := h.CallStack.Push(frame); err != nil {
		return nil, err
	}

	child := NewHostState(targetLoomId, targetState, frame.Caller, h.BlockHeight, h.Timestamp, 0)
	child.Gas = h.Gas // shared meter: the whole call graph draws from one budget
	child.CallStack = h.CallStack
	child.Executor = x

	ret, execErr := x.engine.Execute(targetBytecode, entrypoint, input, child)

	popped, _ := h.CallStack.Pop()
	if execErr != nil {
		targetState.restore(popped.Snapshot)
		return nil, fmt.Errorf("loom: cross-contract call into %s: %w", targetLoomId, execErr)
	}

	if err := x.store.PutState(targetLoomId, targetState); err != nil {
		targetState.restore(popped.Snapshot)
		return nil, fmt.Errorf("loom: persist callee state: %w", err)
	}
	h.PendingTransfers = append(h.PendingTransfers, child.PendingTransfers...)
	h.Logs = append(h.Logs, child.Logs...)
	h.Events = append(h.Events, child.Events...)
	return ret, nil
}
