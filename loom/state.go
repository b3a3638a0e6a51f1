package loom

import (
	"fmt"
	"sort"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/wire"
)

// Per-contract state bounds (spec.md §4.4 "Bounds"), grounded on
// original_source/norn-loom/src/host.rs's state_set constants.
const (
	MaxStateKeySize   = 1024
	MaxStateValueSize = 65_536
	MaxStateEntries   = 10_000
)

// ContractState is one loom contract's key-value working set, loaded
// from a ContractStore at the start of an execution and persisted back
// at the end. Grounded on original_source/norn-loom/src/state.rs's
// LoomState.
type ContractState struct {
	LoomId crypto.Hash
	data   map[string][]byte
}

// NewContractState returns a ContractState for loomId, deep-copying seed
// (typically the persisted entries loaded by a ContractStore).
func NewContractState(loomId crypto.Hash, seed map[string][]byte) *ContractState {
	data := make(map[string][]byte, len(seed))
	for k, v := range seed {
		data[k] = append([]byte(nil), v...)
	}
	return &ContractState{LoomId: loomId, data: data}
}

// Get returns the value stored under key, if any.
func (s *ContractState) Get(key []byte) ([]byte, bool) {
	v, ok := s.data[string(key)]
	return v, ok
}

// Len reports the number of entries currently held.
func (s *ContractState) Len() int { return len(s.data) }

// checkBounds reports whether setting key to value would violate the
// key/value size or entry-count limits, without mutating state. Callers
// charge gas only after this succeeds (original_source/norn-loom/src/
// host.rs's state_set checks bounds before charging gas).
func (s *ContractState) checkBounds(key, value []byte) error {
	if len(key) > MaxStateKeySize {
		return fmt.Errorf("loom: state key too large")
	}
	if len(value) > MaxStateValueSize {
		return fmt.Errorf("loom: state value too large")
	}
	if _, exists := s.data[string(key)]; !exists && len(s.data) >= MaxStateEntries {
		return fmt.Errorf("loom: state entry limit reached")
	}
	return nil
}

// Set stores value under key, enforcing the size and entry-count bounds.
func (s *ContractState) Set(key, value []byte) error {
	if err := s.checkBounds(key, value); err != nil {
		return err
	}
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete removes key, if present.
func (s *ContractState) Delete(key []byte) { delete(s.data, string(key)) }

// snapshot deep-copies the current working set for CallStack.Push to
// attach to a CallFrame, so a failed cross-contract call can be undone
// without touching state outside the callee (original_source/norn-loom/
// src/call_stack.rs's CallFrame.state_snapshot).
func (s *ContractState) snapshot() map[string][]byte {
	cp := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		cp[k] = append([]byte(nil), v...)
	}
	return cp
}

// restore replaces the working set wholesale, undoing every write made
// since the snapshot was taken.
func (s *ContractState) restore(snap map[string][]byte) { s.data = snap }

// Hash computes BLAKE3 over the canonically-encoded (key, value) pairs
// in lexicographic key order, independent of insertion order (spec.md
// §4.4 "Determinism"; original_source/norn-loom/src/state.rs's
// compute_hash, whose tests assert exactly this insertion-order
// independence).
func (s *ContractState) Hash() crypto.Hash {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e := wire.NewEncoder()
	for _, k := range keys {
		e.WriteBytes([]byte(k))
		e.WriteBytes(s.data[k])
	}
	return crypto.SumKeyed("norn.loom-state", e.Bytes())
}

// encodeState canonically encodes a ContractState for persistence
// (distinct from Hash: this preserves exact byte values for reload, Hash
// commits to a content digest).
func encodeState(s *ContractState) []byte {
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e := wire.NewEncoder()
	wire.WriteSlice(e, keys, func(e *wire.Encoder, k string) {
		e.WriteBytes([]byte(k))
		e.WriteBytes(s.data[k])
	})
	return e.Bytes()
}

// decodeState is the inverse of encodeState.
func decodeState(loomId crypto.Hash, b []byte) (*ContractState, error) {
	d := wire.NewDecoder(b)
	type pair struct {
		key, value []byte
	}
	pairs, err := wire.ReadSlice(d, func(d *wire.Decoder) (pair, error) {
		k, err := d.ReadBytes()
		if err != nil {
			return pair{}, err
		}
		v, err := d.ReadBytes()
		if err != nil {
			return pair{}, err
		}
		return pair{key: k, value: v}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loom: decode state: %w", err)
	}
	data := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		data[string(p.key)] = p.value
	}
	return &ContractState{LoomId: loomId, data: data}, nil
}
