// Package thread implements the per-account thread engine: ordered token/
// asset/loom-membership state, knot construction and validation, knot
// application, and the signed commitment header chain. Grounded on the
// teacher's core/state.go (State interface, balance credit/debit shape)
// and core/transaction.go (signed-envelope + Verify pattern), generalized
// from a single global account map to per-thread bilateral state with a
// canonical binary state hash instead of JSON.
package thread

import (
	"fmt"
	"sort"

	"github.com/tolelom/norn/amount"
	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/wire"
)

// MaxUncommittedKnots bounds the uncommitted-knot buffer a thread may
// accumulate between commits (spec.md §4.1 "Apply-knot").
const MaxUncommittedKnots = 1024

// State is one thread's token balances, opaque per-token asset blobs,
// loom memberships, and replay-protection nonce.
type State struct {
	Balances map[crypto.Hash]amount.Amount
	Assets   map[crypto.Hash][]byte
	Looms    map[crypto.Hash][]byte
	Nonce    uint64
}

// NewState returns the empty genesis state for a freshly registered thread.
func NewState() *State {
	return &State{
		Balances: make(map[crypto.Hash]amount.Amount),
		Assets:   make(map[crypto.Hash][]byte),
		Looms:    make(map[crypto.Hash][]byte),
	}
}

// Clone deep-copies s so the caller can mutate the copy without affecting
// the original (used for knot application and loom cross-call snapshots).
func (s *State) Clone() *State {
	c := &State{
		Balances: make(map[crypto.Hash]amount.Amount, len(s.Balances)),
		Assets:   make(map[crypto.Hash][]byte, len(s.Assets)),
		Looms:    make(map[crypto.Hash][]byte, len(s.Looms)),
		Nonce:    s.Nonce,
	}
	for k, v := range s.Balances {
		c.Balances[k] = v
	}
	for k, v := range s.Assets {
		cp := make([]byte, len(v))
		copy(cp, v)
		c.Assets[k] = cp
	}
	for k, v := range s.Looms {
		cp := make([]byte, len(v))
		copy(cp, v)
		c.Looms[k] = cp
	}
	return c
}

// Credit adds amt to the balance of token, failing on 128-bit overflow.
func (s *State) Credit(token crypto.Hash, amt amount.Amount) error {
	cur := s.Balances[token]
	sum, overflow := cur.Add(amt)
	if overflow {
		return fmt.Errorf("thread: credit overflow for token %s", token)
	}
	s.Balances[token] = sum
	return nil
}

// Debit subtracts amt from the balance of token, failing if the balance
// would go negative. A balance that reaches exactly zero is pruned from
// the map (spec.md §3: "Zero balances are pruned on debit").
func (s *State) Debit(token crypto.Hash, amt amount.Amount) error {
	cur := s.Balances[token]
	if cur.Cmp(amt) < 0 {
		return fmt.Errorf("thread: insufficient balance for token %s", token)
	}
	rem, underflow := cur.Sub(amt)
	if underflow {
		return fmt.Errorf("thread: debit underflow for token %s", token)
	}
	if rem.IsZero() {
		delete(s.Balances, token)
	} else {
		s.Balances[token] = rem
	}
	return nil
}

// Balance returns the current balance of token (zero if absent).
func (s *State) Balance(token crypto.Hash) amount.Amount {
	return s.Balances[token]
}

func sortedHashKeys[V any](m map[crypto.Hash]V) []crypto.Hash {
	keys := make([]crypto.Hash, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i][:]) < string(keys[j][:])
	})
	return keys
}

// Hash computes the deterministic state hash: BLAKE3 over a canonical,
// key-sorted encoding of balances, assets, loom entries, and nonce
// (spec.md §3 "Thread state").
func (s *State) Hash() crypto.Hash {
	e := wire.NewEncoder()

	balKeys := sortedHashKeys(s.Balances)
	e.WriteUint32(uint32(len(balKeys)))
	for _, k := range balKeys {
		e.WriteFixed(k[:])
		b := s.Balances[k].Bytes()
		e.WriteFixed(b[:])
	}

	assetKeys := sortedHashKeys(s.Assets)
	e.WriteUint32(uint32(len(assetKeys)))
	for _, k := range assetKeys {
		e.WriteFixed(k[:])
		e.WriteBytes(s.Assets[k])
	}

	loomKeys := sortedHashKeys(s.Looms)
	e.WriteUint32(uint32(len(loomKeys)))
	for _, k := range loomKeys {
		e.WriteFixed(k[:])
		e.WriteBytes(s.Looms[k])
	}

	e.WriteUint64(s.Nonce)
	return crypto.SumKeyed("norn.thread-state", e.Bytes())
}
