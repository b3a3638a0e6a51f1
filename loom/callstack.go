package loom

import (
	"fmt"

	"github.com/tolelom/norn/crypto"
)

// MaxCallDepth bounds cross-contract call nesting (spec.md §4.4 "Bounds:
// max call depth 8"), grounded on original_source/norn-loom/src/
// call_stack.rs's CallStack.max_depth.
const MaxCallDepth = 8

// CallFrame records one level of a cross-contract call so it can be
// unwound on failure: which contract is executing, who called it, its
// state as of the moment it was entered, and the gas already spent by
// the time it started (original_source/norn-loom/src/call_stack.rs).
type CallFrame struct {
	LoomId    crypto.Hash
	Caller    crypto.Address
	Snapshot  map[string][]byte
	GasBefore uint64
}

// CallStack tracks the chain of loom contracts currently executing
// within a single top-level transaction, enforcing the re-entrancy ban
// and max call depth (spec.md §4.4 "Cross-contract calls: no loom may
// appear twice in the active call stack").
type CallStack struct {
	frames []CallFrame
}

// NewCallStack returns an empty call stack.
func NewCallStack() *CallStack { return &CallStack{} }

// Push enters a new frame, rejecting it if doing so would exceed
// MaxCallDepth or if loomId already appears somewhere on the stack.
func (c *CallStack) Push(f CallFrame) error {
	if len(c.frames)+1 > MaxCallDepth {
		return fmt.Errorf("loom: call depth %d exceeds max %d", len(c.frames)+1, MaxCallDepth)
	}
	if c.IsReentrant(f.LoomId) {
		return fmt.Errorf("loom: re-entrant call into loom %s", f.LoomId)
	}
	c.frames = append(c.frames, f)
	return nil
}

// Pop removes and returns the innermost frame, reporting false if the
// stack was already empty.
func (c *CallStack) Pop() (CallFrame, bool) {
	if len(c.frames) == 0 {
		return CallFrame{}, false
	}
	f := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	return f, true
}

// Depth returns the number of frames currently on the stack.
func (c *CallStack) Depth() int { return len(c.frames) }

// IsEmpty reports whether no call is in progress.
func (c *CallStack) IsEmpty() bool { return len(c.frames) == 0 }

// IsReentrant reports whether loomId is already on the stack.
func (c *CallStack) IsReentrant(loomId crypto.Hash) bool {
	for _, f := range c.frames {
		if f.LoomId == loomId {
			return true
		}
	}
	return false
}

// CurrentCaller returns the Caller of the innermost frame.
func (c *CallStack) CurrentCaller() (crypto.Address, bool) {
	if len(c.frames) == 0 {
		return crypto.Address{}, false
	}
	return c.frames[len(c.frames)-1].Caller, true
}

// CurrentLoom returns the LoomId of the innermost frame.
func (c *CallStack) CurrentLoom() (crypto.Hash, bool) {
	if len(c.frames) == 0 {
		return crypto.Hash{}, false
	}
	return c.frames[len(c.frames)-1].LoomId, true
}

// contractAddress derives the account-style address a loom contract
// acts as when it is itself the caller of another loom, the same way an
// externally-owned account is addressed from its public key
// (crypto.PublicKey.Address): the leading bytes of the loom id.
func contractAddress(loomId crypto.Hash) crypto.Address {
	var a crypto.Address
	copy(a[:], loomId[:crypto.AddressSize])
	return a
}
