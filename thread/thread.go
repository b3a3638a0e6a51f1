package thread

import (
	"errors"
	"fmt"

	"github.com/tolelom/norn/crypto"
)

// ErrTooManyUncommitted is returned by ApplyKnot when the uncommitted-knot
// buffer is already at MaxUncommittedKnots.
var ErrTooManyUncommitted = errors.New("thread: too many uncommitted knots")

// ErrNotFound is returned when a requested thread, header, or knot does
// not exist in a store.
var ErrNotFound = errors.New("thread: not found")

// Thread is the live, mutable view of one account's state, knot log, and
// header chain (spec.md §3 "Lifecycles" — created by Registration, mutated
// by apply-knot, checkpointed by commit, never destroyed).
type Thread struct {
	Id             crypto.Address
	Owner          crypto.PublicKey
	State          *State
	Version        uint64
	LastKnotHash   crypto.Hash
	PrevHeaderHash crypto.Hash
	Uncommitted    []*Knot
}

// New creates a freshly registered thread owned by pub, at version 0 with
// empty state.
func New(pub crypto.PublicKey) *Thread {
	return &Thread{
		Id:    pub.Address(),
		Owner: pub,
		State: NewState(),
	}
}

// applyTransfers applies every transfer leg touching t to a clone of t's
// current state, debiting legs where t is the sender and crediting legs
// where t is the recipient. A thread that is both sender and recipient in
// the same leg (self-transfer) nets to a no-op via debit-then-credit.
func (t *Thread) applyTransfers(legs []TransferLeg) (*State, error) {
	next := t.State.Clone()
	for _, leg := range legs {
		if leg.From == t.Id {
			if err := next.Debit(leg.Token, leg.Amount); err != nil {
				return nil, err
			}
		}
		if leg.To == t.Id {
			if err := next.Credit(leg.Token, leg.Amount); err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

// ApplyKnot applies k to t: verifies t's own before-claim against live
// state, recomputes t's post-knot state from the payload, and verifies
// that the recomputed hash matches t's claimed after-state
// (spec.md §4.1 "Apply-knot").
func (t *Thread) ApplyKnot(k *Knot) error {
	if len(t.Uncommitted) >= MaxUncommittedKnots {
		return ErrTooManyUncommitted
	}
	before, ok := participantOf(k.Before, t.Id)
	if !ok {
		return fmt.Errorf("thread: %s is not a participant of this knot", t.Id)
	}
	if before.Version != t.Version {
		return fmt.Errorf("thread: before-version %d does not match current version %d", before.Version, t.Version)
	}
	curHash := t.State.Hash()
	if before.StateHash != curHash {
		return fmt.Errorf("thread: before-state-hash does not match current state")
	}

	var next *State
	var err error
	switch k.Type {
	case KnotTransfer, KnotMultiTransfer:
		next, err = t.applyTransfers(k.Payload.Transfers)
	case KnotLoomInteraction:
		// Loom interactions mutate LoomId membership bookkeeping only;
		// the loom's own KV state lives in the loom runtime, anchored
		// separately (spec.md §4.4).
		next = t.State.Clone()
		next.Looms[k.Payload.LoomId] = k.Payload.Input
	default:
		return fmt.Errorf("thread: unknown knot type %d", k.Type)
	}
	if err != nil {
		return fmt.Errorf("thread: apply payload: %w", err)
	}

	after, ok := participantOf(k.After, t.Id)
	if !ok {
		return fmt.Errorf("thread: %s missing from after-states", t.Id)
	}
	newHash := next.Hash()
	if after.Version != t.Version+1 {
		return fmt.Errorf("thread: after-version must be current+1")
	}
	if after.StateHash != newHash {
		return fmt.Errorf("thread: recomputed state hash does not match claimed after-state")
	}

	t.State = next
	t.Version++
	t.LastKnotHash = k.Id
	t.Uncommitted = append(t.Uncommitted, k)
	return nil
}

// VerifyChain walks an ordered list of knots against a starting
// (version, state_hash), re-deriving the ending (version, state_hash)
// without mutating t — used by the weave and fraud monitor to check a
// claimed knot sequence independent of live thread state
// (spec.md §4.1 "Chain verification").
func VerifyChain(threadId crypto.Address, startVersion uint64, startHash crypto.Hash, knots []*Knot) (endVersion uint64, endHash crypto.Hash, err error) {
	version, hash := startVersion, startHash
	for i, k := range knots {
		before, ok := participantOf(k.Before, threadId)
		if !ok {
			return 0, crypto.Hash{}, fmt.Errorf("thread: knot %d missing thread %s in before-states", i, threadId)
		}
		if before.Version != version || before.StateHash != hash {
			return 0, crypto.Hash{}, fmt.Errorf("thread: knot %d before-state does not match running state", i)
		}
		if k.ComputeId() != k.Id {
			return 0, crypto.Hash{}, fmt.Errorf("thread: knot %d id mismatch", i)
		}
		after, ok := participantOf(k.After, threadId)
		if !ok {
			return 0, crypto.Hash{}, fmt.Errorf("thread: knot %d missing thread %s in after-states", i, threadId)
		}
		version, hash = after.Version, after.StateHash
	}
	return version, hash, nil
}

// Commit produces a signed Header referencing the thread's current state
// hash, the last applied knot's id (zero if the thread has never applied
// a knot), and the hash of the previous header, then clears the
// uncommitted-knot buffer (spec.md §4.1 "Commit").
func (t *Thread) Commit(priv crypto.PrivateKey, timestamp uint64) *Header {
	h := &Header{
		ThreadId:       t.Id,
		Owner:          t.Owner,
		Version:        t.Version,
		StateHash:      t.State.Hash(),
		LastKnotHash:   t.LastKnotHash,
		PrevHeaderHash: t.PrevHeaderHash,
		KnotCount:      uint64(len(t.Uncommitted)),
		Timestamp:      timestamp,
	}
	h.Sign(priv)
	t.PrevHeaderHash = h.Hash()
	t.Uncommitted = t.Uncommitted[:0]
	return h
}
