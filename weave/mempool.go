package weave

import (
	"errors"
	"sync"

	"github.com/tolelom/norn/crypto"
)

const (
	maxCommitmentsPerBucket = 10_000
	maxRegistrationsPending = 10_000
	maxAnchorsPending       = 10_000
	maxFraudProofsPending   = 1_000
)

var (
	errMempoolFull = errors.New("weave: mempool bucket full")
	errDuplicate   = errors.New("weave: entry already pending")
)

// Mempool holds the four independently-bounded categories of pending
// entries a block draws from (spec.md §4.2 "Mempool"). Grounded on the
// teacher's core/mempool.go (thread-safe map + insertion-order slice per
// bucket), generalized from one bucket to four.
type Mempool struct {
	mu sync.RWMutex

	commitments    map[crypto.Address]*Commitment // one pending commitment per thread, dedup on replace
	commitmentsOrd []crypto.Address

	registrations    map[crypto.Address]*Registration
	registrationsOrd []crypto.Address

	anchors    map[crypto.Hash]*Anchor // keyed by loom id, one pending anchor per loom
	anchorsOrd []crypto.Hash

	fraudProofs    map[crypto.Signature]*FraudProofEntry // keyed by submission signature
	fraudProofsOrd []crypto.Signature
}

// NewMempool returns an empty four-bucket mempool.
func NewMempool() *Mempool {
	return &Mempool{
		commitments:   make(map[crypto.Address]*Commitment),
		registrations: make(map[crypto.Address]*Registration),
		anchors:       make(map[crypto.Hash]*Anchor),
		fraudProofs:   make(map[crypto.Signature]*FraudProofEntry),
	}
}

// AddCommitment inserts or replaces the pending commitment for a thread. A
// later commitment for the same thread supersedes an earlier unconfirmed
// one rather than queuing both, since only the highest version can ever be
// included.
func (m *Mempool) AddCommitment(c *Commitment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.commitments[c.ThreadId]; ok && existing.Version >= c.Version {
		return errDuplicate
	}
	if _, ok := m.commitments[c.ThreadId]; !ok {
		if len(m.commitments) >= maxCommitmentsPerBucket {
			return errMempoolFull
		}
		m.commitmentsOrd = append(m.commitmentsOrd, c.ThreadId)
	}
	m.commitments[c.ThreadId] = c
	return nil
}

// AddRegistration inserts a pending registration, rejecting a second
// registration for a thread id already pending.
func (m *Mempool) AddRegistration(r *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registrations[r.ThreadId]; ok {
		return errDuplicate
	}
	if len(m.registrations) >= maxRegistrationsPending {
		return errMempoolFull
	}
	m.registrations[r.ThreadId] = r
	m.registrationsOrd = append(m.registrationsOrd, r.ThreadId)
	return nil
}

// AddAnchor inserts or replaces the pending anchor for a loom.
func (m *Mempool) AddAnchor(a *Anchor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.anchors[a.LoomId]; ok && existing.BlockHeight >= a.BlockHeight {
		return errDuplicate
	}
	if _, ok := m.anchors[a.LoomId]; !ok {
		if len(m.anchors) >= maxAnchorsPending {
			return errMempoolFull
		}
		m.anchorsOrd = append(m.anchorsOrd, a.LoomId)
	}
	m.anchors[a.LoomId] = a
	return nil
}

// AddFraudProof inserts a pending fraud-proof submission, deduplicated by
// signature.
func (m *Mempool) AddFraudProof(s *FraudProofEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fraudProofs[s.Signature]; ok {
		return errDuplicate
	}
	if len(m.fraudProofs) >= maxFraudProofsPending {
		return errMempoolFull
	}
	m.fraudProofs[s.Signature] = s
	m.fraudProofsOrd = append(m.fraudProofsOrd, s.Signature)
	return nil
}

// drained collects the contents of a block: everything currently pending,
// up to per-category caps, in insertion order.
type drained struct {
	commitments   []*Commitment
	registrations []*Registration
	anchors       []*Anchor
	fraudProofs   []*FraudProofEntry
}

// DrainForBlock removes and returns up to maxCommitments pending
// commitments (registrations, anchors, and fraud proofs are included
// in full, since they are comparatively rare) for inclusion in the next
// block (spec.md §4.2 "drain_for_block").
func (m *Mempool) DrainForBlock(maxCommitments int) drained {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.commitmentsOrd)
	if maxCommitments > 0 && n > maxCommitments {
		n = maxCommitments
	}
	out := drained{
		commitments:   make([]*Commitment, 0, n),
		registrations: make([]*Registration, 0, len(m.registrationsOrd)),
		anchors:       make([]*Anchor, 0, len(m.anchorsOrd)),
		fraudProofs:   make([]*FraudProofEntry, 0, len(m.fraudProofsOrd)),
	}

	taken := m.commitmentsOrd[:n]
	for _, id := range taken {
		out.commitments = append(out.commitments, m.commitments[id])
		delete(m.commitments, id)
	}
	m.commitmentsOrd = append([]crypto.Address{}, m.commitmentsOrd[n:]...)

	for _, id := range m.registrationsOrd {
		out.registrations = append(out.registrations, m.registrations[id])
		delete(m.registrations, id)
	}
	m.registrationsOrd = nil

	for _, id := range m.anchorsOrd {
		out.anchors = append(out.anchors, m.anchors[id])
		delete(m.anchors, id)
	}
	m.anchorsOrd = nil

	for _, sig := range m.fraudProofsOrd {
		out.fraudProofs = append(out.fraudProofs, m.fraudProofs[sig])
		delete(m.fraudProofs, sig)
	}
	m.fraudProofsOrd = nil

	return out
}

// Sizes reports the current pending count in each bucket, for metrics and
// RPC status.
func (m *Mempool) Sizes() (commitments, registrations, anchors, fraudProofs int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.commitments), len(m.registrations), len(m.anchors), len(m.fraudProofs)
}
