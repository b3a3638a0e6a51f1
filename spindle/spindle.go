// Package spindle implements a standalone fraud-observer service
// (spec.md §2 "C8 Spindle service", §4.5 "Fraud monitor and spindle").
// A spindle holds no stake and proposes no blocks: it watches a set of
// threads' gossiped knots, feeds them to a fraud.Monitor, and signs and
// emits a fraud.Submission the moment a double-knot is detected. Grounded
// on original_source's norn-spindle/src/service.rs (SpindleService:
// watch/unwatch a thread id, on_message dispatches KnotProposal/
// KnotResponse into the monitor, drain_fraud_proofs collects what fired)
// and rate_limit.rs (per-peer + global token bucket), re-expressed in the
// teacher's explicit-error, no-panic idiom.
package spindle

import (
	"fmt"
	"sync"

	"github.com/tolelom/norn/crypto"
	"github.com/tolelom/norn/fraud"
	"github.com/tolelom/norn/thread"
)

const (
	defaultPeerCapacity     = 64
	defaultPeerRefillRate   = 8
	defaultGlobalCapacity   = 4096
	defaultGlobalRefillRate = 512

	// maxKnotCache bounds the number of knots a spindle remembers in
	// order to attach a prior knot's full body to a DoubleKnot proof; a
	// conflict with a knot evicted before the conflict surfaces is not
	// reported (Observe returns nil in that case).
	maxKnotCache = 50_000
)

// Service watches a configurable set of threads and turns conflicting
// knots observed for them into signed fraud.Submission reports.
type Service struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey

	mu       sync.Mutex
	monitor  *fraud.Monitor
	watching map[crypto.Address]bool
	knots    map[crypto.Hash]*thread.Knot
	knotOrd  []crypto.Hash // insertion order, for maxKnotCache eviction

	limiter *rateLimiter
}

// NewService creates a spindle that signs the fraud proofs it produces
// with priv, rate-limited against relay spam with sane per-peer and
// global defaults.
func NewService(priv crypto.PrivateKey) *Service {
	return &Service{
		priv:     priv,
		pub:      priv.Public(),
		monitor:  fraud.NewMonitor(),
		watching: make(map[crypto.Address]bool),
		knots:    make(map[crypto.Hash]*thread.Knot),
		limiter:  newRateLimiter(defaultPeerCapacity, defaultPeerRefillRate, defaultGlobalCapacity, defaultGlobalRefillRate),
	}
}

// Watch adds threadId to the set this spindle monitors.
func (s *Service) Watch(threadId crypto.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watching[threadId] = true
}

// Unwatch removes threadId from the watched set.
func (s *Service) Unwatch(threadId crypto.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watching, threadId)
}

// Watching reports whether threadId is currently being monitored.
func (s *Service) Watching(threadId crypto.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watching[threadId]
}

// participantVersion finds the after-version a knot claims for threadId.
func participantVersion(k *thread.Knot, threadId crypto.Address) (uint64, bool) {
	for _, p := range k.After {
		if p.ThreadId == threadId {
			return p.Version, true
		}
	}
	return 0, false
}

// OnKnot feeds a knot relayed by peerID into the monitor. threadId names
// which of the knot's participants this call concerns (a multi-party
// knot is fed once per watched participant). If threadId is not watched
// or peerID has exceeded its relay budget, OnKnot does nothing and
// returns (nil, false). Otherwise it returns a signed fraud.Submission
// the moment a conflicting prior knot for the same version surfaces.
func (s *Service) OnKnot(peerID string, threadId crypto.Address, k *thread.Knot, now uint64) (*fraud.Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.watching[threadId] {
		return nil, false
	}
	if !s.limiter.allow(peerID) {
		return nil, false
	}

	version, ok := participantVersion(k, threadId)
	if !ok {
		return nil, false
	}

	s.cacheKnot(k)
	alert := s.monitor.Observe(threadId, version, k.Id, k, func(id crypto.Hash) (*thread.Knot, bool) {
		prior, found := s.knots[id]
		return prior, found
	})
	if alert == nil {
		return nil, false
	}

	submission := &fraud.Submission{
		ReporterPubKey: s.pub,
		Kind:           fraud.ProofDoubleKnot,
		DoubleKnot:     alert,
		Timestamp:      now,
	}
	submission.Sign(s.priv)
	return submission, true
}

func (s *Service) cacheKnot(k *thread.Knot) {
	if _, exists := s.knots[k.Id]; exists {
		return
	}
	if len(s.knotOrd) >= maxKnotCache {
		oldest := s.knotOrd[0]
		s.knotOrd = s.knotOrd[1:]
		delete(s.knots, oldest)
	}
	s.knots[k.Id] = k
	s.knotOrd = append(s.knotOrd, k.Id)
}

// RemovePeer drops peerID's rate-limit bucket, called when a peer
// disconnects so a churning peer set does not grow the limiter unbounded.
func (s *Service) RemovePeer(peerID string) {
	s.limiter.removePeer(peerID)
}

// Address returns the address a watched thread's fraud proofs will be
// attributed to (the spindle's own reporting identity, distinct from any
// thread it watches).
func (s *Service) Address() crypto.Address { return s.pub.Address() }

// VerifySubmission re-checks a submission's own signature, useful before
// broadcasting one this spindle produced or relaying one received from a
// peer spindle (spec.md §4.5 "Signature covers a canonical encoding").
func VerifySubmission(s *fraud.Submission) error {
	if err := s.VerifySignature(); err != nil {
		return fmt.Errorf("spindle: submission signature: %w", err)
	}
	return nil
}
