package spindle

import (
	"sync"
	"time"
)

// tokenBucket is a classic token-bucket rate limiter: tokens refill at a
// constant rate up to capacity, and a request is admitted only if enough
// tokens are available. Grounded on original_source's norn-spindle
// rate_limit.rs, re-expressed with time.Time rather than a monotonic
// Instant since that is what the teacher's codebase reaches for whenever
// it measures elapsed wall time (config/tls.go cert expiry, network
// peer timeouts).
type tokenBucket struct {
	capacity   uint64
	tokens     uint64
	refillRate uint64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity, refillRate uint64) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, refillRate: refillRate, lastRefill: time.Now()}
}

func (b *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	gained := uint64(elapsed.Seconds()) * b.refillRate
	if gained == 0 {
		return
	}
	b.tokens += gained
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *tokenBucket) tryConsume(n uint64) bool {
	b.refill()
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// rateLimiter enforces both a per-peer and a shared global budget on
// incoming relay traffic, so a single misbehaving or chatty peer cannot
// starve the spindle's ability to process everyone else's knots
// (original_source norn-spindle rate_limit.rs RateLimiter).
type rateLimiter struct {
	mu             sync.Mutex
	perPeer        map[string]*tokenBucket
	global         *tokenBucket
	peerCapacity   uint64
	peerRefillRate uint64
}

func newRateLimiter(peerCapacity, peerRefillRate, globalCapacity, globalRefillRate uint64) *rateLimiter {
	return &rateLimiter{
		perPeer:        make(map[string]*tokenBucket),
		global:         newTokenBucket(globalCapacity, globalRefillRate),
		peerCapacity:   peerCapacity,
		peerRefillRate: peerRefillRate,
	}
}

// allow admits one unit of traffic from peerID if both that peer's
// budget and the global budget have room.
func (r *rateLimiter) allow(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peerBucket, ok := r.perPeer[peerID]
	if !ok {
		peerBucket = newTokenBucket(r.peerCapacity, r.peerRefillRate)
		r.perPeer[peerID] = peerBucket
	}
	peerBucket.refill()
	r.global.refill()
	if peerBucket.tokens < 1 || r.global.tokens < 1 {
		return false
	}
	peerBucket.tokens--
	r.global.tokens--
	return true
}

// removePeer drops a disconnected peer's bucket so a churning peer set
// cannot grow this map without bound.
func (r *rateLimiter) removePeer(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perPeer, peerID)
}
