package llm

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 3
	breakerCooldown  = 60 * time.Second
)

// breaker is a per-provider circuit breaker. Three consecutive failures
// open it; while open the provider is skipped without a call; after the
// cooldown one half-open probe is allowed and any success closes it.
// State is shared across requests, so all methods take the lock.
type breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	probing     bool
	now         func() time.Time // injectable for tests
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

// Allow reports whether a call may proceed. In the half-open state only
// one probe is admitted until it resolves.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < breakerThreshold {
		return true
	}
	if b.now().Sub(b.lastFailure) < breakerCooldown {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// Success closes the breaker.
func (b *breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

// Failure records a consecutive failure; a failed half-open probe restarts
// the cooldown.
func (b *breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	b.probing = false
}

// Open reports whether the breaker is currently rejecting calls.
func (b *breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= breakerThreshold && b.now().Sub(b.lastFailure) < breakerCooldown
}
