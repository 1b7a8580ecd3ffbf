package cache

import (
	"sync"
	"time"
)

// Breaker is the cache circuit breaker. After threshold consecutive
// failures it opens for the cooldown period; while open every cache read
// is a miss and writes are skipped. The first call after the cooldown is
// the half-open trial.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

// NewBreaker creates a breaker; threshold <= 0 disables it
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether an operation may be attempted
func (b *Breaker) Allow() bool {
	if b == nil || b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	return !b.now().Before(b.openUntil)
}

// Success resets the failure streak
func (b *Breaker) Success() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failure records a failure and opens the breaker at the threshold
func (b *Breaker) Failure() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
	b.mu.Unlock()
}

// State describes the breaker for the status endpoint
func (b *Breaker) State() string {
	if b == nil || b.threshold <= 0 {
		return "disabled"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return "closed"
	}
	if b.now().Before(b.openUntil) {
		return "open"
	}
	return "half-open"
}
