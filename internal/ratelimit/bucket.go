package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Bucket is the token bucket accounting structure for one key. Tokens are
// fractional and refill lazily on read: elapsed time since the last refill
// is converted to tokens and clamped to capacity before any evaluation, so
// an idle bucket is always correct no matter how long it sat untouched.
//
// Check and Consume are deliberately separate operations: the admission
// layer evaluates several gates read-only before committing consumption on
// any of them.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// Decision is the outcome of a bucket check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter int // seconds, set only when denied
}

// NewBucket creates a full bucket sized for requestsPerMinute.
func NewBucket(requestsPerMinute int, now time.Time) *Bucket {
	capacity := float64(requestsPerMinute)
	return &Bucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: capacity / 60.0,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Check refills the bucket and evaluates availability without consuming.
// Calling it twice in a row yields the same answer.
func (b *Bucket) Check(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.lastUsed = now

	resetAt := now.Add(b.timeToFull())

	if b.tokens >= 1 {
		remaining := int(math.Floor(b.tokens)) - 1
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			Allowed:   true,
			Remaining: remaining,
			ResetAt:   resetAt,
		}
	}

	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: int(math.Ceil((1 - b.tokens) / b.refillRate)),
	}
}

// Consume commits exactly one token. Callers invoke it only after a Check
// that returned Allowed for the same key.
func (b *Bucket) Consume(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.lastUsed = now

	b.tokens -= 1
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// SetCapacity rebinds the bucket to a new quota. Tokens carry over but are
// clamped into [0, capacity] so a tier swap never yields a burst beyond
// the new limit.
func (b *Bucket) SetCapacity(requestsPerMinute int, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)

	b.capacity = float64(requestsPerMinute)
	b.refillRate = b.capacity / 60.0
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// Tokens returns the current token count after a refill.
func (b *Bucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.tokens
}

// LastUsed reports the last time the bucket was touched by traffic.
func (b *Bucket) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}

// refill adds tokens for the time elapsed since lastRefill and advances
// the mark, so elapsed time is never counted twice. Caller holds the lock.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// timeToFull returns how long until the bucket reaches capacity if left
// untouched. Caller holds the lock.
func (b *Bucket) timeToFull() time.Duration {
	missing := b.capacity - b.tokens
	if missing <= 0 || b.refillRate <= 0 {
		return 0
	}
	return time.Duration(missing / b.refillRate * float64(time.Second))
}
