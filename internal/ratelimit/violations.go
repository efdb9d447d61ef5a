package ratelimit

import (
	"sync"
	"time"

	"llm-tunnel/internal/domain"
)

// defaultViolationCapacity bounds the process-wide violation history.
const defaultViolationCapacity = 1000

// ViolationRing is a bounded ring of violation records shared by the user
// and address limiters. It feeds monitoring and abuse review, never the
// admission decision itself.
type ViolationRing struct {
	mu      sync.RWMutex
	entries []domain.Violation
	next    int
	size    int
}

// NewViolationRing creates a ring with the given capacity (or the default
// when capacity is not positive).
func NewViolationRing(capacity int) *ViolationRing {
	if capacity <= 0 {
		capacity = defaultViolationCapacity
	}
	return &ViolationRing{
		entries: make([]domain.Violation, capacity),
	}
}

// Append records one violation, overwriting the oldest entry when full.
func (r *ViolationRing) Append(v domain.Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = v
	r.next = (r.next + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// CountSince returns how many recorded violations are newer than cutoff.
func (r *ViolationRing) CountSince(cutoff time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for i := 0; i < r.size; i++ {
		if r.entries[i].Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// CountByUserSince returns how many violations for userID are newer than
// cutoff.
func (r *ViolationRing) CountByUserSince(userID string, cutoff time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for i := 0; i < r.size; i++ {
		if r.entries[i].UserID == userID && r.entries[i].Timestamp.After(cutoff) {
			count++
		}
	}
	return count
}

// Len returns the number of stored violations.
func (r *ViolationRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
