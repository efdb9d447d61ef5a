package domain

import (
	"context"
	"time"
)

// UserLimiter enforces per-user quotas derived from tiers and custom
// overrides. Check is read-only; Consume commits one request against the
// user's bucket and must only follow a Check that returned Allowed.
type UserLimiter interface {
	// Check evaluates the user's quota. A non-empty tier rebinds the
	// user's configuration unless a custom override is pinned.
	Check(userID, address string, tier Tier) *RateLimitResult

	// Consume records one admitted request against the user's bucket.
	Consume(userID string)

	// RecordViolation appends a violation for a denied request.
	RecordViolation(userID, address string, requestCount, limit int)

	// SetCustomLimit pins a configuration that supersedes tier defaults
	// until explicitly cleared.
	SetCustomLimit(userID string, cfg RateLimitConfig) error
	ClearCustomLimit(userID string) error

	// IsAbusive reports whether the user accumulated at least threshold
	// violations within the window. Informational only.
	IsAbusive(userID string, threshold int, window time.Duration) bool

	Stats() Stats
	Stop()
}

// AddressLimiter enforces per-address quotas with suspicion and blocking
// escalation. Blocked addresses are denied without touching the bucket.
type AddressLimiter interface {
	Check(address string) *RateLimitResult
	Consume(address string)

	// LogViolation escalates enforcement state. The admission layer calls
	// it exactly once per denied request.
	LogViolation(address, userID string)

	Block(address string) error
	Unblock(address string) error

	Status(address string) (*AddressStatus, bool)
	Verdict() DDoSVerdict
	Stats() Stats
	Stop()
}

// IdentityVerifier validates a bearer token and returns the caller's
// identity. Validation is consumed as a verdict; token issuance lives
// elsewhere.
type IdentityVerifier interface {
	Verify(token string) (*Identity, error)
}

// StateStore persists slow-moving enforcement state (blocked addresses,
// custom per-user limits) so it survives restarts. Buckets themselves are
// never stored here.
type StateStore interface {
	BlockedAddresses(ctx context.Context) ([]string, error)
	SetBlocked(ctx context.Context, address string, blocked bool) error

	CustomLimits(ctx context.Context) (map[string]RateLimitConfig, error)
	SetCustomLimit(ctx context.Context, userID string, cfg *RateLimitConfig) error

	Health(ctx context.Context) error
	Close() error
}

// Logger is the structured logging contract used across the gateway.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, err error, fields map[string]interface{})
	WithContext(ctx context.Context) Logger
}
