package domain

import "time"

// Tier is a named quota class determining the default rate limit configuration.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// LimitType identifies which dimension produced a rate limit decision.
type LimitType string

const (
	UserLimit    LimitType = "user"
	AddressLimit LimitType = "ip"
)

// RateLimitConfig holds the quota parameters applied to one key.
type RateLimitConfig struct {
	RequestsPerMinute        int `json:"requestsPerMinute"`
	MaxConcurrentConnections int `json:"maxConcurrentConnections"`
	MaxQueueSize             int `json:"maxQueueSize"`
}

// RateLimitResult is the outcome of a single admission check.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int       `json:"retryAfter,omitempty"` // seconds, set only when denied
	LimitType  LimitType `json:"limitType"`
}

// Violation is an immutable record of one denied request, kept for
// monitoring and abuse review. It never feeds back into the admission
// decision itself.
type Violation struct {
	UserID       string    `json:"userId,omitempty"`
	Address      string    `json:"address"`
	Timestamp    time.Time `json:"timestamp"`
	RequestCount int       `json:"requestCount"`
	Limit        int       `json:"limit"`
}

// AddressStatus is a read-only snapshot of the enforcement state of one
// client address.
type AddressStatus struct {
	Address        string    `json:"address"`
	RequestCount   int64     `json:"requestCount"`
	ViolationCount int       `json:"violationCount"`
	FirstSeen      time.Time `json:"firstSeen"`
	LastSeen       time.Time `json:"lastSeen"`
	Suspicious     bool      `json:"suspicious"`
	Blocked        bool      `json:"blocked"`
}

// DDoSVerdict is the current output of the periodic traffic analysis.
type DDoSVerdict struct {
	Active            bool      `json:"active"`
	ActiveAddresses   int       `json:"activeAddresses"`
	WindowRequests    int64     `json:"windowRequests"`
	SuspiciousCount   int       `json:"suspiciousCount"`
	MeanRequestsPerIP float64   `json:"meanRequestsPerIp"`
	Since             time.Time `json:"since,omitempty"`
}

// Stats aggregates limiter state for the admin surface.
type Stats struct {
	TrackedUsers     int          `json:"trackedUsers"`
	TrackedAddresses int          `json:"trackedAddresses"`
	TierDistribution map[Tier]int `json:"tierDistribution"`
	BlockedAddresses int          `json:"blockedAddresses"`
	RecentViolations int          `json:"recentViolations"`
	DDoS             DDoSVerdict  `json:"ddos"`
}

// Identity is the black-box verdict of bearer token validation: who the
// caller is and which quota class applies. Issuance is out of scope.
type Identity struct {
	UserID string
	Tier   Tier
}

// TierConfig returns the preset configuration for a tier. Unknown tiers
// fall back to the free preset.
func TierConfig(tier Tier) RateLimitConfig {
	switch tier {
	case TierPremium:
		return RateLimitConfig{RequestsPerMinute: 300, MaxConcurrentConnections: 3, MaxQueueSize: 200}
	case TierEnterprise:
		return RateLimitConfig{RequestsPerMinute: 1000, MaxConcurrentConnections: 10, MaxQueueSize: 500}
	default:
		return RateLimitConfig{RequestsPerMinute: 60, MaxConcurrentConnections: 1, MaxQueueSize: 50}
	}
}
