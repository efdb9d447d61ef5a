package ratelimit

import (
	"context"
	"sync"
	"time"

	"llm-tunnel/internal/config"
	"llm-tunnel/internal/domain"
)

// blockedRetryAfter is the denial horizon reported for blocked addresses.
// Blocks only end with an explicit unblock, so callers get a long wait
// rather than a misleading short one.
const blockedRetryAfter = time.Hour

// addressState tracks one client address: its bucket, enforcement state
// and the recent request timestamps the DDoS detector samples.
type addressState struct {
	address        string
	bucket         *Bucket
	config         domain.RateLimitConfig
	requestCount   int64
	violationCount int
	firstSeen      time.Time
	lastSeen       time.Time
	suspicious     bool
	blocked        bool
	samples        []time.Time
}

// AddressLimiter implements domain.AddressLimiter: per-address quotas with
// suspicion and blocking escalation, plus the periodic DDoS detector that
// watches traffic breadth across all tracked addresses.
type AddressLimiter struct {
	mu        sync.RWMutex
	addresses map[string]*addressState

	baseConfig       domain.RateLimitConfig
	suspiciousConfig domain.RateLimitConfig
	lockdownConfig   domain.RateLimitConfig
	defaultConfig    domain.RateLimitConfig // base normally, lockdown while protection is active

	suspiciousAfter int
	blockAfter      int

	store      domain.StateStore
	violations *ViolationRing
	detector   *Detector
	logger     domain.Logger

	idleTTL time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewAddressLimiter builds the per-address limiter, restores the persisted
// blocklist and starts the cleanup and DDoS detection loops.
func NewAddressLimiter(cfg *config.Config, store domain.StateStore, violations *ViolationRing, logger domain.Logger) *AddressLimiter {
	l := &AddressLimiter{
		addresses:        make(map[string]*addressState),
		baseConfig:       cfg.AddressConfig(),
		suspiciousConfig: cfg.SuspiciousConfig(),
		lockdownConfig:   cfg.LockdownConfig(),
		defaultConfig:    cfg.AddressConfig(),
		suspiciousAfter:  cfg.SuspiciousAfter,
		blockAfter:       cfg.BlockAfter,
		store:            store,
		violations:       violations,
		logger:           logger,
		idleTTL:          cfg.IdleTTL,
		now:              time.Now,
		stop:             make(chan struct{}),
	}

	l.detector = NewDetector(l, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if blocked, err := store.BlockedAddresses(ctx); err != nil {
		logger.Error("Failed to restore blocked addresses", err, nil)
	} else {
		now := l.now()
		for _, address := range blocked {
			state := l.stateLocked(address, now)
			state.blocked = true
		}
		if len(blocked) > 0 {
			logger.Info("Restored blocked addresses", map[string]interface{}{
				"count": len(blocked),
			})
		}
	}

	go l.cleanupLoop(cfg.CleanupInterval)
	go l.detector.run(l.stop)

	return l
}

// Check evaluates the address quota without consuming. Blocked addresses
// are denied immediately and never touch bucket accounting.
func (l *AddressLimiter) Check(address string) *domain.RateLimitResult {
	now := l.now()

	l.mu.Lock()
	state := l.stateLocked(address, now)
	state.requestCount++
	state.lastSeen = now
	state.samples = append(state.samples, now)
	blocked := state.blocked
	cfg := state.config
	bucket := state.bucket
	l.mu.Unlock()

	if blocked {
		return &domain.RateLimitResult{
			Allowed:    false,
			Limit:      cfg.RequestsPerMinute,
			Remaining:  0,
			ResetAt:    now.Add(blockedRetryAfter),
			RetryAfter: int(blockedRetryAfter.Seconds()),
			LimitType:  domain.AddressLimit,
		}
	}

	decision := bucket.Check(now)
	return &domain.RateLimitResult{
		Allowed:    decision.Allowed,
		Limit:      cfg.RequestsPerMinute,
		Remaining:  decision.Remaining,
		ResetAt:    decision.ResetAt,
		RetryAfter: decision.RetryAfter,
		LimitType:  domain.AddressLimit,
	}
}

// Consume commits one request against the address bucket.
func (l *AddressLimiter) Consume(address string) {
	l.mu.RLock()
	state, exists := l.addresses[address]
	l.mu.RUnlock()

	if !exists || state.blocked {
		return
	}
	state.bucket.Consume(l.now())
}

// LogViolation records one denied request against the address and applies
// the escalation thresholds: repeated violations make the address
// suspicious (with a materially stricter quota), further ones block it.
// The admission layer calls this exactly once per denied request.
func (l *AddressLimiter) LogViolation(address, userID string) {
	now := l.now()

	l.mu.Lock()
	state := l.stateLocked(address, now)
	state.violationCount++

	violation := domain.Violation{
		UserID:       userID,
		Address:      address,
		Timestamp:    now,
		RequestCount: int(state.requestCount),
		Limit:        state.config.RequestsPerMinute,
	}

	var becameSuspicious, becameBlocked bool
	if !state.blocked && state.violationCount >= l.blockAfter {
		state.blocked = true
		becameBlocked = true
	} else if !state.suspicious && state.violationCount >= l.suspiciousAfter {
		state.suspicious = true
		state.config = l.suspiciousConfig
		state.bucket.SetCapacity(l.suspiciousConfig.RequestsPerMinute, now)
		becameSuspicious = true
	}
	violations := state.violationCount
	l.mu.Unlock()

	l.violations.Append(violation)

	if becameSuspicious {
		l.logger.Warn("Address marked suspicious", map[string]interface{}{
			"address":    address,
			"violations": violations,
			"rpm":        l.suspiciousConfig.RequestsPerMinute,
		})
	}
	if becameBlocked {
		l.logger.Warn("Address blocked after repeated violations", map[string]interface{}{
			"address":    address,
			"violations": violations,
		})
		l.persistBlocked(address, true)
	}
}

// Block blocks an address until an explicit unblock. Idempotent.
func (l *AddressLimiter) Block(address string) error {
	now := l.now()

	l.mu.Lock()
	state := l.stateLocked(address, now)
	already := state.blocked
	state.blocked = true
	l.mu.Unlock()

	if !already {
		l.logger.Info("Address blocked", map[string]interface{}{
			"address": address,
		})
	}
	return l.storeBlocked(address, true)
}

// Unblock lifts a block and resets the escalation state so the address
// starts over with the default quota. Idempotent.
func (l *AddressLimiter) Unblock(address string) error {
	now := l.now()

	l.mu.Lock()
	state, exists := l.addresses[address]
	if exists {
		state.blocked = false
		state.suspicious = false
		state.violationCount = 0
		state.config = l.defaultConfig
		state.bucket.SetCapacity(state.config.RequestsPerMinute, now)
	}
	l.mu.Unlock()

	l.logger.Info("Address unblocked", map[string]interface{}{
		"address": address,
	})
	return l.storeBlocked(address, false)
}

// Status returns a snapshot of one address, if tracked.
func (l *AddressLimiter) Status(address string) (*domain.AddressStatus, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	state, exists := l.addresses[address]
	if !exists {
		return nil, false
	}
	return &domain.AddressStatus{
		Address:        state.address,
		RequestCount:   state.requestCount,
		ViolationCount: state.violationCount,
		FirstSeen:      state.firstSeen,
		LastSeen:       state.lastSeen,
		Suspicious:     state.suspicious,
		Blocked:        state.blocked,
	}, true
}

// Verdict returns the current DDoS detection output.
func (l *AddressLimiter) Verdict() domain.DDoSVerdict {
	return l.detector.Verdict()
}

// Stats returns the aggregate view of tracked addresses.
func (l *AddressLimiter) Stats() domain.Stats {
	l.mu.RLock()
	blocked := 0
	for _, state := range l.addresses {
		if state.blocked {
			blocked++
		}
	}
	tracked := len(l.addresses)
	l.mu.RUnlock()

	return domain.Stats{
		TrackedAddresses: tracked,
		BlockedAddresses: blocked,
		RecentViolations: l.violations.CountSince(l.now().Add(-time.Hour)),
		DDoS:             l.detector.Verdict(),
	}
}

// Stop terminates the cleanup and detection loops.
func (l *AddressLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// stateLocked returns the state for an address, creating it with the
// current default configuration. Caller holds the write lock.
func (l *AddressLimiter) stateLocked(address string, now time.Time) *addressState {
	state, exists := l.addresses[address]
	if !exists {
		state = &addressState{
			address:   address,
			bucket:    NewBucket(l.defaultConfig.RequestsPerMinute, now),
			config:    l.defaultConfig,
			firstSeen: now,
			lastSeen:  now,
		}
		l.addresses[address] = state
	}
	return state
}

// setLockdown swaps the global default configuration. Applied to every
// tracked address that is not under the stricter suspicious config.
func (l *AddressLimiter) setLockdown(active bool) {
	now := l.now()

	l.mu.Lock()
	if active {
		l.defaultConfig = l.lockdownConfig
	} else {
		l.defaultConfig = l.baseConfig
	}
	for _, state := range l.addresses {
		if state.suspicious || state.blocked {
			continue
		}
		state.config = l.defaultConfig
		state.bucket.SetCapacity(state.config.RequestsPerMinute, now)
	}
	l.mu.Unlock()
}

// blockSuspicious blocks every currently-suspicious address and returns
// how many were affected.
func (l *AddressLimiter) blockSuspicious() int {
	var toPersist []string

	l.mu.Lock()
	for _, state := range l.addresses {
		if state.suspicious && !state.blocked {
			state.blocked = true
			toPersist = append(toPersist, state.address)
		}
	}
	l.mu.Unlock()

	for _, address := range toPersist {
		l.persistBlocked(address, true)
	}
	return len(toPersist)
}

// trafficSnapshot aggregates the sliding-window view the detector needs:
// requests per active address and the suspicious count. Old samples are
// trimmed as a side effect.
func (l *AddressLimiter) trafficSnapshot(window time.Duration) (active int, total int64, suspicious int) {
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, state := range l.addresses {
		trimmed := state.samples[:0]
		for _, ts := range state.samples {
			if ts.After(cutoff) {
				trimmed = append(trimmed, ts)
			}
		}
		state.samples = trimmed

		if len(state.samples) > 0 {
			active++
			total += int64(len(state.samples))
		}
		if state.suspicious {
			suspicious++
		}
	}
	return active, total, suspicious
}

func (l *AddressLimiter) persistBlocked(address string, blocked bool) {
	if err := l.storeBlocked(address, blocked); err != nil {
		l.logger.Error("Failed to persist blocked state", err, map[string]interface{}{
			"address": address,
			"blocked": blocked,
		})
	}
}

func (l *AddressLimiter) storeBlocked(address string, blocked bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.store.SetBlocked(ctx, address, blocked)
}

func (l *AddressLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops idle addresses. Blocked addresses are kept so a block
// never silently expires through cleanup.
func (l *AddressLimiter) evictIdle() {
	cutoff := l.now().Add(-l.idleTTL)
	removed := 0

	l.mu.Lock()
	for address, state := range l.addresses {
		if state.blocked {
			continue
		}
		if state.bucket.LastUsed().Before(cutoff) && state.lastSeen.Before(cutoff) {
			delete(l.addresses, address)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("Idle address cleanup completed", map[string]interface{}{
			"removed": removed,
		})
	}
}
