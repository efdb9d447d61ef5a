package ratelimit

import (
	"context"
	"time"

	"llm-tunnel/internal/config"
	"llm-tunnel/internal/domain"

	"sync"
)

// userState is the limiter's view of one user: resolved configuration and
// the bucket it owns. Created lazily on first observed request, removed by
// idle cleanup.
type userState struct {
	userID   string
	tier     domain.Tier
	config   domain.RateLimitConfig
	bucket   *Bucket
	lastSeen time.Time
}

// UserLimiter implements domain.UserLimiter: tier-derived quotas, custom
// overrides and violation history on top of the bucket engine.
type UserLimiter struct {
	mu     sync.RWMutex
	users  map[string]*userState
	custom map[string]domain.RateLimitConfig

	store      domain.StateStore
	violations *ViolationRing
	logger     domain.Logger

	idleTTL time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewUserLimiter builds the per-user limiter, restoring custom overrides
// from the state store, and starts the idle cleanup loop.
func NewUserLimiter(cfg *config.Config, store domain.StateStore, violations *ViolationRing, logger domain.Logger) *UserLimiter {
	l := &UserLimiter{
		users:      make(map[string]*userState),
		custom:     make(map[string]domain.RateLimitConfig),
		store:      store,
		violations: violations,
		logger:     logger,
		idleTTL:    cfg.IdleTTL,
		now:        time.Now,
		stop:       make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if custom, err := store.CustomLimits(ctx); err != nil {
		logger.Error("Failed to restore custom user limits", err, nil)
	} else {
		l.custom = custom
		if len(custom) > 0 {
			logger.Info("Restored custom user limits", map[string]interface{}{
				"count": len(custom),
			})
		}
	}

	go l.cleanupLoop(cfg.CleanupInterval)

	return l
}

// Check evaluates the user's quota without consuming. A non-empty tier
// rebinds the tier-derived configuration; a pinned custom override always
// wins.
func (l *UserLimiter) Check(userID, address string, tier domain.Tier) *domain.RateLimitResult {
	now := l.now()
	state := l.resolveState(userID, tier, now)

	decision := state.bucket.Check(now)

	result := &domain.RateLimitResult{
		Allowed:    decision.Allowed,
		Limit:      state.config.RequestsPerMinute,
		Remaining:  decision.Remaining,
		ResetAt:    decision.ResetAt,
		RetryAfter: decision.RetryAfter,
		LimitType:  domain.UserLimit,
	}

	if !decision.Allowed {
		l.logger.Debug("User over quota", map[string]interface{}{
			"user_id":     userID,
			"address":     address,
			"tier":        state.tier,
			"limit":       result.Limit,
			"retry_after": result.RetryAfter,
		})
	}

	return result
}

// Consume commits one request against the user's bucket.
func (l *UserLimiter) Consume(userID string) {
	l.mu.RLock()
	state, exists := l.users[userID]
	l.mu.RUnlock()

	if !exists {
		return
	}
	state.bucket.Consume(l.now())
}

// RecordViolation appends one denied request to the shared history.
func (l *UserLimiter) RecordViolation(userID, address string, requestCount, limit int) {
	l.violations.Append(domain.Violation{
		UserID:       userID,
		Address:      address,
		Timestamp:    l.now(),
		RequestCount: requestCount,
		Limit:        limit,
	})
}

// SetCustomLimit pins a configuration that supersedes tier defaults until
// explicitly cleared. The override is persisted.
func (l *UserLimiter) SetCustomLimit(userID string, cfg domain.RateLimitConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.SetCustomLimit(ctx, userID, &cfg); err != nil {
		return err
	}

	now := l.now()

	l.mu.Lock()
	l.custom[userID] = cfg
	if state, exists := l.users[userID]; exists {
		state.config = cfg
		state.bucket.SetCapacity(cfg.RequestsPerMinute, now)
	}
	l.mu.Unlock()

	l.logger.Info("Custom user limit set", map[string]interface{}{
		"user_id": userID,
		"rpm":     cfg.RequestsPerMinute,
	})
	return nil
}

// ClearCustomLimit removes a pinned configuration; the user falls back to
// the tier-derived default on the next check.
func (l *UserLimiter) ClearCustomLimit(userID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.SetCustomLimit(ctx, userID, nil); err != nil {
		return err
	}

	now := l.now()

	l.mu.Lock()
	delete(l.custom, userID)
	if state, exists := l.users[userID]; exists {
		state.config = domain.TierConfig(state.tier)
		state.bucket.SetCapacity(state.config.RequestsPerMinute, now)
	}
	l.mu.Unlock()

	l.logger.Info("Custom user limit cleared", map[string]interface{}{
		"user_id": userID,
	})
	return nil
}

// IsAbusive reports whether the user accumulated at least threshold
// violations within the window. It is informational, never an enforcement
// action.
func (l *UserLimiter) IsAbusive(userID string, threshold int, window time.Duration) bool {
	cutoff := l.now().Add(-window)
	return l.violations.CountByUserSince(userID, cutoff) >= threshold
}

// Stats returns the aggregate view of tracked users.
func (l *UserLimiter) Stats() domain.Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	distribution := make(map[domain.Tier]int)
	for _, state := range l.users {
		distribution[state.tier]++
	}

	return domain.Stats{
		TrackedUsers:     len(l.users),
		TierDistribution: distribution,
		RecentViolations: l.violations.CountSince(l.now().Add(-time.Hour)),
	}
}

// Stop terminates the cleanup loop.
func (l *UserLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// resolveState returns the user's state, lazily creating it and applying
// tier rebinds and custom overrides.
func (l *UserLimiter) resolveState(userID string, tier domain.Tier, now time.Time) *userState {
	l.mu.Lock()
	defer l.mu.Unlock()

	custom, hasCustom := l.custom[userID]

	state, exists := l.users[userID]
	if !exists {
		cfg := domain.TierConfig(tier)
		if hasCustom {
			cfg = custom
		}
		resolvedTier := tier
		if resolvedTier == "" {
			resolvedTier = domain.TierFree
		}
		state = &userState{
			userID: userID,
			tier:   resolvedTier,
			config: cfg,
			bucket: NewBucket(cfg.RequestsPerMinute, now),
		}
		l.users[userID] = state

		l.logger.Debug("Tracking new user", map[string]interface{}{
			"user_id": userID,
			"tier":    resolvedTier,
			"rpm":     cfg.RequestsPerMinute,
		})
	} else if tier != "" && tier != state.tier {
		// Tier changed upstream: rebind unless a custom override is
		// pinned. Tokens carry over, clamped to the new capacity.
		state.tier = tier
		if !hasCustom {
			state.config = domain.TierConfig(tier)
			state.bucket.SetCapacity(state.config.RequestsPerMinute, now)
		}
	}

	state.lastSeen = now
	return state
}

func (l *UserLimiter) cleanupLoop(interval time.Duration) {
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

// evictIdle drops users whose bucket saw no traffic for idleTTL. The
// bucket's own notion of last use decides, so a bucket touched mid-sweep
// survives.
func (l *UserLimiter) evictIdle() {
	cutoff := l.now().Add(-l.idleTTL)
	removed := 0

	l.mu.Lock()
	for userID, state := range l.users {
		if state.bucket.LastUsed().Before(cutoff) {
			delete(l.users, userID)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("Idle user cleanup completed", map[string]interface{}{
			"removed": removed,
		})
	}
}
