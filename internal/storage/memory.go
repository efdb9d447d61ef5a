package storage

import (
	"context"
	"sync"

	"llm-tunnel/internal/domain"
)

// MemoryStore implements domain.StateStore in process memory. State does
// not survive restarts; it exists so the limiters always talk to the same
// interface regardless of driver.
type MemoryStore struct {
	blocked map[string]struct{}
	custom  map[string]domain.RateLimitConfig
	mutex   sync.RWMutex
	logger  domain.Logger
}

// NewMemoryStore creates an empty in-memory state store.
func NewMemoryStore(logger domain.Logger) *MemoryStore {
	store := &MemoryStore{
		blocked: make(map[string]struct{}),
		custom:  make(map[string]domain.RateLimitConfig),
		logger:  logger,
	}

	if logger != nil {
		logger.Info("Memory state store initialized", nil)
	}

	return store
}

// BlockedAddresses returns every persistently blocked address.
func (m *MemoryStore) BlockedAddresses(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	addresses := make([]string, 0, len(m.blocked))
	for address := range m.blocked {
		addresses = append(addresses, address)
	}
	return addresses, nil
}

// SetBlocked records or clears the blocked flag for an address.
func (m *MemoryStore) SetBlocked(ctx context.Context, address string, blocked bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if blocked {
		m.blocked[address] = struct{}{}
	} else {
		delete(m.blocked, address)
	}
	return nil
}

// CustomLimits returns every pinned per-user configuration.
func (m *MemoryStore) CustomLimits(ctx context.Context) (map[string]domain.RateLimitConfig, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	limits := make(map[string]domain.RateLimitConfig, len(m.custom))
	for userID, cfg := range m.custom {
		limits[userID] = cfg
	}
	return limits, nil
}

// SetCustomLimit pins (or, with nil, clears) a per-user configuration.
func (m *MemoryStore) SetCustomLimit(ctx context.Context, userID string, cfg *domain.RateLimitConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if cfg == nil {
		delete(m.custom, userID)
	} else {
		m.custom[userID] = *cfg
	}
	return nil
}

// Health always succeeds for the memory driver.
func (m *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Close drops all stored state.
func (m *MemoryStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.blocked = make(map[string]struct{})
	m.custom = make(map[string]domain.RateLimitConfig)

	if m.logger != nil {
		m.logger.Info("Memory state store closed", nil)
	}
	return nil
}
