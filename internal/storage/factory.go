package storage

import (
	"fmt"

	"llm-tunnel/internal/config"
	"llm-tunnel/internal/domain"
)

// NewStateStore builds the state store selected by STORAGE_DRIVER.
func NewStateStore(cfg *config.Config, logger domain.Logger) (domain.StateStore, error) {
	switch cfg.StorageDriver {
	case "redis":
		store, err := NewRedisStore(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis state store: %w", err)
		}
		return store, nil
	case "memory":
		return NewMemoryStore(logger), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}
}
