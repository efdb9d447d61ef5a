package ratelimit

import (
	"time"

	"llm-tunnel/internal/config"
	"llm-tunnel/internal/domain"
	"llm-tunnel/internal/logger"
	"llm-tunnel/internal/storage"
)

// testConfig returns a configuration with inert background intervals so
// tests drive every transition themselves.
func testConfig() *config.Config {
	return &config.Config{
		AddressRPM:      100,
		SuspiciousRPM:   10,
		SuspiciousAfter: 5,
		BlockAfter:      10,

		DDoSWindow:        time.Minute,
		DDoSCheckInterval: time.Hour,
		DDoSMinAddresses:  50,
		DDoSMinRequests:   3000,
		DDoSMinSuspicious: 20,
		DDoSMeanRPM:       60,
		DDoSLockdownRPM:   30,

		IdleTTL:         time.Hour,
		CleanupInterval: time.Hour,
	}
}

func testLogger() domain.Logger {
	return logger.NewLogger("error", "json")
}

func testStore() domain.StateStore {
	return storage.NewMemoryStore(nil)
}
