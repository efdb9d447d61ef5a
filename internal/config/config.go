package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"llm-tunnel/internal/domain"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the gateway.
type Config struct {
	// Server
	ServerPort string
	GinMode    string

	// Logging
	LogLevel  string
	LogFormat string

	// Identity
	JWTSecret string

	// Storage (memory or redis)
	StorageDriver string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Per-address limiting
	AddressRPM      int
	SuspiciousRPM   int
	SuspiciousAfter int
	BlockAfter      int

	// DDoS detection heuristics, evaluated over DDoSWindow
	DDoSWindow        time.Duration
	DDoSCheckInterval time.Duration
	DDoSMinAddresses  int
	DDoSMinRequests   int64
	DDoSMinSuspicious int
	DDoSMeanRPM       float64
	DDoSLockdownRPM   int

	// Lifecycle of idle limiter state
	IdleTTL         time.Duration
	CleanupInterval time.Duration

	// Tunnel session
	KeepaliveInterval time.Duration
	PongTimeout       time.Duration
	StreamEndGrace    time.Duration
	MaxDecodeErrors   int

	// Admission policy: do not count requests that ended in 5xx against
	// the caller's quota.
	SkipFailedRequests bool
}

// Loader reads configuration from the environment with .env support.
type Loader struct {
	config *Config
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the .env file if present and builds the configuration from
// environment variables, validating the result.
func (l *Loader) Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// No .env is fine, the process environment still applies.
		fmt.Println("Warning: .env file not found, using system environment variables")
	}

	cfg, err := l.loadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	l.config = cfg
	return cfg, nil
}

// Get returns the last loaded configuration.
func (l *Loader) Get() *Config {
	return l.config
}

func (l *Loader) loadFromEnv() (*Config, error) {
	cfg := &Config{
		ServerPort: getEnvWithDefault("SERVER_PORT", "8080"),
		GinMode:    getEnvWithDefault("GIN_MODE", "debug"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),

		JWTSecret: getEnvWithDefault("JWT_SECRET", ""),

		StorageDriver: getEnvWithDefault("STORAGE_DRIVER", "memory"),
		RedisHost:     getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvWithDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvWithDefault("REDIS_PASSWORD", ""),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	if cfg.AddressRPM, err = getEnvInt("ADDR_RPM", 100); err != nil {
		return nil, err
	}
	if cfg.SuspiciousRPM, err = getEnvInt("SUSPICIOUS_RPM", 10); err != nil {
		return nil, err
	}
	if cfg.SuspiciousAfter, err = getEnvInt("SUSPICIOUS_AFTER", 5); err != nil {
		return nil, err
	}
	if cfg.BlockAfter, err = getEnvInt("BLOCK_AFTER", 10); err != nil {
		return nil, err
	}

	if cfg.DDoSWindow, err = getEnvSeconds("DDOS_WINDOW_SECONDS", 60); err != nil {
		return nil, err
	}
	if cfg.DDoSCheckInterval, err = getEnvSeconds("DDOS_CHECK_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.DDoSMinAddresses, err = getEnvInt("DDOS_MIN_ADDRESSES", 50); err != nil {
		return nil, err
	}
	minRequests, err := getEnvInt("DDOS_MIN_REQUESTS", 3000)
	if err != nil {
		return nil, err
	}
	cfg.DDoSMinRequests = int64(minRequests)
	if cfg.DDoSMinSuspicious, err = getEnvInt("DDOS_MIN_SUSPICIOUS", 20); err != nil {
		return nil, err
	}
	meanRPM, err := getEnvInt("DDOS_MEAN_RPM", 60)
	if err != nil {
		return nil, err
	}
	cfg.DDoSMeanRPM = float64(meanRPM)
	if cfg.DDoSLockdownRPM, err = getEnvInt("DDOS_LOCKDOWN_RPM", 30); err != nil {
		return nil, err
	}

	if cfg.IdleTTL, err = getEnvSeconds("IDLE_TTL_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = getEnvSeconds("CLEANUP_INTERVAL_SECONDS", 600); err != nil {
		return nil, err
	}

	if cfg.KeepaliveInterval, err = getEnvSeconds("KEEPALIVE_INTERVAL_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.PongTimeout, err = getEnvSeconds("PONG_TIMEOUT_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.StreamEndGrace, err = getEnvSeconds("STREAM_END_GRACE_SECONDS", 30); err != nil {
		return nil, err
	}
	if cfg.MaxDecodeErrors, err = getEnvInt("MAX_DECODE_ERRORS", 10); err != nil {
		return nil, err
	}

	cfg.SkipFailedRequests = getEnvWithDefault("SKIP_FAILED_REQUESTS", "false") == "true"

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.AddressRPM <= 0 {
		return fmt.Errorf("ADDR_RPM must be greater than 0")
	}
	if cfg.SuspiciousRPM <= 0 {
		return fmt.Errorf("SUSPICIOUS_RPM must be greater than 0")
	}
	if cfg.SuspiciousAfter <= 0 || cfg.BlockAfter <= cfg.SuspiciousAfter {
		return fmt.Errorf("BLOCK_AFTER must be greater than SUSPICIOUS_AFTER, both positive")
	}
	if cfg.DDoSWindow <= 0 {
		return fmt.Errorf("DDOS_WINDOW_SECONDS must be greater than 0")
	}
	if cfg.IdleTTL <= 0 {
		return fmt.Errorf("IDLE_TTL_SECONDS must be greater than 0")
	}
	if cfg.PongTimeout >= cfg.KeepaliveInterval {
		return fmt.Errorf("PONG_TIMEOUT_SECONDS must be smaller than KEEPALIVE_INTERVAL_SECONDS")
	}
	if cfg.RedisDB < 0 || cfg.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}
	if cfg.StorageDriver != "memory" && cfg.StorageDriver != "redis" {
		return fmt.Errorf("STORAGE_DRIVER must be memory or redis")
	}
	return nil
}

// AddressConfig returns the default per-address limiter configuration.
func (c *Config) AddressConfig() domain.RateLimitConfig {
	return domain.RateLimitConfig{
		RequestsPerMinute:        c.AddressRPM,
		MaxConcurrentConnections: 10,
		MaxQueueSize:             100,
	}
}

// SuspiciousConfig returns the tightened configuration applied to
// suspicious addresses.
func (c *Config) SuspiciousConfig() domain.RateLimitConfig {
	return domain.RateLimitConfig{
		RequestsPerMinute:        c.SuspiciousRPM,
		MaxConcurrentConnections: 1,
		MaxQueueSize:             10,
	}
}

// LockdownConfig returns the global default used while DDoS protection is
// active.
func (c *Config) LockdownConfig() domain.RateLimitConfig {
	return domain.RateLimitConfig{
		RequestsPerMinute:        c.DDoSLockdownRPM,
		MaxConcurrentConnections: 2,
		MaxQueueSize:             20,
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := getEnvWithDefault(key, strconv.Itoa(defaultValue))
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return value, nil
}

func getEnvSeconds(key string, defaultSeconds int) (time.Duration, error) {
	seconds, err := getEnvInt(key, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}
