// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all coordinator configuration.
type Config struct {
	GRPCPort string
	HTTPPort string
	DBPath   string

	// SessionTTL evicts sessions with no round activity; SweepInterval is
	// how often the sweeper looks.
	SessionTTL    time.Duration
	SweepInterval time.Duration

	// Batching knobs for the target forward pass.
	MaxBatchSize  int
	BatchMaxWait  time.Duration
	VerifyTimeout time.Duration

	// Decoding parameters.
	Seed      int64
	EOSToken  int
	VocabSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		GRPCPort:      getEnv("GRPC_PORT", "50051"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "./data/specdec.db"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 10*time.Minute),
		SweepInterval: getEnvDuration("SWEEP_INTERVAL", time.Minute),
		MaxBatchSize:  getEnvInt("MAX_BATCH_SIZE", 8),
		BatchMaxWait:  getEnvDuration("BATCH_MAX_WAIT", 5*time.Millisecond),
		VerifyTimeout: getEnvDuration("VERIFY_TIMEOUT", 30*time.Second),
		Seed:          int64(getEnvInt("SEED", 42)),
		EOSToken:      getEnvInt("EOS_TOKEN", 0),
		VocabSize:     getEnvInt("VOCAB_SIZE", 256),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.GRPCPort == "" {
		return fmt.Errorf("GRPC_PORT cannot be empty")
	}
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be > 0")
	}
	if c.BatchMaxWait <= 0 {
		return fmt.Errorf("BATCH_MAX_WAIT must be > 0")
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("VOCAB_SIZE must be > 0")
	}
	if c.EOSToken >= c.VocabSize {
		return fmt.Errorf("EOS_TOKEN must be below VOCAB_SIZE")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
