package transport

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds shared configuration for backend adapters.
// Configuration is loaded from environment variables with fallback to defaults.
type Config struct {
	// MaxTokens is the default maximum number of tokens for a response.
	MaxTokens int

	// Timeout is the maximum duration for a single streaming call,
	// measured from request start to stream completion.
	Timeout time.Duration
}

// Validate checks the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// LoadConfig loads adapter configuration from environment variables.
//
// Environment variables:
//   - BACKEND_MAX_TOKENS: response token cap (default: 1024)
//   - BACKEND_TIMEOUT_SECONDS: per-call timeout (default: 120)
//
// Invalid values fall back to the defaults.
func LoadConfig() Config {
	cfg := Config{
		MaxTokens: 1024,
		Timeout:   120 * time.Second,
	}

	if v := os.Getenv("BACKEND_MAX_TOKENS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.MaxTokens = parsed
		}
	}
	if v := os.Getenv("BACKEND_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Timeout = time.Duration(parsed) * time.Second
		}
	}
	return cfg
}
