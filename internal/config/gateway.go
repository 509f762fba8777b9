// Package config loads gateway configuration: server tuning and resilience
// defaults from environment variables, the node pool from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// GatewayConfig holds configuration for the gateway process.
type GatewayConfig struct {
	// Addr is the HTTP listen address. Default: ":8080"
	Addr string

	// Version string reported by /health.
	Version string

	// NodesFile is the path to the YAML node pool definition.
	// Default: "configs/nodes.yaml"
	NodesFile string

	// MaxBodyBytes caps request body size. Default: 1 MiB
	MaxBodyBytes int64

	// RateLimit configures the per-client limiter.
	RateLimit RateLimitConfig

	// Resilience configures the shared registry defaults.
	Resilience ResilienceConfig

	// Mesh configures dispatch behavior.
	Mesh MeshConfig

	// Recall configures the semantic response cache.
	Recall RecallConfig
}

// RateLimitConfig holds per-client-IP limiter settings.
type RateLimitConfig struct {
	// RequestsPerSecond sustained per client. Default: 10
	RequestsPerSecond float64
	// Burst capacity per client. Default: 20
	Burst int
}

// ResilienceConfig holds registry-wide defaults.
type ResilienceConfig struct {
	// BudgetWindow is the rolling retry budget window size. Default: 100
	BudgetWindow int
	// BudgetPercent is the allowed retry rate. Default: 10.0
	BudgetPercent float64
	// IdempotencyTTL bounds the deduplication cache. Default: 10m
	IdempotencyTTL time.Duration
	// GateConcurrency caps in-flight dispatches. Default: 64
	GateConcurrency int
	// NodeConcurrency caps in-flight calls per node. Default: 16
	NodeConcurrency int
}

// MeshConfig holds dispatch settings.
type MeshConfig struct {
	// Cooldown applied to a node after a backend rate limit. Default: 30s
	Cooldown time.Duration
}

// RecallConfig holds semantic cache settings.
type RecallConfig struct {
	// Enabled toggles recall entirely. Default: true when DATABASE_URL set.
	Enabled bool
	// SimilarityThreshold for semantic hits. Default: 0.95
	SimilarityThreshold float64
	// OpenAIKeyEnv names the env var holding the embedding API key.
	// Default: "OPENAI_API_KEY"
	OpenAIKeyEnv string
	// MemorySize bounds the in-memory store used without a database.
	// Default: 1024
	MemorySize int
}

// LoadGatewayConfig loads configuration from environment variables.
// Invalid values fall back to defaults; structural problems return an error.
func LoadGatewayConfig() (*GatewayConfig, error) {
	cfg := &GatewayConfig{
		Addr:         getEnvOrDefault("GATEWAY_ADDR", ":8080"),
		Version:      getEnvOrDefault("GATEWAY_VERSION", "dev"),
		NodesFile:    getEnvOrDefault("GATEWAY_NODES_FILE", "configs/nodes.yaml"),
		MaxBodyBytes: int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1<<20)),
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("GATEWAY_RATE_LIMIT_RPS", 10),
			Burst:             getEnvInt("GATEWAY_RATE_LIMIT_BURST", 20),
		},
		Resilience: ResilienceConfig{
			BudgetWindow:    getEnvInt("RESILIENCE_BUDGET_WINDOW", 100),
			BudgetPercent:   getEnvFloat("RESILIENCE_BUDGET_PERCENT", 10.0),
			IdempotencyTTL:  getEnvDuration("RESILIENCE_IDEMPOTENCY_TTL", 10*time.Minute),
			GateConcurrency: getEnvInt("RESILIENCE_GATE_CONCURRENCY", 64),
			NodeConcurrency: getEnvInt("RESILIENCE_NODE_CONCURRENCY", 16),
		},
		Mesh: MeshConfig{
			Cooldown: getEnvDuration("MESH_COOLDOWN", 30*time.Second),
		},
		Recall: RecallConfig{
			Enabled:             getEnvBool("RECALL_ENABLED", true),
			SimilarityThreshold: getEnvFloat("RECALL_SIMILARITY_THRESHOLD", 0.95),
			OpenAIKeyEnv:        getEnvOrDefault("RECALL_OPENAI_KEY_ENV", "OPENAI_API_KEY"),
			MemorySize:          getEnvInt("RECALL_MEMORY_SIZE", 1024),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration correctness.
func (c *GatewayConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GATEWAY_ADDR cannot be empty")
	}
	if c.NodesFile == "" {
		return fmt.Errorf("GATEWAY_NODES_FILE cannot be empty")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("GATEWAY_MAX_BODY_BYTES must be positive")
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("GATEWAY_RATE_LIMIT_BURST must be positive")
	}
	if c.Resilience.BudgetWindow <= 0 {
		return fmt.Errorf("RESILIENCE_BUDGET_WINDOW must be positive")
	}
	if c.Resilience.BudgetPercent <= 0 || c.Resilience.BudgetPercent > 100 {
		return fmt.Errorf("RESILIENCE_BUDGET_PERCENT must be between 0 and 100")
	}
	if c.Resilience.GateConcurrency <= 0 {
		return fmt.Errorf("RESILIENCE_GATE_CONCURRENCY must be positive")
	}
	if c.Resilience.NodeConcurrency <= 0 {
		return fmt.Errorf("RESILIENCE_NODE_CONCURRENCY must be positive")
	}
	if c.Mesh.Cooldown <= 0 {
		return fmt.Errorf("MESH_COOLDOWN must be positive")
	}
	if c.Recall.SimilarityThreshold <= 0 || c.Recall.SimilarityThreshold > 1 {
		return fmt.Errorf("RECALL_SIMILARITY_THRESHOLD must be between 0.0 and 1.0")
	}
	if c.Recall.MemorySize <= 0 {
		return fmt.Errorf("RECALL_MEMORY_SIZE must be positive")
	}
	return nil
}

// getEnvOrDefault returns environment variable value or default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool parses boolean environment variable with default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvInt parses integer environment variable with default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvFloat parses float environment variable with default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration parses duration environment variable with default.
// Supports formats like "30s", "1m", "2h".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
