package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"inference-mesh/internal/infra/transport"
	"inference-mesh/internal/mesh"
)

// NodesConfig is the YAML node pool definition.
type NodesConfig struct {
	Nodes []NodeConfig `yaml:"nodes"`
}

// NodeConfig describes one backend node.
type NodeConfig struct {
	// ID is the stable node identifier, unique within the pool.
	ID string `yaml:"id"`

	// Backend selects the adapter: "anthropic", "openai", or "static".
	Backend string `yaml:"backend"`

	// Model is the model identifier passed to the backend.
	Model string `yaml:"model"`

	// Weight scales the node's score. Default: 1.0
	Weight float64 `yaml:"weight"`

	// APIKeyEnv names the environment variable holding the backend
	// credential. Defaults per backend: ANTHROPIC_API_KEY, OPENAI_API_KEY.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the backend endpoint, for OpenAI-compatible
	// servers. Empty means the backend's default.
	BaseURL string `yaml:"base_url"`
}

// LoadNodes loads and validates the node pool from a YAML file.
// The path comes from trusted configuration, not user input.
func LoadNodes(path string) (*NodesConfig, error) {
	// #nosec G304 -- path is provided by trusted source (CLI arg or env), not user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes file: %w", err)
	}

	var cfg NodesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse nodes file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("nodes config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the node pool definition.
func (c *NodesConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}

	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node %d: id is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("node %q: duplicate id", n.ID)
		}
		seen[n.ID] = true

		switch n.Backend {
		case "anthropic", "openai", "static":
		default:
			return fmt.Errorf("node %q: unknown backend %q", n.ID, n.Backend)
		}
		if n.Backend != "static" && n.Model == "" {
			return fmt.Errorf("node %q: model is required", n.ID)
		}
		if n.Weight < 0 {
			return fmt.Errorf("node %q: weight cannot be negative", n.ID)
		}
	}
	return nil
}

// BuildNodeSpecs constructs mesh node specs with live transports. Backend
// credentials are resolved from the environment at build time so a missing
// key fails startup, not the first dispatch.
func (c *NodesConfig) BuildNodeSpecs(tcfg transport.Config) ([]mesh.NodeSpec, error) {
	specs := make([]mesh.NodeSpec, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		weight := n.Weight
		if weight == 0 {
			weight = 1.0
		}

		var tr transport.Transport
		switch n.Backend {
		case "anthropic":
			key, err := resolveKey(n, "ANTHROPIC_API_KEY")
			if err != nil {
				return nil, err
			}
			tr = transport.NewAnthropic(n.ID, key, tcfg)
		case "openai":
			key, err := resolveKey(n, "OPENAI_API_KEY")
			if err != nil {
				return nil, err
			}
			tr = transport.NewOpenAI(n.ID, key, n.BaseURL, tcfg)
		case "static":
			tr = transport.NewStatic(n.ID)
		}

		specs = append(specs, mesh.NodeSpec{
			ID:        n.ID,
			Transport: tr,
			Model:     n.Model,
			Weight:    weight,
		})
	}
	return specs, nil
}

func resolveKey(n NodeConfig, defaultEnv string) (string, error) {
	env := n.APIKeyEnv
	if env == "" {
		env = defaultEnv
	}
	key := os.Getenv(env)
	if key == "" {
		return "", fmt.Errorf("node %q: environment variable %s is not set", n.ID, env)
	}
	return key, nil
}
