// Package config loads the proxy's YAML configuration file and provides
// structured access to server, routing, balancing and context settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// AuthDir is the directory where account token files are stored.
	AuthDir string `yaml:"auth-dir"`

	// Debug raises the log level to debug.
	Debug bool `yaml:"debug"`

	// LoggingToFile routes logs into rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is an optional outbound proxy (socks5/http/https).
	ProxyURL string `yaml:"proxy-url"`

	// APIKeys authenticate clients of this proxy; empty disables the check.
	APIKeys []string `yaml:"api-keys"`

	// RequestLog enables observation persistence to SQLite.
	RequestLog bool `yaml:"request-log"`

	// RequestLogPath is the traffic database location.
	RequestLogPath string `yaml:"request-log-path"`

	// RequestRetry is how many accounts a failed request may try.
	RequestRetry int `yaml:"request-retry"`

	// Routing maps model-name patterns (exact or glob) to target models.
	// Order matters for wildcard tie-breaks, so it is a list.
	Routing []RoutingRule `yaml:"routing"`

	// Balancer selects the account rotation strategy.
	Balancer BalancerConfig `yaml:"balancer"`

	// Context configures token-pressure compression.
	Context ContextConfig `yaml:"context"`
}

// RoutingRule is one model mapping entry.
type RoutingRule struct {
	Pattern string `yaml:"pattern"`
	Target  string `yaml:"target"`
}

// BalancerConfig selects strategy and the default rate-limit hold.
type BalancerConfig struct {
	// Strategy is "round-robin" (default) or "fill-first".
	Strategy string `yaml:"strategy"`

	// RetryAfterSeconds applies when a 429 has no parseable delay.
	RetryAfterSeconds int `yaml:"retry-after-seconds"`
}

// ContextConfig bounds conversation size.
type ContextConfig struct {
	// CeilingTokens is the estimated-token ceiling; 0 disables compression.
	CeilingTokens int `yaml:"ceiling-tokens"`

	// ProtectedRounds is how many recent tool rounds survive trimming.
	ProtectedRounds int `yaml:"protected-rounds"`

	// ProtectedMessages is the trailing window exempt from thinking collapse.
	ProtectedMessages int `yaml:"protected-messages"`
}

// LoadConfig reads and parses the YAML configuration file at the given path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.AuthDir == "" {
		c.AuthDir = "auths"
	}
	if c.RequestLogPath == "" {
		c.RequestLogPath = "traffic.db"
	}
	if c.RequestRetry <= 0 {
		c.RequestRetry = 3
	}
	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = "round-robin"
	}
	if c.Balancer.RetryAfterSeconds <= 0 {
		c.Balancer.RetryAfterSeconds = 60
	}
	if c.Context.ProtectedRounds <= 0 {
		c.Context.ProtectedRounds = 4
	}
	if c.Context.ProtectedMessages <= 0 {
		c.Context.ProtectedMessages = 4
	}
}
