package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitRule is one operation entry of the rate-limit YAML file.
//
//	operations:
//	  login:
//	    limit: 5
//	    window: 5m
//	    block: 15m
//	    lockout: true
//	    lockout_threshold: 5
//	    exponential_backoff: true
type RateLimitRule struct {
	Limit              int           `yaml:"limit"`
	Window             time.Duration `yaml:"window"`
	Block              time.Duration `yaml:"block"`
	Enabled            *bool         `yaml:"enabled"`
	Lockout            bool          `yaml:"lockout"`
	LockoutThreshold   int           `yaml:"lockout_threshold"`
	ExponentialBackoff bool          `yaml:"exponential_backoff"`
	Description        string        `yaml:"description"`
}

type rateLimitFile struct {
	Operations map[string]RateLimitRule `yaml:"operations"`
}

// LoadRateLimitRules parses the operation table file. An empty path yields no rules.
func LoadRateLimitRules(path string) (map[string]RateLimitRule, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit file: %w", err)
	}

	return ParseRateLimitRules(data)
}

func ParseRateLimitRules(data []byte) (map[string]RateLimitRule, error) {
	var file rateLimitFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rate limit file: %w", err)
	}

	for name, rule := range file.Operations {
		if rule.Limit <= 0 {
			return nil, fmt.Errorf("operation %q: limit must be positive", name)
		}
		if rule.Window <= 0 {
			return nil, fmt.Errorf("operation %q: window must be positive", name)
		}
		if rule.Block < 0 {
			return nil, fmt.Errorf("operation %q: block cannot be negative", name)
		}
	}

	return file.Operations, nil
}

// IsEnabled defaults to true when the entry omits the flag.
func (r RateLimitRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
