package config

import (
	"fmt"
	"os"
	"time"
)

// ModelServiceConfig describes an HTTP inference service (embedding or quality scoring).
type ModelServiceConfig struct {
	BaseURL    string        `mapstructure:"base_url"`     // Service root, e.g. http://localhost:8001
	BaseURLEnv string        `mapstructure:"base_url_env"` // Environment variable name for base URL
	Model      string        `mapstructure:"model"`        // Model name sent with each request
	APIKey     string        `mapstructure:"api_key"`      // API key (can be set directly or via env var)
	APIKeyEnv  string        `mapstructure:"api_key_env"`  // Environment variable name for API key
	Timeout    time.Duration `mapstructure:"timeout"`
}

// ResolveEnvVars resolves environment variable references in the configuration.
// Direct values (APIKey, BaseURL) take precedence if already set.
func (c *ModelServiceConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}

	if c.BaseURLEnv != "" && c.BaseURL == "" {
		if val := os.Getenv(c.BaseURLEnv); val != "" {
			c.BaseURL = val
		}
	}
}

// Validate checks that the service has an address and a sane timeout.
func (c *ModelServiceConfig) Validate(name string) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%s: base_url is required (set directly or via %s)", name, c.BaseURLEnv)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%s: timeout must not be negative", name)
	}
	return nil
}
