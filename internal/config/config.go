// Package config loads NetworkConfig, the YAML file a validator reads
// at startup to learn its listen address, the peers it should dial on
// boot, and assorted timeouts (spec.md §6). Grounded on
// internal/config's Load (read-file, unmarshal, fill defaults,
// validate) idiom, reshaped around the gossip transport's own fields.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkConfig configures one validator's gossip transport.
type NetworkConfig struct {
	ListenAddress string   `yaml:"listen_address"`
	PeerURLs      []string `yaml:"peer_urls"`
	Debug         bool     `yaml:"debug"`

	RegisterTimeoutSeconds int `yaml:"register_timeout_seconds"`
	SendTimeoutSeconds     int `yaml:"send_timeout_seconds"`
}

// Load reads and parses filename, fills in defaults for any zero
// field, and validates the result.
func Load(filename string) (*NetworkConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg NetworkConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *NetworkConfig) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8800"
	}
	if c.RegisterTimeoutSeconds == 0 {
		c.RegisterTimeoutSeconds = 10
	}
	if c.SendTimeoutSeconds == 0 {
		c.SendTimeoutSeconds = 10
	}
}

// Validate reports whether c is internally consistent.
func (c *NetworkConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("config: listen_address is required")
	}
	if c.RegisterTimeoutSeconds < 0 {
		return fmt.Errorf("config: register_timeout_seconds cannot be negative: %d", c.RegisterTimeoutSeconds)
	}
	if c.SendTimeoutSeconds < 0 {
		return fmt.Errorf("config: send_timeout_seconds cannot be negative: %d", c.SendTimeoutSeconds)
	}
	for i, url := range c.PeerURLs {
		if url == "" {
			return fmt.Errorf("config: peer_urls[%d] is empty", i)
		}
	}
	return nil
}

// RegisterTimeout returns RegisterTimeoutSeconds as a time.Duration.
func (c *NetworkConfig) RegisterTimeout() time.Duration {
	return time.Duration(c.RegisterTimeoutSeconds) * time.Second
}

// SendTimeout returns SendTimeoutSeconds as a time.Duration.
func (c *NetworkConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// Default returns a NetworkConfig with every default applied and no
// configured peers, suitable as a starting point for tests or a
// bare single-node run.
func Default() *NetworkConfig {
	cfg := &NetworkConfig{}
	cfg.applyDefaults()
	return cfg
}
