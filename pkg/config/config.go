// Package config loads and validates the relay configuration: a relay.yaml
// file with ${ENV} expansion, merged over built-in defaults.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    *ServerConfig    `yaml:"server"`
	Streams   []StreamConfig   `yaml:"streams"`
	Retention *RetentionConfig `yaml:"retention"`
	Live      *LiveConfig      `yaml:"live"`
	Reducer   *ReducerConfig   `yaml:"reducer"`
	Outbox    *OutboxConfig    `yaml:"outbox"`
	Claims    *ClaimsConfig    `yaml:"claims"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr       string   `yaml:"listen_addr"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{ListenAddr: ":8080"}
}

// Initialize reads relay.yaml from the config directory, expands environment
// variables, merges defaults, and validates. A missing file yields the pure
// defaults (useful for tests and first boot).
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	cfg := defaultConfig()

	path := filepath.Join(configDir, "relay.yaml")
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No relay.yaml found, using built-in defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		var fileCfg Config
		if err := yaml.Unmarshal(ExpandEnv(data), &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Streams:   DefaultStreams(),
		Retention: DefaultRetentionConfig(),
		Live:      DefaultLiveConfig(),
		Reducer:   DefaultReducerConfig(),
		Outbox:    DefaultOutboxConfig(),
		Claims:    &ClaimsConfig{},
	}
}

// Validate checks cross-field constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	if c.Live.SlowConsumerBufferLimit < 1 {
		return fmt.Errorf("live.slow_consumer_buffer_limit must be at least 1")
	}
	if c.Reducer.MaxAttempts < 1 {
		return fmt.Errorf("reducer.max_attempts must be at least 1")
	}
	if c.Reducer.ExecutionBudget <= 0 {
		return fmt.Errorf("reducer.execution_budget must be positive")
	}
	if c.Retention.WindowEvents < 1 {
		return fmt.Errorf("retention.window_events must be at least 1")
	}
	seen := make(map[string]bool, len(c.Streams))
	for _, st := range c.Streams {
		if st.StreamID == "" {
			return fmt.Errorf("streams entry missing stream_id")
		}
		if seen[st.StreamID] {
			return fmt.Errorf("duplicate stream %s", st.StreamID)
		}
		seen[st.StreamID] = true
	}
	if _, err := c.Claims.VerificationKeys(); err != nil {
		return err
	}
	return nil
}

// ConfirmedReadStreams returns the set of streams whose deliveries are gated
// on durable-commit acknowledgment.
func (c *Config) ConfirmedReadStreams() map[string]bool {
	out := make(map[string]bool)
	for _, st := range c.Streams {
		if st.ConfirmedRead {
			out[st.StreamID] = true
		}
	}
	return out
}
