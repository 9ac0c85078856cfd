// Package config loads zone and runtime tuning configuration from
// environment variables and an optional YAML file, per SPEC_FULL.md §4.7
// and the ZoneConfig file format in §3.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/eisen-labs/eisen-core/pkg/zone"
)

// envPrefix and envKeySeparator mirror the secondary pack example's viper
// setup (Sumatoshi-tech-codefang/internal/config/loader.go), adapted to
// this spec's flat key names.
const (
	envPrefix       = "EISEN"
	envKeySeparator = "_"
)

// AgentZoneConfig is one agent's allow/shared pattern set, per the
// `agents[]` entries in the ZoneConfig YAML format.
type AgentZoneConfig struct {
	ID      string   `mapstructure:"id"`
	Allowed []string `mapstructure:"allowed"`
	Shared  []string `mapstructure:"shared"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	DecayMs      int64             `mapstructure:"decay_ms"`
	GCTurns      uint64            `mapstructure:"gc_turns"`
	QueueBytes   int               `mapstructure:"queue_bytes"`
	MaxLineBytes int               `mapstructure:"max_line_bytes"`
	RingCapacity int               `mapstructure:"ring_capacity"`
	Agents       []AgentZoneConfig `mapstructure:"agents"`
}

// ConfigError marks a load/validation failure that should surface as the
// CLI's zone-config exit code (64), per spec.md §6 and SPEC_FULL.md §7.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func newConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Default tuning values, per spec.md §4.1/§4.4/§4.3 and SPEC_FULL.md §4.1.
const (
	DefaultDecayMs      = 1500
	DefaultGCTurns      = 8
	DefaultQueueBytes   = 256 * 1024
	DefaultMaxLineBytes = 16 * 1024 * 1024
	DefaultRingCapacity = 512
)

// Load reads configuration in env > file > default precedence; it binds no
// CLI flags, so no flag overrides these tuning values. configPath, when non-empty, is used as the explicit zone config file
// path; a missing file there is still an error (the user asked for a
// specific file), but an unset configPath with no default file present is
// not — defaults and env vars alone are a valid configuration.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, newConfigError("read zone config %q: %v", configPath, err)
		}
	} else {
		v.SetConfigName("eisen.zones")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, newConfigError("read zone config: %v", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, newConfigError("parse zone config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("decay_ms", DefaultDecayMs)
	v.SetDefault("gc_turns", DefaultGCTurns)
	v.SetDefault("queue_bytes", DefaultQueueBytes)
	v.SetDefault("max_line_bytes", DefaultMaxLineBytes)
	v.SetDefault("ring_capacity", DefaultRingCapacity)
	v.SetDefault("agents", []AgentZoneConfig{})
}

// Validate checks tuning values are sane and that every agent's pattern
// set compiles, so a malformed zone config is caught at load time rather
// than on the first Decide call. Returns a *ConfigError on failure.
func (c *Config) Validate() error {
	if c.DecayMs <= 0 {
		return newConfigError("decay_ms must be positive, got %d", c.DecayMs)
	}
	if c.QueueBytes <= 0 {
		return newConfigError("queue_bytes must be positive, got %d", c.QueueBytes)
	}
	if c.MaxLineBytes <= 0 {
		return newConfigError("max_line_bytes must be positive, got %d", c.MaxLineBytes)
	}
	if c.RingCapacity <= 0 {
		return newConfigError("ring_capacity must be positive, got %d", c.RingCapacity)
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return newConfigError("agents[]: entry missing \"id\"")
		}
		if _, dup := seen[a.ID]; dup {
			return newConfigError("agents[]: duplicate id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if _, err := zone.NewPolicy(a.Allowed, a.Shared, true); err != nil {
			return newConfigError("agents[%s]: %v", a.ID, err)
		}
	}
	return nil
}

// PolicyFor compiles the zone.Policy for agentID. An agent with no matching
// entry gets the all-allowed default policy (NewPolicy with a nil allowed
// list), matching spec.md §4.2's "default: allow everything" fallback for
// an unconfigured agent.
func (c *Config) PolicyFor(agentID string) (*zone.Policy, error) {
	for _, a := range c.Agents {
		if a.ID == agentID {
			return zone.NewPolicy(a.Allowed, a.Shared, true)
		}
	}
	return zone.NewPolicy(nil, nil, true)
}
