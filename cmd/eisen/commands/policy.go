package commands

import (
	"fmt"

	"github.com/eisen-labs/eisen-core/internal/config"
	"github.com/eisen-labs/eisen-core/pkg/proxy"
	"github.com/eisen-labs/eisen-core/pkg/server"
	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/zone"
)

// resolvePolicy builds the zone.Policy a single-agent command (snapshot,
// observe, introspect) should enforce. zoneConfigPath, when non-empty,
// loads a full config.Config and uses agentID's entry (or the all-allowed
// default, per config.PolicyFor); zonePatterns, when the config path is
// empty, builds a policy directly from the CLI-supplied allow patterns.
// Both forms compile eagerly, so a malformed pattern surfaces here as a
// *config.ConfigError the caller should report as exit code 64.
func resolvePolicy(zoneConfigPath, agentID string, zonePatterns []string) (*zone.Policy, *config.Config, error) {
	if zoneConfigPath != "" {
		cfg, err := config.Load(zoneConfigPath)
		if err != nil {
			return nil, nil, err
		}
		pol, err := cfg.PolicyFor(agentID)
		if err != nil {
			return nil, nil, fmt.Errorf("zone config: %w", err)
		}
		return pol, cfg, nil
	}

	pol, err := zone.NewPolicy(zonePatterns, nil, true)
	if err != nil {
		return nil, nil, fmt.Errorf("zone patterns: %w", err)
	}
	return pol, nil, nil
}

// trackerOptions, serverOptions, and proxyOptions translate a loaded
// config.Config's tuning fields into each package's own Options struct. cfg
// is nil when resolvePolicy built its policy straight from --zone-patterns
// (no --zone-config file), in which case every command falls back to each
// package's own zero-value defaults (config.Load's env>file>default
// precedence is only consulted when there is a config file to load, so
// without one the EISEN_* variables have no effect).

func trackerOptions(cfg *config.Config) tracker.Options {
	if cfg == nil {
		return tracker.Options{}
	}
	return tracker.Options{DecayMs: cfg.DecayMs, GCTurns: cfg.GCTurns, RingCapacity: cfg.RingCapacity}
}

func serverOptions(cfg *config.Config) server.Options {
	if cfg == nil {
		return server.Options{}
	}
	return server.Options{QueueBytes: cfg.QueueBytes, MaxLineBytes: cfg.MaxLineBytes}
}

func proxyOptions(cfg *config.Config) proxy.Options {
	if cfg == nil {
		return proxy.Options{}
	}
	return proxy.Options{MaxLineBytes: cfg.MaxLineBytes}
}
