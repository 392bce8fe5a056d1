// Package config loads the typed settings a node's main() needs to
// construct an Environment: its node ID, discovery options, activation
// cache TTL, and eviction interval. It is a narrow YAML loader, not a
// CLI or dependency-injection framework: assembling the Registry,
// Catalog, and RemoteClient themselves stays in the caller's hands.
//
// Built on gopkg.in/yaml.v3 (already part of this module's dependency
// tree via virtual/registry/fdbregistry/go.mod), in the idiom the rest
// of the stack uses for structured (un)marshaling (json.Marshal/
// Unmarshal throughout virtual/persist, virtual/suite), substituting
// yaml.v3 for on-disk config specifically because it supports comments,
// which a deployment's config file benefits from and JSON does not.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Discovery mirrors virtual.DiscoveryOptions in a YAML-friendly shape.
type Discovery struct {
	Type string `yaml:"type"`
	Port int    `yaml:"port"`
}

// Config is the top-level shape of a node's configuration file.
type Config struct {
	NodeID string `yaml:"nodeID"`

	Discovery Discovery `yaml:"discovery"`

	ActivationCacheTTL     time.Duration `yaml:"activationCacheTTL"`
	DisableActivationCache bool          `yaml:"disableActivationCache"`
	InvokeTimeout          time.Duration `yaml:"invokeTimeout"`
	EvictionInterval       time.Duration `yaml:"evictionInterval"`

	// Registry selects which Registry implementation the node should
	// construct: "local" (in-memory, single process) or "fdb"
	// (FoundationDB-backed, see virtual/registry/fdbregistry).
	Registry string `yaml:"registry"`
	// FDBClusterFile is only read when Registry == "fdb".
	FDBClusterFile string `yaml:"fdbClusterFile"`
}

// Default returns a Config with Discovery.Type "localhost" and Registry
// "local". The duration fields stay zero, which virtual.NewEnvironment
// replaces with its own defaults.
func Default() Config {
	return Config{
		Discovery: Discovery{Type: "localhost"},
		Registry:  "local",
	}
}

// Load reads and parses the YAML config file at path, applying Default
// first so a file that only overrides a few fields still produces a
// fully populated Config.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: error reading %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: error parsing %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: invalid config from %q: %w", path, err)
	}
	return cfg, nil
}

// Validate reports whether cfg is well formed enough to construct an
// Environment from.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("nodeID is required")
	}
	switch c.Discovery.Type {
	case "localhost", "remote":
	default:
		return fmt.Errorf("discovery.type must be \"localhost\" or \"remote\", got %q", c.Discovery.Type)
	}
	if c.Discovery.Type == "remote" && c.Discovery.Port == 0 {
		return fmt.Errorf("discovery.port is required when discovery.type is \"remote\"")
	}
	switch c.Registry {
	case "local", "fdb":
	default:
		return fmt.Errorf("registry must be \"local\" or \"fdb\", got %q", c.Registry)
	}
	// An empty FDBClusterFile is valid (it selects FoundationDB's system
	// default cluster file), so there is nothing further to validate here.
	return nil
}
