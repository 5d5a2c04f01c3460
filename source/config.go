package source

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML scalars like
// "15m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("source: bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level shopscout configuration.
type Config struct {
	Sources []Source `yaml:"sources"`

	// BatchSize bounds how many sources run their retrieval chains
	// concurrently. Rendering is the expensive path, so this stays small.
	BatchSize int `yaml:"batch_size"`

	// RenderConcurrency caps concurrent browser tabs, independently of
	// BatchSize.
	RenderConcurrency int `yaml:"render_concurrency"`

	HealthDB string   `yaml:"health_db"`
	CacheDB  string   `yaml:"cache_db"`
	CacheTTL Duration `yaml:"cache_ttl"`

	// EscalationEndpoint is the remote AI extraction service. Empty disables
	// the escalation tier.
	EscalationEndpoint string `yaml:"escalation_endpoint"`
}

// LoadFile reads a YAML configuration file, applies defaults, and validates
// every source entry.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("source: read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("source: parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 4
	}
	if c.RenderConcurrency <= 0 {
		c.RenderConcurrency = 2
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = Duration(15 * time.Minute)
	}
	if c.HealthDB == "" {
		c.HealthDB = "db/health.db"
	}
	if c.CacheDB == "" {
		c.CacheDB = "db/cache.db"
	}
	for i := range c.Sources {
		c.Sources[i].applyDefaults()
	}
}

// Validate checks the configuration for missing fields and duplicate IDs.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("source: no sources configured")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		if err := c.Sources[i].validate(); err != nil {
			return err
		}
		if seen[c.Sources[i].ID] {
			return fmt.Errorf("source: duplicate id %q", c.Sources[i].ID)
		}
		seen[c.Sources[i].ID] = true
	}
	return nil
}
