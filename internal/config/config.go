package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use the "30s" / "2m"
// notation instead of raw nanoseconds.
type Duration time.Duration

// UnmarshalYAML parses the time.ParseDuration notation.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return errors.Wrap(err, "duration must be a string")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config carries the tunables of the query layer. Zero values are
// replaced by defaults in Validate, so a partial YAML file is fine.
type Config struct {
	Registry  Registry  `yaml:"registry"`
	Optimizer Optimizer `yaml:"optimizer"`
	Logging   Logging   `yaml:"logging"`
}

// Registry configures the transaction registry.
type Registry struct {
	// DefaultTTL is the lease duration applied when a transaction is
	// inserted or closed without an explicit ttl.
	DefaultTTL Duration `yaml:"defaultTTL"`
	// SweepInterval is how often expired leases are collected.
	SweepInterval Duration `yaml:"sweepInterval"`
}

// Optimizer configures the plan optimizer.
type Optimizer struct {
	// PoolSize bounds the number of plans optimized concurrently.
	PoolSize int `yaml:"poolSize"`
	// PlanCacheSize is the capacity of the serialized plan cache.
	PlanCacheSize int `yaml:"planCacheSize"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Registry: Registry{
			DefaultTTL:    Duration(60 * time.Second),
			SweepInterval: Duration(10 * time.Second),
		},
		Optimizer: Optimizer{
			PoolSize:      4,
			PlanCacheSize: 128,
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config file %q", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects nonsense.
func (c *Config) Validate() error {
	def := Default()
	if c.Registry.DefaultTTL == 0 {
		c.Registry.DefaultTTL = def.Registry.DefaultTTL
	}
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = def.Registry.SweepInterval
	}
	if c.Optimizer.PoolSize == 0 {
		c.Optimizer.PoolSize = def.Optimizer.PoolSize
	}
	if c.Optimizer.PlanCacheSize == 0 {
		c.Optimizer.PlanCacheSize = def.Optimizer.PlanCacheSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Registry.DefaultTTL.Std() < 0 {
		return errors.New("registry.defaultTTL must not be negative")
	}
	if c.Registry.SweepInterval.Std() < 0 {
		return errors.New("registry.sweepInterval must not be negative")
	}
	if c.Optimizer.PoolSize < 0 {
		return errors.New("optimizer.poolSize must not be negative")
	}
	if c.Optimizer.PlanCacheSize < 0 {
		return errors.New("optimizer.planCacheSize must not be negative")
	}
	return nil
}
