// Package config loads the safeflow application configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-safeflow"
	"github.com/goliatone/go-safeflow/flow"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	defaultStoreDriver = StoreMemory
	defaultSQLitePath  = "safeflow.db"
	defaultTablePrefix = "safeflow"

	defaultLogLevel  = "info"
	defaultLogFormat = "json"

	defaultMetricsNamespace = "safeflow"
	defaultMetricsAddress   = ":9090"

	defaultOperation = "Main"
)

// Config is the complete application configuration.
type Config struct {
	Store      StoreConfig                 `yaml:"store"`
	Logging    LoggingConfig               `yaml:"logging"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Limits     flow.Limits                 `yaml:"limits"`
	Resources  ResourcesConfig             `yaml:"resources"`
	Pipeline   PipelineConfig              `yaml:"pipeline"`
	Activities []safeflow.ActivitySettings `yaml:"activities"`
}

// StoreConfig selects the metadata store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	TablePrefix string `yaml:"table_prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint of `safeflow serve`.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
}

// ResourcesConfig sizes the weighted resource limiter. Zero disables it.
type ResourcesConfig struct {
	Capacity int64 `yaml:"capacity"`
}

// PipelineConfig describes the pipeline driven by the CLI.
type PipelineConfig struct {
	Operation  string   `yaml:"operation"`
	Activities []string `yaml:"activities"`
	// Schedule is a cron expression used by `safeflow serve`.
	Schedule string `yaml:"schedule"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == StoreSQLite && c.Store.Path == "" {
		c.Store.Path = defaultSQLitePath
	}
	if c.Store.TablePrefix == "" {
		c.Store.TablePrefix = defaultTablePrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = defaultMetricsNamespace
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = defaultMetricsAddress
	}
	defaults := flow.DefaultLimits()
	if c.Limits.MaximumActivityTime == 0 {
		c.Limits.MaximumActivityTime = defaults.MaximumActivityTime
	}
	if c.Limits.StickCap == 0 {
		c.Limits.StickCap = defaults.StickCap
	}
	if c.Limits.ChokeCap == 0 {
		c.Limits.ChokeCap = defaults.ChokeCap
	}
	if c.Limits.WaitTime == 0 {
		c.Limits.WaitTime = defaults.WaitTime
	}
	if c.Limits.ChokeTime == 0 {
		c.Limits.ChokeTime = defaults.ChokeTime
	}
	if c.Pipeline.Operation == "" {
		c.Pipeline.Operation = defaultOperation
	}
}

// Validate performs basic validation on the configuration.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite store path is required")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Limits.MaximumActivityTime < 0 || c.Limits.WaitTime < 0 || c.Limits.ChokeTime < 0 {
		return fmt.Errorf("limit durations must not be negative")
	}
	if c.Limits.StickCap < 0 || c.Limits.ChokeCap < 0 {
		return fmt.Errorf("limit caps must not be negative")
	}
	if c.Resources.Capacity < 0 {
		return fmt.Errorf("resource capacity must not be negative")
	}
	if c.Pipeline.Schedule != "" && len(c.Pipeline.Activities) == 0 {
		return fmt.Errorf("a scheduled pipeline needs at least one activity")
	}
	set := flow.SettingsSet{Activities: c.Activities}
	if err := set.Validate(); err != nil {
		return fmt.Errorf("activities: %w", err)
	}
	return nil
}

// SettingsSet returns the configured activity settings.
func (c Config) SettingsSet() flow.SettingsSet {
	return flow.SettingsSet{Version: 1, Activities: c.Activities}
}

// Load reads the YAML config file at path. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
