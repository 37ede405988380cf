// Package config loads readahead CLI settings from defaults, a config file,
// READAHEAD_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. READAHEAD_CACHE_DIR.
const EnvPrefix = "READAHEAD"

// Cache backends.
const (
	BackendDisk   = "disk"
	BackendBadger = "badger"
)

// Config is the full CLI configuration.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Read    ReadConfig    `mapstructure:"read"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CacheConfig selects and configures the block cache. An empty Dir disables it.
type CacheConfig struct {
	Dir      string `mapstructure:"dir"`
	Backend  string `mapstructure:"backend"`
	Compress bool   `mapstructure:"compress"`
}

// ReadConfig controls how the read command plans and waits for blocks.
type ReadConfig struct {
	BlockSize  int           `mapstructure:"block_size"`
	WaitBudget time.Duration `mapstructure:"wait_budget"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
	File   string `mapstructure:"file"`   // rotated log file; empty logs to stderr
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Cache: CacheConfig{Backend: BackendDisk},
		Read:  ReadConfig{BlockSize: 1 << 20},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration.
//
// Precedence, highest first: flags that were set explicitly, environment
// variables, the config file at path (optional; empty skips it), defaults.
// Flags are bound by their config key, so a flag named "cache.dir" overrides
// cache.dir.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config file not found: %s", path)
			}
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field values.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case BackendDisk, BackendBadger:
	default:
		return fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend)
	}
	if c.Read.BlockSize <= 0 {
		return fmt.Errorf("read.block_size: must be > 0, got %d", c.Read.BlockSize)
	}
	if c.Read.WaitBudget < 0 {
		return fmt.Errorf("read.wait_budget: must be >= 0, got %s", c.Read.WaitBudget)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.compress", d.Cache.Compress)
	v.SetDefault("read.block_size", d.Read.BlockSize)
	v.SetDefault("read.wait_budget", d.Read.WaitBudget)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// bindFlags binds every flag whose name, with dashes turned into
// underscores, is a known config key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"cache-dir":      "cache.dir",
	"cache-backend":  "cache.backend",
	"cache-compress": "cache.compress",
	"block-size":     "read.block_size",
	"wait-budget":    "read.wait_budget",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
	"metrics-addr":   "metrics.addr",
}
