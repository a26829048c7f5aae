// Package config loads the fedfs configuration from
// $FEDFS_CONFIG_DIR/config.yaml and the FEDFS_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"fedfs/internal/artifacts"
	"fedfs/internal/cache"
	"fedfs/internal/controller"
	"fedfs/internal/pool"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FEDFS"

// Dir returns the config directory: FEDFS_CONFIG_DIR if set, otherwise
// ~/.fedfs. It is computed on every call so tests can isolate it.
func Dir() string {
	if dir := os.Getenv("FEDFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fedfs")
}

// Path returns the path of the config file.
func Path() string {
	return filepath.Join(Dir(), "config.yaml")
}

// LockPath returns the path of the lock file serializing CLI processes.
func LockPath() string {
	return filepath.Join(Dir(), "fedfs.lock")
}

// Init creates the config directory and writes the default config file
// unless one exists.
func Init() error {
	if err := os.MkdirAll(Dir(), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(Path()); os.IsNotExist(err) {
		if err := os.WriteFile(Path(), artifacts.DefaultConfig, 0600); err != nil {
			return fmt.Errorf("failed to create default config: %w", err)
		}
	}
	return nil
}

// PoolConfig selects where cached content is buffered.
type PoolConfig struct {
	Kind string `yaml:"kind" envconfig:"KIND"` // memory or temp
	Dir  string `yaml:"dir" envconfig:"DIR"`
}

// Config holds all settings.
type Config struct {
	LogLevel          string            `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Pool              PoolConfig        `yaml:"pool" envconfig:"POOL"`
	WaitTimeout       time.Duration     `yaml:"wait_timeout" envconfig:"WAIT_TIMEOUT"`
	LockRetryMinDelay time.Duration     `yaml:"lock_retry_min_delay" envconfig:"LOCK_RETRY_MIN_DELAY"`
	LockRetryMaxDelay time.Duration     `yaml:"lock_retry_max_delay" envconfig:"LOCK_RETRY_MAX_DELAY"`
	NestedLockTimeout time.Duration     `yaml:"nested_lock_timeout" envconfig:"NESTED_LOCK_TIMEOUT"`
	SyncRetryLimit    int               `yaml:"sync_retry_limit" envconfig:"SYNC_RETRY_LIMIT"`
	LeakTracing       bool              `yaml:"leak_tracing" envconfig:"LEAK_TRACING"`
	CacheStrategy     string            `yaml:"cache_strategy" envconfig:"CACHE_STRATEGY"`
	Suffixes          map[string]string `yaml:"suffixes" envconfig:"SUFFIXES"`
}

// Default returns the settings of the embedded default config file.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	return &cfg
}

// Load reads the config file, falling back to the defaults for a missing
// file or missing settings, then applies the environment.
func Load() (*Config, error) {
	return LoadFromPath(Path())
}

// LoadFromPath is Load with an explicit config file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Settings missing from the file keep their defaults, a suffix map
		// in the file replaces the default one.
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if file.Suffixes != nil {
			cfg.Suffixes = nil
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		log.Debugf("[Config] %s not found, using defaults", path)
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Pool.Kind) {
	case "", "memory", "temp":
	default:
		return fmt.Errorf("unknown pool kind %q", c.Pool.Kind)
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	if c.WaitTimeout < 0 || c.NestedLockTimeout < 0 || c.SyncRetryLimit < 0 {
		return fmt.Errorf("negative timeout or limit in config")
	}
	if c.LockRetryMinDelay > c.LockRetryMaxDelay {
		return fmt.Errorf("lock_retry_min_delay %s exceeds lock_retry_max_delay %s", c.LockRetryMinDelay, c.LockRetryMaxDelay)
	}
	return nil
}

// Level returns the log level. "off" and "none" only log panics.
func (c *Config) Level() (log.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "", "off", "none":
		return log.PanicLevel, nil
	default:
		lvl, err := log.ParseLevel(c.LogLevel)
		if err != nil {
			return 0, fmt.Errorf("invalid log level: %w", err)
		}
		return lvl, nil
	}
}

// Strategy returns the cache strategy.
func (c *Config) Strategy() (cache.Strategy, error) {
	switch strings.ToLower(c.CacheStrategy) {
	case "", "write-back":
		return cache.WriteBack, nil
	case "write-through":
		return cache.WriteThrough, nil
	default:
		return 0, fmt.Errorf("unknown cache strategy %q", c.CacheStrategy)
	}
}

// Controller returns the tuning of the controller chains.
func (c *Config) Controller() controller.Config {
	strategy, _ := c.Strategy()
	return controller.Config{
		WaitTimeout:       c.WaitTimeout,
		LockRetryMinDelay: c.LockRetryMinDelay,
		LockRetryMaxDelay: c.LockRetryMaxDelay,
		NestedLockTimeout: c.NestedLockTimeout,
		SyncRetryLimit:    c.SyncRetryLimit,
		LeakTracing:       c.LeakTracing,
		CacheStrategy:     strategy,
	}
}

// NewPool returns the configured buffer pool.
func (c *Config) NewPool() (*pool.Pool, error) {
	if strings.ToLower(c.Pool.Kind) != "temp" {
		return pool.NewMemory(), nil
	}
	dir := c.Pool.Dir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), fmt.Sprintf("fedfs-%d", os.Getpid()))
	}
	return pool.NewTemp(dir)
}
