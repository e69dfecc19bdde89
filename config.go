package keyalloc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level allocator configuration.
type Config struct {
	Store    StoreConfig         `yaml:"store"`
	Cache    CacheConfig         `yaml:"cache"`
	Ceilings Ceilings            `yaml:"ceilings"`
	Services map[string]Ceilings `yaml:"services"`
	Policy   string              `yaml:"policy"` // priority-lru, least-used
	Throttle ThrottleConfig      `yaml:"throttle"`
	Backoff  BackoffConfig       `yaml:"backoff"`
	Breaker  BreakerConfig       `yaml:"breaker"`
	Notify   NotifyConfig        `yaml:"notify"`
	Log      LogConfig           `yaml:"log"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // postgres, sqlite, memory
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// CacheConfig selects the optional fast cache.
type CacheConfig struct {
	Driver    string        `yaml:"driver"` // redis, memory, none
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// ThrottleConfig controls soft per-credential request spacing.
type ThrottleConfig struct {
	MinInterval time.Duration  `yaml:"min_interval"`
	Policy      ThrottlePolicy `yaml:"policy"`
}

// BreakerConfig controls the store circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// NotifyConfig configures near-quota notifications.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	WarnRatio  float64       `yaml:"warn_ratio"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text, json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: read config: %v", ErrConfiguration, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse config: %v", ErrConfiguration, err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WithDefaults fills unset optional fields. Ceilings have no default.
func (c Config) WithDefaults() Config {
	if c.Store.TablePrefix == "" {
		c.Store.TablePrefix = "keyalloc_"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Second
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "keyalloc:status:"
	}
	if c.Throttle.Policy == "" {
		c.Throttle.Policy = ThrottleAuto
	}
	if c.Backoff.Mode == "" {
		c.Backoff.Mode = BackoffFixed
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = time.Minute
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = 30 * time.Minute
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Timeout == 0 {
		c.Breaker.Timeout = 30 * time.Second
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 2 * time.Second
	}
	if c.Notify.WarnRatio == 0 {
		c.Notify.WarnRatio = 0.9
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Ceilings.Requests <= 0 {
		return fmt.Errorf("%w: ceilings.requests must be positive", ErrConfiguration)
	}
	if c.Ceilings.Tokens <= 0 {
		return fmt.Errorf("%w: ceilings.tokens must be positive", ErrConfiguration)
	}
	for name, ceil := range c.Services {
		if name == "" {
			return fmt.Errorf("%w: services: empty service name", ErrConfiguration)
		}
		if ceil.Requests < 0 || ceil.Tokens < 0 {
			return fmt.Errorf("%w: services[%s]: ceilings must not be negative", ErrConfiguration, name)
		}
	}

	switch c.Policy {
	case "", "priority-lru", "least-used":
	default:
		return fmt.Errorf("%w: policy: unknown policy %q", ErrConfiguration, c.Policy)
	}

	switch c.Store.Driver {
	case "", "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: store.driver: unknown driver %q", ErrConfiguration, c.Store.Driver)
	}
	if (c.Store.Driver == "postgres" || c.Store.Driver == "sqlite") && c.Store.DSN == "" {
		return fmt.Errorf("%w: store.dsn is required for driver %q", ErrConfiguration, c.Store.Driver)
	}

	switch c.Cache.Driver {
	case "", "none", "memory":
	case "redis":
		if c.Cache.Addr == "" {
			return fmt.Errorf("%w: cache.addr is required for redis", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: cache.driver: unknown driver %q", ErrConfiguration, c.Cache.Driver)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("%w: cache.ttl must not be negative", ErrConfiguration)
	}

	if c.Throttle.MinInterval < 0 {
		return fmt.Errorf("%w: throttle.min_interval must not be negative", ErrConfiguration)
	}
	switch c.Throttle.Policy {
	case ThrottleAuto, ThrottleSkip, ThrottleBlock:
	default:
		return fmt.Errorf("%w: throttle.policy: unknown policy %q", ErrConfiguration, c.Throttle.Policy)
	}

	if err := c.Backoff.validate(); err != nil {
		return err
	}

	if c.Notify.WarnRatio <= 0 || c.Notify.WarnRatio > 1 {
		return fmt.Errorf("%w: notify.warn_ratio must be in (0, 1]", ErrConfiguration)
	}
	if c.Notify.Timeout < 0 {
		return fmt.Errorf("%w: notify.timeout must not be negative", ErrConfiguration)
	}

	return nil
}

// CeilingsFor returns the ceilings of a service. Per-service values override
// the defaults field by field.
func (c Config) CeilingsFor(service string) Ceilings {
	ceil := c.Ceilings
	if o, ok := c.Services[service]; ok {
		if o.Requests > 0 {
			ceil.Requests = o.Requests
		}
		if o.Tokens > 0 {
			ceil.Tokens = o.Tokens
		}
	}
	return ceil
}
