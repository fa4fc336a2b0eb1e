// Package config loads the Guardian's process-level configuration
// (store endpoint, metrics endpoint, scheduling cadence defaults,
// logging) via viper, layering environment variables over defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/serverless-containers/guardian/internal/domain"
)

// StoreConfig points at the CouchDB-like DocStore.
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MetricsClientConfig points at the OpenTSDB-like time-series backend.
type MetricsClientConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LockConfig configures the optional Redis-backed scheduler election
// lock used in a multi-replica deployment.
type LockConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	Filename string `mapstructure:"filename"`
	MaxSize  int    `mapstructure:"max_size_mb"`
	MaxAge   int    `mapstructure:"max_age_days"`
	Compress bool   `mapstructure:"compress"`
}

// SchedulerDefaults seeds domain.ServiceConfig before the Guardian's
// own service document (fetched at each tick's LoadConfig step) is
// merged on top.
type SchedulerDefaults struct {
	WindowTimelapseSeconds int              `mapstructure:"window_timelapse_seconds"`
	WindowDelaySeconds     int              `mapstructure:"window_delay_seconds"`
	EventTimeoutSeconds    int              `mapstructure:"event_timeout_seconds"`
	Debug                  bool             `mapstructure:"debug"`
	StructureGuarded       domain.Subtype   `mapstructure:"structure_guarded"`
	GuardableResources     []domain.Resource `mapstructure:"guardable_resources"`
	CPUSharesPerWatt       int              `mapstructure:"cpu_shares_per_watt"`
	Active                 bool             `mapstructure:"active"`
	WorkerPoolMax          int              `mapstructure:"worker_pool_max"`
}

// Config is the process-wide configuration tree.
type Config struct {
	Store     StoreConfig         `mapstructure:"store"`
	Metrics   MetricsClientConfig `mapstructure:"metrics"`
	Lock      LockConfig          `mapstructure:"lock"`
	Log       LogConfig           `mapstructure:"log"`
	Scheduler SchedulerDefaults   `mapstructure:"scheduler"`
}

// setDefaults mirrors spec's CONFIG_DEFAULT_VALUES: WINDOW_TIMELAPSE=10s,
// WINDOW_DELAY=10s, EVENT_TIMEOUT=40s, GUARDABLE_RESOURCES=[cpu],
// CPU_SHARES_PER_WATT=5, STRUCTURE_GUARDED=container, ACTIVE=true,
// DEBUG=true.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.url", "http://127.0.0.1:5984")
	v.SetDefault("metrics.url", "http://127.0.0.1:4242")
	v.SetDefault("metrics.timeout", 10*time.Second)

	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("lock.ttl", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("scheduler.window_timelapse_seconds", 10)
	v.SetDefault("scheduler.window_delay_seconds", 10)
	v.SetDefault("scheduler.event_timeout_seconds", 40)
	v.SetDefault("scheduler.debug", true)
	v.SetDefault("scheduler.structure_guarded", string(domain.SubtypeContainer))
	v.SetDefault("scheduler.guardable_resources", []string{string(domain.ResourceCPU)})
	v.SetDefault("scheduler.cpu_shares_per_watt", 5)
	v.SetDefault("scheduler.active", true)
	v.SetDefault("scheduler.worker_pool_max", 64)
}

// Load reads configuration from an optional file plus environment
// variables (GUARDIAN_STORE_URL, GUARDIAN_LOCK_ENABLED, ...), in that
// precedence order (env wins).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants Load cannot express through mapstructure
// tags alone.
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("config: store.url is required")
	}
	if c.Metrics.URL == "" {
		return fmt.Errorf("config: metrics.url is required")
	}
	if c.Lock.Enabled && c.Lock.RedisURL == "" {
		return fmt.Errorf("config: lock.redis_url is required when lock.enabled")
	}
	if c.Scheduler.WindowTimelapseSeconds <= 0 {
		return fmt.Errorf("config: scheduler.window_timelapse_seconds must be positive")
	}
	if c.Scheduler.WorkerPoolMax <= 0 {
		return fmt.Errorf("config: scheduler.worker_pool_max must be positive")
	}
	for _, r := range c.Scheduler.GuardableResources {
		if !r.Valid() {
			return fmt.Errorf("config: unknown guardable resource %q", r)
		}
	}
	return nil
}

// ServiceDefaults builds the domain.ServiceConfig the TickScheduler
// falls back to before a services/guardian document overrides it.
func (c *Config) ServiceDefaults() domain.ServiceConfig {
	return domain.ServiceConfig{
		WindowTimelapseSeconds: c.Scheduler.WindowTimelapseSeconds,
		WindowDelaySeconds:     c.Scheduler.WindowDelaySeconds,
		EventTimeoutSeconds:    c.Scheduler.EventTimeoutSeconds,
		Debug:                  c.Scheduler.Debug,
		StructureGuarded:       c.Scheduler.StructureGuarded,
		GuardableResources:     c.Scheduler.GuardableResources,
		CPUSharesPerWatt:       c.Scheduler.CPUSharesPerWatt,
		Active:                c.Scheduler.Active,
	}
}
