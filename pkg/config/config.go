// Package config loads navipod settings from a YAML file and the environment.
//
// Environment variables override the file. Load returns a validated value;
// callers treat it as read-only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/navicore/navipod/pkg/cache"
	"github.com/navicore/navipod/pkg/ratelimit"
)

// ErrInvalidConfig is returned when a setting is out of range or unparsable.
var ErrInvalidConfig = errors.New("invalid config")

// Log formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config holds every tunable of the cache, the fetch pool and the surfaces around them.
type Config struct {
	// Namespace is the starting namespace ("" uses the kubeconfig context's)
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"`
	Context    string `yaml:"context"`

	Fetch    FetchConfig    `yaml:"fetch"`
	Cache    CacheConfig    `yaml:"cache"`
	Offline  string         `yaml:"offline"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// FetchConfig controls the worker pool and the upstream budget.
type FetchConfig struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	Timeout        time.Duration `yaml:"timeout"`

	// QPS and Burst limit calls against the API server (0 disables the limiter)
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

// CacheConfig controls the store, the hub and maintenance.
type CacheConfig struct {
	Capacity           int           `yaml:"capacity"`
	Shards             int           `yaml:"shards"`
	SubscriptionBuffer int           `yaml:"subscription_buffer"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	BackgroundRefresh  bool          `yaml:"background_refresh"`

	// TTLs overrides freshness windows by kind name
	TTLs map[string]time.Duration `yaml:"ttls"`
}

// SnapshotConfig enables last-known-good persistence in Redis.
type SnapshotConfig struct {
	// RedisAddr is host:port ("" disables snapshots)
	RedisAddr string        `yaml:"redis_addr"`
	Retention time.Duration `yaml:"retention"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File receives logs instead of stderr; the TUI needs the terminal
	File string `yaml:"file"`
}

// MetricsConfig controls the inspection endpoint.
type MetricsConfig struct {
	// Addr is the listen address ("" disables the endpoint)
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Fetch: FetchConfig{
			Workers:        8,
			MaxRetries:     3,
			BackoffBase:    1 * time.Second,
			BackoffCeiling: 30 * time.Second,
			Timeout:        10 * time.Second,
			QPS:            20,
			Burst:          40,
		},
		Cache: CacheConfig{
			Capacity:           2048,
			Shards:             32,
			SubscriptionBuffer: 16,
			SweepInterval:      5 * time.Second,
			BackgroundRefresh:  true,
		},
		Offline: string(ratelimit.ModeContinue),
		Snapshot: SnapshotConfig{
			Retention: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: FormatJSON,
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Namespace = getEnv("NAVIPOD_NAMESPACE", c.Namespace)
	c.Kubeconfig = getEnv("KUBECONFIG", c.Kubeconfig)
	c.Context = getEnv("NAVIPOD_CONTEXT", c.Context)
	c.Offline = getEnv("NAVIPOD_OFFLINE_MODE", c.Offline)
	c.Snapshot.RedisAddr = getEnv("NAVIPOD_REDIS_ADDR", c.Snapshot.RedisAddr)
	c.Log.Level = getEnv("NAVIPOD_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("NAVIPOD_LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("NAVIPOD_LOG_FILE", c.Log.File)
	c.Metrics.Addr = getEnv("NAVIPOD_METRICS_ADDR", c.Metrics.Addr)

	var err error
	if c.Fetch.Workers, err = envInt("NAVIPOD_WORKERS", c.Fetch.Workers); err != nil {
		return err
	}
	if c.Fetch.MaxRetries, err = envInt("NAVIPOD_MAX_RETRIES", c.Fetch.MaxRetries); err != nil {
		return err
	}
	if c.Fetch.Timeout, err = envDuration("NAVIPOD_FETCH_TIMEOUT", c.Fetch.Timeout); err != nil {
		return err
	}
	if c.Cache.Capacity, err = envInt("NAVIPOD_CACHE_CAPACITY", c.Cache.Capacity); err != nil {
		return err
	}
	if c.Snapshot.Retention, err = envDuration("NAVIPOD_SNAPSHOT_RETENTION", c.Snapshot.Retention); err != nil {
		return err
	}
	if v := os.Getenv("NAVIPOD_QPS"); v != "" {
		qps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: NAVIPOD_QPS=%q", ErrInvalidConfig, v)
		}
		c.Fetch.QPS = qps
	}
	if v := os.Getenv("NAVIPOD_BACKGROUND_REFRESH"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: NAVIPOD_BACKGROUND_REFRESH=%q", ErrInvalidConfig, v)
		}
		c.Cache.BackgroundRefresh = on
	}
	return nil
}

// Validate rejects settings the cache cannot run with.
func (c Config) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{c.Fetch.Workers > 0, "fetch.workers must be > 0"},
		{c.Fetch.MaxRetries >= 0, "fetch.max_retries must be >= 0"},
		{c.Fetch.BackoffBase > 0, "fetch.backoff_base must be > 0"},
		{c.Fetch.BackoffCeiling >= c.Fetch.BackoffBase, "fetch.backoff_ceiling must be >= backoff_base"},
		{c.Fetch.Timeout > 0, "fetch.timeout must be > 0"},
		{c.Fetch.QPS >= 0, "fetch.qps must be >= 0"},
		{c.Fetch.QPS == 0 || c.Fetch.Burst > 0, "fetch.burst must be > 0 when qps is set"},
		{c.Cache.Capacity > 0, "cache.capacity must be > 0"},
		{c.Cache.Shards > 0, "cache.shards must be > 0"},
		{c.Cache.SubscriptionBuffer > 0, "cache.subscription_buffer must be > 0"},
		{c.Cache.SweepInterval > 0, "cache.sweep_interval must be > 0"},
		{c.Snapshot.Retention > 0, "snapshot.retention must be > 0"},
		{c.Log.Format == FormatJSON || c.Log.Format == FormatConsole, "log.format must be json or console"},
	}
	for _, chk := range checks {
		if !chk.ok {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, chk.msg)
		}
	}

	if _, err := ratelimit.ParseOfflineMode(c.Offline); err != nil {
		return fmt.Errorf("%w: offline: %v", ErrInvalidConfig, err)
	}
	for name, ttl := range c.Cache.TTLs {
		if !knownKind(cache.Kind(name)) {
			return fmt.Errorf("%w: cache.ttls: unknown kind %q", ErrInvalidConfig, name)
		}
		if ttl <= 0 {
			return fmt.Errorf("%w: cache.ttls.%s must be > 0", ErrInvalidConfig, name)
		}
	}
	return nil
}

// OfflineMode returns the parsed offline mode. Validate has already checked it.
func (c Config) OfflineMode() ratelimit.OfflineMode {
	mode, _ := ratelimit.ParseOfflineMode(c.Offline)
	return mode
}

// KindTTLs returns the TTL overrides keyed by kind.
func (c Config) KindTTLs() map[cache.Kind]time.Duration {
	ttls := make(map[cache.Kind]time.Duration, len(c.Cache.TTLs))
	for name, ttl := range c.Cache.TTLs {
		ttls[cache.Kind(name)] = ttl
	}
	return ttls
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func knownKind(k cache.Kind) bool {
	switch k {
	case cache.KindReplicaSets, cache.KindPods, cache.KindContainers,
		cache.KindEvents, cache.KindIngresses, cache.KindNamespaces, cache.KindCertificates:
		return true
	}
	return false
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return n, nil
}

func envDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, v)
	}
	return d, nil
}
