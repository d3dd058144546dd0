// Package config loads the diffd configuration document.
//
// The configuration file controls where diffs are fetched from and how the
// ingestion cycle is paced. It is read exactly once at startup and treated
// as immutable for the process lifetime; changing pacing or the upstream
// location requires a restart.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the ingestion settings read from the configuration file.
type Config struct {
	// UpstreamURL is the base location of the replication source. The
	// resolver expects state.txt and AAA/BBB/CCC.osc.gz below it.
	UpstreamURL string `mapstructure:"upstream_url"`

	// Interval is how long the scheduler waits between cycle attempts.
	Interval time.Duration `mapstructure:"-"`

	// MaxBatch caps how many sequences a single cycle may apply.
	MaxBatch int `mapstructure:"max_batch"`

	// InvocationTimeout bounds a single transform engine run. On expiry the
	// engine process group is killed and the sequence counts as failed.
	InvocationTimeout time.Duration `mapstructure:"-"`

	// RetryBackoff is the initial pause after a failed payload fetch before
	// it is retried within the same cycle. Doubles up to RetryBackoffMax.
	RetryBackoff    time.Duration `mapstructure:"-"`
	RetryBackoffMax time.Duration `mapstructure:"-"`

	// AlertAfterFailures is the consecutive-failure count at which apply
	// failures are escalated from warnings to high-severity alerts.
	// Retries continue at the normal interval regardless.
	AlertAfterFailures int `mapstructure:"alert_after_failures"`

	// ExpireZoom is the zoom level at which the engine records expired
	// tiles. Matches the tile server's cache granularity.
	ExpireZoom int `mapstructure:"expire_zoom"`
}

// raw mirrors the file's duration fields, which are plain second counts.
type raw struct {
	IntervalSeconds        int `mapstructure:"interval_seconds"`
	TimeoutSeconds         int `mapstructure:"timeout_seconds"`
	RetryBackoffSeconds    int `mapstructure:"retry_backoff_seconds"`
	RetryBackoffMaxSeconds int `mapstructure:"retry_backoff_max_seconds"`
}

// Load reads the configuration file at path.
//
// Unset keys fall back to defaults suitable for minutely replication
// against a planet-scale upstream. The returned Config is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("interval_seconds", 3600)
	v.SetDefault("max_batch", 30)
	v.SetDefault("timeout_seconds", 1800)
	v.SetDefault("retry_backoff_seconds", 5)
	v.SetDefault("retry_backoff_max_seconds", 60)
	v.SetDefault("alert_after_failures", 3)
	v.SetDefault("expire_zoom", 16)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	var r raw
	if err := v.Unmarshal(&r); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Interval = time.Duration(r.IntervalSeconds) * time.Second
	cfg.InvocationTimeout = time.Duration(r.TimeoutSeconds) * time.Second
	cfg.RetryBackoff = time.Duration(r.RetryBackoffSeconds) * time.Second
	cfg.RetryBackoffMax = time.Duration(r.RetryBackoffMaxSeconds) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// LockStaleThreshold is the age beyond which a cache directory lock is
// considered abandoned: twice the worst-case cycle duration (per-invocation
// timeout times the batch cap). Used by the daemon to report a dead holder
// and by the unlock command to gate reclamation.
func (c *Config) LockStaleThreshold() time.Duration {
	return 2 * c.InvocationTimeout * time.Duration(c.MaxBatch)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval_seconds must be positive (got %s)", c.Interval)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("max_batch must be positive (got %d)", c.MaxBatch)
	}
	if c.InvocationTimeout <= 0 {
		return fmt.Errorf("timeout_seconds must be positive (got %s)", c.InvocationTimeout)
	}
	if c.RetryBackoff <= 0 || c.RetryBackoffMax < c.RetryBackoff {
		return fmt.Errorf("retry backoff must be positive and max >= initial")
	}
	if c.AlertAfterFailures <= 0 {
		return fmt.Errorf("alert_after_failures must be positive (got %d)", c.AlertAfterFailures)
	}
	if c.ExpireZoom < 0 || c.ExpireZoom > 20 {
		return fmt.Errorf("expire_zoom must be between 0 and 20 (got %d)", c.ExpireZoom)
	}
	return nil
}
