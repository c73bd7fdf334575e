package relay

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/clientreport/internal/protocol"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "OUTCOME_RELAY"

// Config is the relay configuration. Values come from defaults, then the YAML
// file, then the environment.
type Config struct {
	// ListenAddr serves the envelope endpoint.
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	// MetricsAddr serves /metrics. Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`
	// UpstreamDSN is where accepted items and relay reports are forwarded.
	UpstreamDSN string `yaml:"upstream_dsn" envconfig:"UPSTREAM_DSN"`
	// FlushInterval bounds how long relay outcomes wait for a piggyback.
	FlushInterval time.Duration `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL"`
	// ShutdownTimeout bounds the final flush on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	// MaxBodyBytes limits the size of an inbound envelope.
	MaxBodyBytes int64 `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
	// QueueSize is the capacity of the upstream send queue.
	QueueSize int `yaml:"queue_size" envconfig:"QUEUE_SIZE"`

	// BlockedErrorMessages drops events whose message contains any entry.
	BlockedErrorMessages []string `yaml:"blocked_error_messages" envconfig:"BLOCKED_ERROR_MESSAGES"`
	// BlockedReleases drops events and transactions of these releases.
	BlockedReleases []string `yaml:"blocked_releases" envconfig:"BLOCKED_RELEASES"`
	// SampleRates maps a data category to the fraction of items kept.
	SampleRates map[string]float64 `yaml:"sample_rates" envconfig:"SAMPLE_RATES"`
	// RateLimits maps a data category to a token bucket.
	RateLimits map[string]RateLimit `yaml:"rate_limits" ignored:"true"`
}

// RateLimit is a token bucket refilled at PerSecond items per second.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":3000",
		MetricsAddr:     ":9090",
		FlushInterval:   30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxBodyBytes:    20 << 20,
		QueueSize:       1000,
	}
}

// LoadConfig layers the YAML file at path (if any) and the environment over
// DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.UpstreamDSN == "" {
		errs = append(errs, errors.New("upstream_dsn is required"))
	} else if _, err := protocol.NewDsn(c.UpstreamDSN); err != nil {
		errs = append(errs, fmt.Errorf("upstream_dsn: %w", err))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	for category, rate := range c.SampleRates {
		if rate < 0 || rate > 1 {
			errs = append(errs, fmt.Errorf("sample_rates[%s] must be within [0, 1], got %v", category, rate))
		}
	}
	for category, limit := range c.RateLimits {
		if limit.PerSecond < 0 || limit.Burst < 0 {
			errs = append(errs, fmt.Errorf("rate_limits[%s] must not be negative", category))
		}
	}
	return errors.Join(errs...)
}
