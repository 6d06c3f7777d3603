// Package config provides configuration management for the literature search client.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the literature search client.
type Config struct {
	// Backend contains the search backend endpoints and transport settings.
	Backend BackendConfig `mapstructure:"backend" validate:"required"`
	// Search contains client-side search behavior settings.
	Search SearchConfig `mapstructure:"search"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BackendConfig holds the search backend connection settings.
type BackendConfig struct {
	// BaseURL is the root URL of the search backend (e.g. http://localhost:8080).
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Timeout is the per-request timeout for batch and resume calls.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// RateLimit is the client-side sustained request rate per second.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	// BurstSize is the client-side token bucket burst size.
	BurstSize int `mapstructure:"burst_size" validate:"gt=0"`
	// UserAgent is the User-Agent header sent with requests.
	UserAgent string `mapstructure:"user_agent"`
}

// SearchConfig holds client-side search behavior settings.
type SearchConfig struct {
	// DefaultLimit is the result cap used when a caller passes zero.
	DefaultLimit int `mapstructure:"default_limit" validate:"gt=0,lte=50"`
	// StallTimeout is how long a stream may stay silent before the client
	// falls back to a batch request.
	StallTimeout time.Duration `mapstructure:"stall_timeout" validate:"gt=0"`
	// Cooldown is the minimum interval between identical query+cap attempts.
	Cooldown time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	// Debounce is the wait applied by the debounced search entry point.
	Debounce time.Duration `mapstructure:"debounce" validate:"gte=0"`
	// RetryCeiling is the maximum rate-limit reset distance the client will
	// wait out automatically; beyond it the caller must retry manually.
	RetryCeiling time.Duration `mapstructure:"retry_ceiling" validate:"gt=0"`
	// AggregateWindow, when non-zero, forces batch mode and is forwarded to
	// the backend as the server-side coalescing window.
	AggregateWindow time.Duration `mapstructure:"aggregate_window" validate:"gte=0"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `mapstructure:"level"`
	// Format is the output format (json, console, pretty).
	Format string `mapstructure:"format"`
	// Output is the output destination (stdout, stderr).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line number to log entries.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the time format for timestamps.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled toggles metric collection.
	Enabled bool `mapstructure:"enabled"`
	// Namespace is the metric name prefix.
	Namespace string `mapstructure:"namespace"`
}

// Load reads configuration from defaults, an optional config.yaml, and
// LITSEARCH_-prefixed environment variables, then validates the result.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("LITSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use env vars and defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Backend
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.rate_limit", 10.0)
	v.SetDefault("backend.burst_size", 10)
	v.SetDefault("backend.user_agent", "Helixir-LitSearch/1.0")

	// Search
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.stall_timeout", 1500*time.Millisecond)
	v.SetDefault("search.cooldown", 30*time.Second)
	v.SetDefault("search.debounce", 500*time.Millisecond)
	v.SetDefault("search.retry_ceiling", 120*time.Second)
	v.SetDefault("search.aggregate_window", time.Duration(0))

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "litsearch")
}

// Validate checks the configuration against struct-tag constraints.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return err
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			ve := verrs[0]
			return fmt.Errorf("field %s failed %q validation", ve.Namespace(), ve.Tag())
		}
		return err
	}
	return nil
}
