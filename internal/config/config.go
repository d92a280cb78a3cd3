// Package config loads the gateway server configuration from an optional
// YAML file and LUCENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// Development switches zap to the console encoder.
	Development bool `mapstructure:"development"`

	StorageDriver string `mapstructure:"storage_driver" validate:"oneof=sqlite pebble"`
	StoragePath   string `mapstructure:"storage_path" validate:"required"`
	PebbleBatch   bool   `mapstructure:"pebble_batch"`

	UpstreamBaseURL string        `mapstructure:"upstream_base_url" validate:"omitempty,url"`
	Transport       string        `mapstructure:"transport" validate:"oneof=http fiber"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	BearerToken     string        `mapstructure:"bearer_token"`

	DedupEnabled bool          `mapstructure:"dedup_enabled"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl" validate:"gt=0"`

	OptimisticEnabled         bool          `mapstructure:"optimistic_enabled"`
	OptimisticTTL             time.Duration `mapstructure:"optimistic_ttl" validate:"gt=0"`
	OptimisticRollbackExpired bool          `mapstructure:"optimistic_rollback_expired"`

	DispatchWorkers        int           `mapstructure:"dispatch_workers" validate:"min=1"`
	DispatchRPS            float64       `mapstructure:"dispatch_rps" validate:"min=0"`
	DispatchRequestTimeout time.Duration `mapstructure:"dispatch_request_timeout" validate:"gte=0"`

	// SweepInterval is how often expired cache and optimistic entries are
	// dropped. Zero disables the sweeper.
	SweepInterval   time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	AllowedOrigins  string        `mapstructure:"allowed_origins"`
}

// Load reads config.yaml from the usual locations, then the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads path when set instead of searching for config.yaml. A
// missing default file is not an error; a missing explicit path is.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/lucent/")
		v.AddConfigPath("$HOME/.lucent")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("LUCENT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the listen address for the gateway.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
