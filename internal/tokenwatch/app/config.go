package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aussiebroadwan/appsdk/pkg/apiclient"
)

// EnvPrefix prefixes environment overrides, e.g. APPSDK_API_KEY.
const EnvPrefix = "APPSDK"

type Config struct {
	APIKey  string `mapstructure:"api_key"`  // Required: application API key
	BaseURL string `mapstructure:"base_url"` // Optional: platform API base URL; permission lookups are skipped without it

	StorageDriver string `mapstructure:"storage_driver"` // memory, sqlite or redis (default: memory)
	DatabaseFile  string `mapstructure:"database_file"`  // SQLite file for the sqlite driver (default: ./appsdk.db)
	RedisAddr     string `mapstructure:"redis_addr"`     // Redis address for the redis drivers (default: localhost:6379)
	RedisPassword string `mapstructure:"redis_password"` // Optional
	RedisDB       int    `mapstructure:"redis_db"`       // Redis database number (default: 0)

	MessengerDriver string `mapstructure:"messenger_driver"` // none, memory or redis (default: none)
	MessageChannel  string `mapstructure:"message_channel"`  // Pub/sub channel for the redis messenger (default: appsdk:events)

	Env       string `mapstructure:"env"`        // Environment (dev, staging, prod) (default: dev)
	LogLevel  string `mapstructure:"log_level"`  // Log level (debug, info, warn, error) (default: info)
	LogFormat string `mapstructure:"log_format"` // Log format (json, text) (default: json)

	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`      // Token status report interval (default: 1m)
	ExpiryWarning       time.Duration `mapstructure:"expiry_warning"`        // Warn when the token has less than this left (default: 5m)
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"` // Graceful shutdown timeout (default: 10s)

	RateLimitRequests int           `mapstructure:"rate_limit_requests"` // Outbound requests per window, 0 disables (default: 100)
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`   // (default: 1m)
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`    // (default: 100)

	InitialToken string `mapstructure:"initial_token"` // Optional: token JSON stored at startup
}

var defaults = map[string]any{
	"api_key":               "",
	"base_url":              "",
	"storage_driver":        "memory",
	"database_file":         "appsdk.db",
	"redis_addr":            "localhost:6379",
	"redis_password":        "",
	"redis_db":              0,
	"messenger_driver":      "none",
	"message_channel":       "appsdk:events",
	"env":                   "dev",
	"log_level":             "info",
	"log_format":            "json",
	"monitor_interval":      time.Minute,
	"expiry_warning":        5 * time.Minute,
	"shutdown_grace_period": 10 * time.Second,
	"rate_limit_requests":   apiclient.DefaultRateLimit.RequestsPerWindow,
	"rate_limit_window":     apiclient.DefaultRateLimit.Window,
	"rate_limit_burst":      apiclient.DefaultRateLimit.Burst,
	"initial_token":         "",
}

// LoadConfig reads the YAML file at path, when given, and applies
// APPSDK_* environment overrides on top of the defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings LoadConfig cannot default.
func (c Config) Validate() error {
	var errs []error

	if c.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}

	switch c.StorageDriver {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown storage_driver %q", c.StorageDriver))
	}

	switch c.MessengerDriver {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown messenger_driver %q", c.MessengerDriver))
	}

	if c.MonitorInterval <= 0 {
		errs = append(errs, errors.New("monitor_interval must be positive"))
	}

	return errors.Join(errs...)
}
