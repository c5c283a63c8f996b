// Package config loads fmsession settings from the environment, an optional
// .env file and an optional fmsession.yaml using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds client, dev backend and observability settings.
type Config struct {
	// APIBaseURL is the auth API root, e.g. http://localhost:8080/api/v1.
	APIBaseURL  string        `mapstructure:"API_BASE_URL"`
	HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT"`

	// StoreDriver selects the token medium: memory, file, redis or postgres.
	StoreDriver    string `mapstructure:"STORE_DRIVER"`
	StoreNamespace string `mapstructure:"STORE_NAMESPACE"`
	// StoreDir is the file driver directory; empty means the per-user config dir.
	StoreDir    string `mapstructure:"STORE_DIR"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RefreshCheckInterval time.Duration `mapstructure:"REFRESH_CHECK_INTERVAL"`
	RefreshThreshold     time.Duration `mapstructure:"REFRESH_THRESHOLD"`
	VerifyOnInit         bool          `mapstructure:"VERIFY_ON_INIT"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// MetricsAddr serves /metrics from the watch command when set.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	TracingEnabled    bool    `mapstructure:"TRACING_ENABLED"`
	TracingEndpoint   string  `mapstructure:"TRACING_ENDPOINT"`
	TracingSampleRate float64 `mapstructure:"TRACING_SAMPLE_RATE"`

	DevAuthAddr   string        `mapstructure:"DEV_AUTH_ADDR"`
	DevAuthSecret string        `mapstructure:"DEV_AUTH_SECRET"`
	DevAccessTTL  time.Duration `mapstructure:"DEV_ACCESS_TTL"`
	DevRefreshTTL time.Duration `mapstructure:"DEV_REFRESH_TTL"`
	// DevUsers lists seed users as name:password:role[:perm,perm].
	DevUsers string `mapstructure:"DEV_USERS"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("API_BASE_URL", "http://localhost:8080/api/v1")
	v.SetDefault("HTTP_TIMEOUT", "10s")
	v.SetDefault("STORE_DRIVER", DriverFile)
	v.SetDefault("STORE_NAMESPACE", "fmsession")
	v.SetDefault("STORE_DIR", "")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REFRESH_CHECK_INTERVAL", "45s")
	v.SetDefault("REFRESH_THRESHOLD", "60s")
	v.SetDefault("VERIFY_ON_INIT", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)
	v.SetDefault("DEV_AUTH_ADDR", ":8080")
	v.SetDefault("DEV_AUTH_SECRET", "")
	v.SetDefault("DEV_ACCESS_TTL", "15m")
	v.SetDefault("DEV_REFRESH_TTL", "168h")
	v.SetDefault("DEV_USERS", "")
}

// Load reads .env and fmsession.yaml from the working directory when they
// exist, then the environment, which wins over both.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.SetConfigFile("fmsession.yaml")
	v.SetConfigType("yaml")
	_ = v.MergeInConfig()

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings shared by every binary.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory, DriverFile:
	case DriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("config: REDIS_ADDR must be set for the redis driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("config: HTTP_TIMEOUT must be positive"))
	}
	if c.RefreshCheckInterval <= 0 {
		errs = append(errs, errors.New("config: REFRESH_CHECK_INTERVAL must be positive"))
	}
	if c.RefreshThreshold <= 0 {
		errs = append(errs, errors.New("config: REFRESH_THRESHOLD must be positive"))
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, errors.New("config: TRACING_SAMPLE_RATE must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

// ValidateDevAuth checks the settings the dev auth server needs.
func (c *Config) ValidateDevAuth() error {
	if len(c.DevAuthSecret) < 32 {
		return errors.New("config: DEV_AUTH_SECRET must be at least 32 characters")
	}
	if c.DevAuthAddr == "" {
		return errors.New("config: DEV_AUTH_ADDR must be set")
	}
	return nil
}
