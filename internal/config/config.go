// Package config loads the service configuration from the environment.
//
// Values are read from RECORDS_* environment variables, optionally seeded
// from a .env file in the working directory, and fall back to Default().
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "RECORDS"
	DotEnvFile = ".env"
)

type Config struct {
	HTTPAddr     string `mapstructure:"http_addr"`
	DatabasePath string `mapstructure:"database_path"`
	RepoPath     string `mapstructure:"repo_path"`

	// RedisAddr switches the lock manager, idempotency manager and index
	// queue to Redis. Empty keeps everything in-process.
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisNamespace string `mapstructure:"redis_namespace"`

	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	HookTimeout    time.Duration `mapstructure:"hook_timeout"`
	LockWait       time.Duration `mapstructure:"lock_wait"`
	LockMargin     time.Duration `mapstructure:"lock_margin"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`

	WebhookURL string `mapstructure:"webhook_url"`
	HookBuffer int    `mapstructure:"hook_buffer"`

	OTelEndpoint string `mapstructure:"otel_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`

	GitAuthorName  string `mapstructure:"git_author_name"`
	GitAuthorEmail string `mapstructure:"git_author_email"`

	RecoveryStaleAfter time.Duration `mapstructure:"recovery_stale_after"`
}

func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		DatabasePath:       "data/records.db",
		RepoPath:           "data/repo",
		RedisNamespace:     "records",
		StepTimeout:        30 * time.Second,
		HookTimeout:        5 * time.Second,
		LockWait:           10 * time.Second,
		LockMargin:         30 * time.Second,
		IdempotencyTTL:     24 * time.Hour,
		HookBuffer:         256,
		ServiceName:        "records-api",
		LogLevel:           "info",
		GitAuthorName:      "records-bot",
		GitAuthorEmail:     "records-bot@example.org",
		RecoveryStaleAfter: 5 * time.Minute,
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.DatabasePath, validation.Required),
		validation.Field(&c.RepoPath, validation.Required),
		validation.Field(&c.RedisNamespace, validation.Required),
		validation.Field(&c.StepTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.HookTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LockWait, validation.Min(time.Duration(0))),
		validation.Field(&c.LockMargin, validation.Min(time.Duration(0))),
		validation.Field(&c.IdempotencyTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.WebhookURL, is.URL),
		validation.Field(&c.HookBuffer, validation.Required, validation.Min(1)),
		validation.Field(&c.ServiceName, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "warning", "error")),
		validation.Field(&c.GitAuthorName, validation.Required),
		validation.Field(&c.GitAuthorEmail, validation.Required, is.EmailFormat),
		validation.Field(&c.RecoveryStaleAfter, validation.Required, validation.Min(time.Second)),
	)
}

// Load reads the configuration from a fresh viper session.
func Load() (Config, error) {
	return LoadFromViper(viper.New())
}

// LoadFromViper is Load on a caller supplied session, so flags bound to v
// take precedence over the environment.
func LoadFromViper(v *viper.Viper) (Config, error) {
	_ = godotenv.Load(DotEnvFile)

	cfg := Default()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, value := range defaults(cfg) {
		v.SetDefault(key, value)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults registers every key with viper; AutomaticEnv only resolves keys
// it already knows about.
func defaults(c Config) map[string]any {
	return map[string]any{
		"http_addr":            c.HTTPAddr,
		"database_path":        c.DatabasePath,
		"repo_path":            c.RepoPath,
		"redis_addr":           c.RedisAddr,
		"redis_namespace":      c.RedisNamespace,
		"step_timeout":         c.StepTimeout,
		"hook_timeout":         c.HookTimeout,
		"lock_wait":            c.LockWait,
		"lock_margin":          c.LockMargin,
		"idempotency_ttl":      c.IdempotencyTTL,
		"webhook_url":          c.WebhookURL,
		"hook_buffer":          c.HookBuffer,
		"otel_endpoint":        c.OTelEndpoint,
		"service_name":         c.ServiceName,
		"log_level":            c.LogLevel,
		"git_author_name":      c.GitAuthorName,
		"git_author_email":     c.GitAuthorEmail,
		"recovery_stale_after": c.RecoveryStaleAfter,
	}
}
