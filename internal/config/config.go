// Package config loads application configuration from a YAML file and
// PAGEWATCH_* environment variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PAGEWATCH_"

// Config is the root application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	Poll        PollConfig        `koanf:"poll"`
	Provider    ProviderConfig    `koanf:"provider"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Webhook     WebhookConfig     `koanf:"webhook"`
}

// ServerConfig configures the control-plane and metrics HTTP servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required,nefield=Port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// PollConfig configures the orchestrator's cycle timing and backoff.
type PollConfig struct {
	Interval           time.Duration `koanf:"interval" validate:"required"`
	MinRefreshInterval time.Duration `koanf:"min_refresh_interval" validate:"required"`
	FetchTimeout       time.Duration `koanf:"fetch_timeout" validate:"required"`
	Backoff            BackoffConfig `koanf:"backoff"`
}

// BackoffConfig configures the global failure cooldown.
type BackoffConfig struct {
	Base      time.Duration `koanf:"base" validate:"required"`
	Cap       time.Duration `koanf:"cap" validate:"required,gtefield=Base"`
	Threshold int           `koanf:"threshold" validate:"min=1"`
}

// ProviderConfig configures provider API access.
type ProviderConfig struct {
	BaseURL        string        `koanf:"base_url"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"required"`
	RateLimit      float64       `koanf:"rate_limit" validate:"min=0"`
}

// CredentialsConfig configures the file-backed credential store.
type CredentialsConfig struct {
	// Path is the store file location.
	Path string `koanf:"path" validate:"required"`
	// Key is the base64-encoded 32-byte sealing key. It can also be
	// supplied via PAGEWATCH_CREDENTIALS_KEY to keep it out of the
	// config file.
	Key string `koanf:"key" validate:"required,base64"`
}

// DecodeKey returns the raw sealing key bytes.
func (c CredentialsConfig) DecodeKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("decode credentials key: %w", err)
	}
	return key, nil
}

// WebhookConfig configures the optional incoming-webhook event sink.
type WebhookConfig struct {
	Enabled   bool    `koanf:"enabled"`
	URL       string  `koanf:"url" validate:"required_if=Enabled true,omitempty,url"`
	Username  string  `koanf:"username"`
	IconURL   string  `koanf:"icon_url"`
	RateLimit float64 `koanf:"rate_limit" validate:"min=0"`
}

// Default returns the built-in configuration. Credentials have no
// default key: one must come from file or environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Poll: PollConfig{
			Interval:           60 * time.Second,
			MinRefreshInterval: 10 * time.Second,
			FetchTimeout:       30 * time.Second,
			Backoff: BackoffConfig{
				Base:      30 * time.Second,
				Cap:       5 * time.Minute,
				Threshold: 3,
			},
		},
		Provider: ProviderConfig{
			RequestTimeout: 10 * time.Second,
			RateLimit:      5,
		},
		Credentials: CredentialsConfig{
			Path: "credentials.json",
		},
		Webhook: WebhookConfig{
			RateLimit: 1,
		},
	}
}

// Load reads configuration: defaults, then the YAML file if present,
// then environment overrides, then validation.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if key, err := cfg.Credentials.DecodeKey(); err != nil {
		return nil, err
	} else if len(key) != 32 {
		return nil, fmt.Errorf("credentials key must decode to 32 bytes, got %d", len(key))
	}

	return &cfg, nil
}

// envToKey maps PAGEWATCH_POLL_MIN_REFRESH_INTERVAL style variables to
// dotted config keys. Underscores become path separators only where a
// section name matches, so multi-word leaf keys survive.
func envToKey(s string) string {
	return sectionKey(strings.ToLower(strings.TrimPrefix(s, envPrefix)))
}

func sectionKey(s string) string {
	for _, section := range []string{"server", "log", "poll", "provider", "credentials", "webhook", "backoff"} {
		prefix := section + "_"
		if strings.HasPrefix(s, prefix) {
			return section + "." + sectionKey(strings.TrimPrefix(s, prefix))
		}
	}
	return s
}
