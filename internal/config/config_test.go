package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyB64(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAGEWATCH_CREDENTIALS_KEY", testKeyB64(t))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 60*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 10*time.Second, cfg.Poll.MinRefreshInterval)
	assert.Equal(t, 30*time.Second, cfg.Poll.Backoff.Base)
	assert.Equal(t, 5*time.Minute, cfg.Poll.Backoff.Cap)
	assert.Equal(t, 3, cfg.Poll.Backoff.Threshold)
	assert.Equal(t, "credentials.json", cfg.Credentials.Path)
	assert.False(t, cfg.Webhook.Enabled)
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv("PAGEWATCH_CREDENTIALS_KEY", testKeyB64(t))

	path := writeConfigFile(t, `
server:
  port: "9999"
log:
  level: debug
poll:
  interval: 2m
  backoff:
    base: 45s
    cap: 10m
webhook:
  enabled: true
  url: https://hooks.example.com/x
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Minute, cfg.Poll.Interval)
	assert.Equal(t, 45*time.Second, cfg.Poll.Backoff.Base)
	assert.Equal(t, 10*time.Minute, cfg.Poll.Backoff.Cap)
	assert.True(t, cfg.Webhook.Enabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, 10*time.Second, cfg.Poll.MinRefreshInterval)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PAGEWATCH_CREDENTIALS_KEY", testKeyB64(t))

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("PAGEWATCH_CREDENTIALS_KEY", testKeyB64(t))
	t.Setenv("PAGEWATCH_SERVER_PORT", "7070")
	t.Setenv("PAGEWATCH_LOG_LEVEL", "warn")
	t.Setenv("PAGEWATCH_POLL_MIN_REFRESH_INTERVAL", "30s")

	path := writeConfigFile(t, `
server:
  port: "9999"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Poll.MinRefreshInterval)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing credentials key",
			env:     map[string]string{},
			wantErr: "validate config",
		},
		{
			name: "bad log level",
			env: map[string]string{
				"PAGEWATCH_CREDENTIALS_KEY": base64.StdEncoding.EncodeToString(make([]byte, 32)),
				"PAGEWATCH_LOG_LEVEL":       "verbose",
			},
			wantErr: "validate config",
		},
		{
			name: "metrics port clashes with api port",
			env: map[string]string{
				"PAGEWATCH_CREDENTIALS_KEY":     base64.StdEncoding.EncodeToString(make([]byte, 32)),
				"PAGEWATCH_SERVER_METRICS_PORT": "8080",
			},
			wantErr: "validate config",
		},
		{
			name: "key decodes to wrong length",
			env: map[string]string{
				"PAGEWATCH_CREDENTIALS_KEY": base64.StdEncoding.EncodeToString(make([]byte, 16)),
			},
			wantErr: "32 bytes",
		},
		{
			name: "webhook enabled without url",
			env: map[string]string{
				"PAGEWATCH_CREDENTIALS_KEY": base64.StdEncoding.EncodeToString(make([]byte, 32)),
				"PAGEWATCH_WEBHOOK_ENABLED": "true",
			},
			wantErr: "validate config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEnvToKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "PAGEWATCH_SERVER_PORT", want: "server.port"},
		{in: "PAGEWATCH_SERVER_METRICS_PORT", want: "server.metrics_port"},
		{in: "PAGEWATCH_POLL_MIN_REFRESH_INTERVAL", want: "poll.min_refresh_interval"},
		{in: "PAGEWATCH_POLL_BACKOFF_BASE", want: "poll.backoff.base"},
		{in: "PAGEWATCH_CREDENTIALS_KEY", want: "credentials.key"},
		{in: "PAGEWATCH_WEBHOOK_ICON_URL", want: "webhook.icon_url"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, envToKey(tt.in), tt.in)
	}
}

func TestDecodeKey(t *testing.T) {
	key := make([]byte, 32)
	c := CredentialsConfig{Key: base64.StdEncoding.EncodeToString(key)}

	decoded, err := c.DecodeKey()
	require.NoError(t, err)
	assert.Len(t, decoded, 32)

	_, err = CredentialsConfig{Key: "%%%not-base64"}.DecodeKey()
	assert.Error(t, err)
}
