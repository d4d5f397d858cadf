package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setEnvs is a helper that sets multiple env vars for the test.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.HTTPPort)
	assert.Equal(t, "http://localhost:8080", cfg.BackendURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.IdleContextTTL)
	assert.Equal(t, StoreRedis, cfg.RetryStore)
	assert.True(t, cfg.OfflineFallback)
	assert.Equal(t, 5.0, cfg.RetryResendRate)
	assert.Equal(t, 5, cfg.RetryResendBurst)
	assert.False(t, cfg.EventsEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	setEnvs(t, map[string]string{
		"HTTP_PORT":     "9000",
		"BACKEND_URL":   "https://api.example.com/v1",
		"POLL_INTERVAL": "500ms",
		"RETRY_STORE":   "postgres",
		"KAFKA_BROKERS": "k1:9092,k2:9092",
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "https://api.example.com/v1", cfg.BackendURL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, StorePostgres, cfg.RetryStore)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.EventsEnabled())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		envs    map[string]string
		wantErr string
	}{
		{"port out of range", map[string]string{"HTTP_PORT": "70000"}, "invalid HTTP port"},
		{"backend url not absolute", map[string]string{"BACKEND_URL": "localhost"}, "BACKEND_URL"},
		{"backend url scheme", map[string]string{"BACKEND_URL": "ftp://host"}, "http or https"},
		{"unknown retry store", map[string]string{"RETRY_STORE": "sqlite"}, "RETRY_STORE"},
		{"zero poll interval", map[string]string{"POLL_INTERVAL": "0s"}, "POLL_INTERVAL"},
		{"sample rate", map[string]string{"OTEL_SAMPLE_RATE": "1.5"}, "OTEL_SAMPLE_RATE"},
		{"resend rate", map[string]string{"RETRY_RESEND_RATE": "0"}, "RETRY_RESEND_RATE"},
		{"resend burst", map[string]string{"RETRY_RESEND_BURST": "0"}, "RETRY_RESEND_BURST"},
		{"failure ratio", map[string]string{"CB_FAILURE_RATIO": "0"}, "CB_FAILURE_RATIO"},
		{"bad duration", map[string]string{"BACKEND_TIMEOUT": "soon"}, "parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnvs(t, tt.envs)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
