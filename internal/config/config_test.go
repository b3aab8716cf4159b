package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TARGET_DIR", "/data/plugins")
	t.Setenv("API_BASE_URL", "http://backend.local")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/plugins", cfg.TargetDir)
	assert.Equal(t, "/data/plugins", cfg.ScratchDir)
	assert.Equal(t, []string{"unified"}, cfg.FallbackEndpoints)
	assert.Equal(t, ".lua", cfg.PrimaryExtension)
	assert.Equal(t, int64(64*1024*1024), cfg.MaxEntrySize)
	assert.Equal(t, 4, cfg.Probe.Concurrency)
	assert.Equal(t, 15*time.Second, cfg.Probe.Deadline)
	assert.Equal(t, 3, cfg.HTTP.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TARGET_DIR", "/data/plugins")
	t.Setenv("API_BASE_URL", "http://backend.local")
	t.Setenv("SCRATCH_DIR", "/tmp/scratch")
	t.Setenv("IDENTITY_ENDPOINTS", "personal,vip")
	t.Setenv("PROBE_CONCURRENCY", "8")
	t.Setenv("HTTP_MAX_ATTEMPTS", "5")
	t.Setenv("API_USERNAME", "admin")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/scratch", cfg.ScratchDir)
	assert.Equal(t, []string{"personal", "vip"}, cfg.IdentityEndpoints)
	assert.Equal(t, 8, cfg.Probe.Concurrency)
	assert.Equal(t, 5, cfg.HTTP.MaxAttempts)
	assert.Equal(t, "admin", cfg.API.Username)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_RequiresTargetDir(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://backend.local")
	t.Setenv("TARGET_DIR", "")
	require.NoError(t, os.Unsetenv("TARGET_DIR"))

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"bogus": slog.LevelInfo,
	}

	for in, want := range tests {
		c := &Config{LogLevel: in}
		assert.Equal(t, want, c.SlogLevel(), in)
	}
}
