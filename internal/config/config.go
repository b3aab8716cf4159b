package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	APIBaseURL   string `envconfig:"API_BASE_URL" required:"true"`
	APIKey       string `envconfig:"API_KEY"`
	APIKeyPrefix string `envconfig:"API_KEY_PREFIX" default:"manilua_"`

	TargetDir  string `envconfig:"TARGET_DIR" required:"true"`
	ScratchDir string `envconfig:"SCRATCH_DIR"`
	DBPath     string `envconfig:"DB_PATH" default:"luafetch.db"`

	FallbackEndpoints []string `envconfig:"FALLBACK_ENDPOINTS" default:"unified"`
	IdentityEndpoints []string `envconfig:"IDENTITY_ENDPOINTS"`

	PrimaryExtension string        `envconfig:"PRIMARY_EXTENSION" default:".lua"`
	MaxEntrySize     int64         `envconfig:"MAX_ENTRY_SIZE" default:"67108864"`
	ChunkSize        int           `envconfig:"CHUNK_SIZE" default:"65536"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"500ms"`

	ScratchMaxAge     time.Duration `envconfig:"SCRATCH_MAX_AGE" default:"1h"`
	StateRetention    time.Duration `envconfig:"STATE_RETENTION" default:"168h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	HostVersion       string        `envconfig:"HOST_VERSION" default:"unknown"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Probe struct {
		Concurrency int           `split_words:"true" default:"4"`
		Deadline    time.Duration `split_words:"true" default:"15s"`
	}

	HTTP struct {
		Timeout     time.Duration `split_words:"true" default:"30s"`
		MaxAttempts int           `split_words:"true" default:"3"`
		BackoffMin  time.Duration `split_words:"true" default:"500ms"`
		BackoffMax  time.Duration `split_words:"true" default:"8s"`
		UserAgent   string        `split_words:"true" default:"luafetch/1.0"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"luafetch"`
		ServiceVersion string        `split_words:"true" default:"dev"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval   time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.ScratchDir == "" {
		cfg.ScratchDir = cfg.TargetDir
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
