// Package config loads process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	JWTSecret   string   `mapstructure:"JWT_SECRET"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	DirectoryBaseURL string        `mapstructure:"DIRECTORY_BASE_URL"`
	DirectoryTimeout time.Duration `mapstructure:"DIRECTORY_TIMEOUT"`

	WorkerCore         int           `mapstructure:"WORKER_CORE"`
	WorkerMax          int           `mapstructure:"WORKER_MAX"`
	WorkerQueue        int           `mapstructure:"WORKER_QUEUE"`
	WorkerKeepAlive    time.Duration `mapstructure:"WORKER_KEEPALIVE"`
	WorkerDrainTimeout time.Duration `mapstructure:"WORKER_DRAIN_TIMEOUT"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMultiplier  float64       `mapstructure:"RETRY_MULTIPLIER"`
	RetryMaxDelay    time.Duration `mapstructure:"RETRY_MAX_DELAY"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	EventsTopic  string   `mapstructure:"EVENTS_TOPIC"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SECRET", "CORS_ORIGINS", "DIRECTORY_BASE_URL", "DIRECTORY_TIMEOUT",
	"WORKER_CORE", "WORKER_MAX", "WORKER_QUEUE", "WORKER_KEEPALIVE", "WORKER_DRAIN_TIMEOUT",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY", "RETRY_MULTIPLIER", "RETRY_MAX_DELAY",
	"KAFKA_BROKERS", "EVENTS_TOPIC", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// Load reads configuration. Environment variables win over .env entries.
// The result is not validated; call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DIRECTORY_BASE_URL", "https://api.directory.local")
	v.SetDefault("DIRECTORY_TIMEOUT", "15s")
	v.SetDefault("WORKER_CORE", 5)
	v.SetDefault("WORKER_MAX", 10)
	v.SetDefault("WORKER_QUEUE", 100)
	v.SetDefault("WORKER_KEEPALIVE", "60s")
	v.SetDefault("WORKER_DRAIN_TIMEOUT", "60s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "2s")
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_MAX_DELAY", "30s")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("EVENTS_TOPIC", "intake.submission.events")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	// Bind explicitly so Unmarshal sees keys that only exist in the environment
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks the settings required to serve traffic.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" && !c.IsDev() {
		return fmt.Errorf("JWT_SECRET is required outside development (ENV=%q)", c.Env)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.WorkerCore < 1 {
		return fmt.Errorf("WORKER_CORE must be at least 1, got %d", c.WorkerCore)
	}
	if c.WorkerMax < c.WorkerCore {
		return fmt.Errorf("WORKER_MAX (%d) must not be below WORKER_CORE (%d)", c.WorkerMax, c.WorkerCore)
	}
	if c.WorkerQueue < 0 {
		return fmt.Errorf("WORKER_QUEUE must not be negative")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("RETRY_MULTIPLIER must be at least 1, got %g", c.RetryMultiplier)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %g", c.TraceSampleRate)
	}
	return nil
}
