// Package config loads kernel process configuration from environment
// variables, with an optional YAML overlay file selected by
// UPR_CONFIG_FILE for settings that are awkward as env vars.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environments the kernel recognizes. Production tightens validation.
const (
	EnvDev        = "dev"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// devSecret is the placeholder signing secret for local development.
// Validate refuses it outside dev.
const devSecret = "upr-dev-only-secret"

// Config holds everything the kernel binary needs to start.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	// DatabaseURL selects Postgres when set; empty runs the embedded
	// SQLite database at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// TraceSecret feeds the HKDF that derives the interaction signing
	// key. JWTSecret verifies execution-identity bearer tokens.
	TraceSecret string
	JWTSecret   string

	// RunFanOut bounds concurrent scenario scoring per validation run.
	RunFanOut int

	// Background sweeper cadence and staleness grace windows.
	SweepInterval time.Duration
	ReplayGrace   time.Duration
	RunGrace      time.Duration

	// RedisURL enables the shared token-bucket limiter; empty falls back
	// to the in-process limiter.
	RedisURL             string
	SensitiveReadsPerDay int
	RequestsPerSecond    float64
	RequestBurst         int

	// Export sink: file (default), s3 or gcs.
	ExportBackend  string
	ExportDir      string
	ExportBucket   string
	ExportRegion   string
	ExportEndpoint string
	ExportPrefix   string

	OTelEnabled  bool
	OTLPEndpoint string
}

// Load reads configuration from environment variables, then applies the
// YAML overlay named by UPR_CONFIG_FILE when one is set.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		LogLevel:    envOr("LOG_LEVEL", "INFO"),
		Environment: envOr("UPR_ENV", EnvDev),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  envOr("UPR_SQLITE_PATH", "upr.db"),

		TraceSecret: envOr("UPR_TRACE_SECRET", devSecret),
		JWTSecret:   envOr("UPR_JWT_SECRET", devSecret),

		RunFanOut: envInt("UPR_RUN_FANOUT", 8),

		SweepInterval: envDuration("UPR_SWEEP_INTERVAL", time.Minute),
		ReplayGrace:   envDuration("UPR_REPLAY_GRACE", 30*time.Minute),
		RunGrace:      envDuration("UPR_RUN_GRACE", time.Hour),

		RedisURL:             os.Getenv("REDIS_URL"),
		SensitiveReadsPerDay: envInt("UPR_SENSITIVE_READS_PER_DAY", 1000),
		RequestsPerSecond:    envFloat("UPR_HTTP_RPS", 50),
		RequestBurst:         envInt("UPR_HTTP_BURST", 100),

		ExportBackend:  envOr("UPR_EXPORT_BACKEND", "file"),
		ExportDir:      envOr("UPR_EXPORT_DIR", "exports"),
		ExportBucket:   os.Getenv("UPR_EXPORT_BUCKET"),
		ExportRegion:   envOr("UPR_EXPORT_REGION", envOr("AWS_REGION", "us-east-1")),
		ExportEndpoint: os.Getenv("UPR_EXPORT_ENDPOINT"),
		ExportPrefix:   os.Getenv("UPR_EXPORT_PREFIX"),

		OTelEnabled:  envBool("UPR_OTEL_ENABLED", false),
		OTLPEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	if path := os.Getenv("UPR_CONFIG_FILE"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Validate rejects configurations that must not reach a running kernel.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Environment == EnvProduction {
		if c.TraceSecret == "" || c.TraceSecret == devSecret {
			return fmt.Errorf("config: UPR_TRACE_SECRET must be set in production")
		}
		if c.JWTSecret == "" || c.JWTSecret == devSecret {
			return fmt.Errorf("config: UPR_JWT_SECRET must be set in production")
		}
	}
	if c.RunFanOut < 1 {
		return fmt.Errorf("config: run fan-out must be at least 1, got %d", c.RunFanOut)
	}
	switch c.ExportBackend {
	case "file":
	case "s3", "gcs":
		if c.ExportBucket == "" {
			return fmt.Errorf("config: UPR_EXPORT_BUCKET is required for the %s backend", c.ExportBackend)
		}
	default:
		return fmt.Errorf("config: unknown export backend %q", c.ExportBackend)
	}
	return nil
}

// IsProduction reports whether the kernel runs with production rules.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
