package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// overlay mirrors Config with optional fields so a YAML file can set
// only the keys it cares about. Durations are strings in Go syntax
// ("30m", "1h").
type overlay struct {
	Port        *string `yaml:"port"`
	LogLevel    *string `yaml:"log_level"`
	Environment *string `yaml:"environment"`

	DatabaseURL *string `yaml:"database_url"`
	SQLitePath  *string `yaml:"sqlite_path"`

	TraceSecret *string `yaml:"trace_secret"`
	JWTSecret   *string `yaml:"jwt_secret"`

	RunFanOut *int `yaml:"run_fan_out"`

	SweepInterval *string `yaml:"sweep_interval"`
	ReplayGrace   *string `yaml:"replay_grace"`
	RunGrace      *string `yaml:"run_grace"`

	RedisURL             *string  `yaml:"redis_url"`
	SensitiveReadsPerDay *int     `yaml:"sensitive_reads_per_day"`
	RequestsPerSecond    *float64 `yaml:"requests_per_second"`
	RequestBurst         *int     `yaml:"request_burst"`

	ExportBackend  *string `yaml:"export_backend"`
	ExportDir      *string `yaml:"export_dir"`
	ExportBucket   *string `yaml:"export_bucket"`
	ExportRegion   *string `yaml:"export_region"`
	ExportEndpoint *string `yaml:"export_endpoint"`
	ExportPrefix   *string `yaml:"export_prefix"`

	OTelEnabled  *bool   `yaml:"otel_enabled"`
	OTLPEndpoint *string `yaml:"otlp_endpoint"`
}

// applyFile layers a YAML overlay over cfg. Keys absent from the file
// keep their environment-derived values.
func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	setString(&cfg.Port, o.Port)
	setString(&cfg.LogLevel, o.LogLevel)
	setString(&cfg.Environment, o.Environment)
	setString(&cfg.DatabaseURL, o.DatabaseURL)
	setString(&cfg.SQLitePath, o.SQLitePath)
	setString(&cfg.TraceSecret, o.TraceSecret)
	setString(&cfg.JWTSecret, o.JWTSecret)
	setString(&cfg.RedisURL, o.RedisURL)
	setString(&cfg.ExportBackend, o.ExportBackend)
	setString(&cfg.ExportDir, o.ExportDir)
	setString(&cfg.ExportBucket, o.ExportBucket)
	setString(&cfg.ExportRegion, o.ExportRegion)
	setString(&cfg.ExportEndpoint, o.ExportEndpoint)
	setString(&cfg.ExportPrefix, o.ExportPrefix)
	setString(&cfg.OTLPEndpoint, o.OTLPEndpoint)

	if o.RunFanOut != nil {
		cfg.RunFanOut = *o.RunFanOut
	}
	if o.SensitiveReadsPerDay != nil {
		cfg.SensitiveReadsPerDay = *o.SensitiveReadsPerDay
	}
	if o.RequestsPerSecond != nil {
		cfg.RequestsPerSecond = *o.RequestsPerSecond
	}
	if o.RequestBurst != nil {
		cfg.RequestBurst = *o.RequestBurst
	}
	if o.OTelEnabled != nil {
		cfg.OTelEnabled = *o.OTelEnabled
	}

	if err := setDuration(&cfg.SweepInterval, o.SweepInterval, path, "sweep_interval"); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReplayGrace, o.ReplayGrace, path, "replay_grace"); err != nil {
		return err
	}
	return setDuration(&cfg.RunGrace, o.RunGrace, path, "run_grace")
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, path, key string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("config: overlay %s: bad %s: %w", path, key, err)
	}
	*dst = d
	return nil
}
