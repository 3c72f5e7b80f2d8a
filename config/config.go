package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// RepositoryConfig holds the record repository configuration.
type RepositoryConfig struct {
	DataDir     string `yaml:"data_dir"`
	Encoding    string `yaml:"encoding"`    // e.g., "standard", "standard-v1"
	Compression string `yaml:"compression"` // "none", "snappy", "lz4" or "zstd"
	// Queues lists the queue identifiers recovered records are routed to.
	Queues      []string  `yaml:"queues"`
	LockTimeout string    `yaml:"lock_timeout"`
	WAL         WALConfig `yaml:"wal"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Repository RepositoryConfig `yaml:"repository"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

func defaults() *Config {
	return &Config{
		Repository: RepositoryConfig{
			DataDir:     "./data",
			Encoding:    "standard",
			Compression: "snappy",
			LockTimeout: "5s",
			WAL: WALConfig{
				SyncMode:            "always",
				MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "flowwal.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load decodes a YAML document from r on top of the defaults. A nil
// reader or an empty document yields the defaults. Unknown keys are
// rejected so that a misspelled setting is not silently ignored.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()
	if r == nil {
		return cfg, nil
	}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads the YAML file at path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Load(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	cfg, err := Load(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every setting that cannot be used, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Repository.DataDir == "" {
		errs = append(errs, errors.New("repository.data_dir must be set"))
	}
	if c.Repository.WAL.MaxSegmentSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("repository.wal.max_segment_size_bytes must not be negative, got %d", c.Repository.WAL.MaxSegmentSizeBytes))
	}
	if c.Repository.LockTimeout != "" {
		if _, err := time.ParseDuration(c.Repository.LockTimeout); err != nil {
			errs = append(errs, fmt.Errorf("repository.lock_timeout: %w", err))
		}
	}
	seen := make(map[string]bool, len(c.Repository.Queues))
	for _, q := range c.Repository.Queues {
		if q == "" || seen[q] {
			errs = append(errs, fmt.Errorf("repository.queues: empty or duplicate identifier %q", q))
		}
		seen[q] = true
	}
	if c.Tracing.Enabled {
		switch strings.ToLower(c.Tracing.Protocol) {
		case "grpc", "http":
		default:
			errs = append(errs, fmt.Errorf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol))
		}
	}
	return errors.Join(errs...)
}
