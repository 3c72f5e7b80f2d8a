package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_OverridesAndDefaults(t *testing.T) {
	doc := `
repository:
  data_dir: "/tmp/test_data"
  encoding: standard-v1
  compression: zstd
  queues: [ingest, "route-b"]
  wal:
    sync_mode: disabled
    max_segment_size_bytes: 8388608 # 8 MiB
tracing:
  enabled: true
  protocol: http
`
	cfg, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	repo := cfg.Repository
	assert.Equal(t, "/tmp/test_data", repo.DataDir)
	assert.Equal(t, "standard-v1", repo.Encoding)
	assert.Equal(t, "zstd", repo.Compression)
	assert.Equal(t, []string{"ingest", "route-b"}, repo.Queues)
	assert.Equal(t, WALConfig{SyncMode: "disabled", MaxSegmentSizeBytes: 8 << 20}, repo.WAL)
	assert.Equal(t, TracingConfig{Enabled: true, Endpoint: "localhost:4317", Protocol: "http"}, cfg.Tracing)

	// untouched sections
	assert.Equal(t, "5s", repo.LockTimeout)
	assert.Equal(t, LoggingConfig{Level: "info", Output: "stdout", File: "flowwal.log"}, cfg.Logging)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NestedSectionKeepsSiblingDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader("repository:\n  wal:\n    sync_mode: disabled\n"))
	require.NoError(t, err)

	assert.Equal(t, "disabled", cfg.Repository.WAL.SyncMode)
	assert.Equal(t, int64(64<<20), cfg.Repository.WAL.MaxSegmentSizeBytes)
	assert.Equal(t, "./data", cfg.Repository.DataDir)
	assert.Equal(t, "snappy", cfg.Repository.Compression)
	assert.Empty(t, cfg.Repository.Queues)
}

func TestLoad_NoDocument(t *testing.T) {
	for name, r := range map[string]io.Reader{
		"nil":   nil,
		"empty": strings.NewReader(""),
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(r)
			require.NoError(t, err)
			assert.Equal(t, defaults(), cfg)
		})
	}
}

func TestLoad_Rejects(t *testing.T) {
	t.Run("MalformedYAML", func(t *testing.T) {
		_, err := Load(strings.NewReader("repository:\n  data_dir: x\n  this: is: invalid: yaml\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode config yaml")
	})

	t.Run("UnknownKey", func(t *testing.T) {
		_, err := Load(strings.NewReader("repository:\n  compresion: lz4\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "compresion")
	})
}

func TestLoadConfig_File(t *testing.T) {
	t.Run("Present", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("repository:\n  data_dir: /var/lib/flowwal\nlogging:\n  level: debug\n"), 0644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "/var/lib/flowwal", cfg.Repository.DataDir)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("Missing", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, defaults(), cfg)
	})

	t.Run("DecodeErrorNamesFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tracing: [\n"), 0644))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), path)
	})

	t.Run("Directory", func(t *testing.T) {
		_, err := LoadConfig(t.TempDir())
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaults()
	cfg.Repository.DataDir = ""
	cfg.Repository.LockTimeout = "soon"
	cfg.Repository.Queues = []string{"a", "", "a"}
	cfg.Repository.WAL.MaxSegmentSizeBytes = -1
	cfg.Tracing = TracingConfig{Enabled: true, Protocol: "carrier-pigeon"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"data_dir", "lock_timeout", `identifier ""`, `identifier "a"`, "max_segment_size_bytes", "carrier-pigeon"} {
		assert.Contains(t, err.Error(), want)
	}

	// a disabled tracer is not checked
	cfg = defaults()
	cfg.Tracing.Protocol = "carrier-pigeon"
	assert.NoError(t, cfg.Validate())
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fallback := 10 * time.Second

	cases := map[string]time.Duration{
		"5s":    5 * time.Second,
		"500ms": 500 * time.Millisecond,
		"2m":    2 * time.Minute,
		"":      fallback,
		"0":     fallback,
		"5x":    fallback,
		"10":    fallback,
	}
	for in, want := range cases {
		t.Run("input="+in, func(t *testing.T) {
			assert.Equal(t, want, ParseDuration(in, fallback, logger))
		})
	}

	assert.Equal(t, fallback, ParseDuration("5x", fallback, nil), "a nil logger is allowed")
}
