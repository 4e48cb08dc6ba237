package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	tmpDir := t.TempDir()

	largeFile := filepath.Join(tmpDir, "large.yaml")
	data := strings.Repeat("x: value\n", 200000) // ~1.6MB
	if err := os.WriteFile(largeFile, []byte(data), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	_, err := LoadConfig(largeFile)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := LoadConfig(writeConfig(t, "audit:\n  backend: memory\n"))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(52428800), cfg.MaxItemSize)
	assert.Equal(t, []string{"jpg", "jpeg", "png", "tif", "tiff"}, cfg.AllowedFormats)
	assert.False(t, cfg.ExportRequiresLabel)
	assert.Equal(t, "csv", cfg.TableExportFormat)
	assert.Equal(t, 5*time.Second, cfg.Audit.Timeout)
	assert.Equal(t, "none", cfg.Transcription.Provider)
	assert.Equal(t, "es", cfg.Transcription.Language)
	assert.Equal(t, 9090, cfg.Observability.Port)
}

func TestLoadConfig_ValidFile(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
session_timeout: 10m
sweep_interval: 2s
max_item_size: 1048576
allowed_formats: [png]
export_requires_label: true
table_export_format: jsonl
audit:
  backend: file
  file:
    dir: /tmp/audit
auth:
  users:
    dr.garcia:
      name: Dra. Garcia
      password_hash: $2a$10$abcdefghijklmnopqrstuv
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 2*time.Second, cfg.SweepInterval)
	assert.Equal(t, int64(1048576), cfg.MaxItemSize)
	assert.Equal(t, []string{"png"}, cfg.AllowedFormats)
	assert.True(t, cfg.ExportRequiresLabel)
	assert.Equal(t, "jsonl", cfg.TableExportFormat)
	assert.Equal(t, "/tmp/audit", cfg.Audit.File.Dir)
	assert.Equal(t, "Dra. Garcia", cfg.Auth.Users["dr.garcia"].Name)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig(writeConfig(t, `
audit:
  backend: redis
transcription:
  provider: openai
`))
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Audit.Redis.Addr)
	assert.Equal(t, "sk-test", cfg.Transcription.APIKey)
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "session_timeout: 10m\ninvalid yaml here: [[[\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"negative timeout", func(c *Config) { c.SessionTimeout = -time.Second }, "session_timeout"},
		{"sweep longer than timeout", func(c *Config) { c.SweepInterval = time.Hour }, "sweep_interval"},
		{"unsupported format", func(c *Config) { c.AllowedFormats = []string{"gif"} }, "unsupported format"},
		{"bad table format", func(c *Config) { c.TableExportFormat = "parquet" }, "table_export_format"},
		{"unknown backend", func(c *Config) { c.Audit.Backend = "s3" }, "unknown audit.backend"},
		{"redis without addr", func(c *Config) { c.Audit.Backend = "redis" }, "audit.redis.addr"},
		{"badger without dir", func(c *Config) { c.Audit.Backend = "badger" }, "audit.badger.dir"},
		{"postgres without dsn", func(c *Config) { c.Audit.Backend = "postgres" }, "audit.postgres.dsn"},
		{"unknown mirror", func(c *Config) { c.Audit.Mirrors = []string{"kafka"} }, "unknown audit mirror"},
		{"openai without key", func(c *Config) { c.Transcription.Provider = "openai" }, "api_key"},
		{"unknown exporter", func(c *Config) { c.Observability.Tracing.Exporter = "zipkin" }, "exporter"},
		{"user without hash", func(c *Config) {
			c.Auth.Users = map[string]UserConfig{"x": {Name: "X"}}
		}, "password_hash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, "file", cfg.Audit.Backend)
	assert.Equal(t, "sk-env", cfg.Transcription.APIKey)
}
