// Package config loads and validates the application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds the config file read.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	// Session lifecycle
	SessionTimeout time.Duration `yaml:"session_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// Ingestion policy
	MaxItemSize    int64    `yaml:"max_item_size"`
	AllowedFormats []string `yaml:"allowed_formats"`

	// Export policy
	ExportRequiresLabel bool   `yaml:"export_requires_label"`
	TableExportFormat   string `yaml:"table_export_format"` // csv, jsonl

	Audit         AuditConfig         `yaml:"audit"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// AuditConfig selects and configures the audit sink.
type AuditConfig struct {
	Backend string        `yaml:"backend"` // memory, file, redis, badger, firestore, postgres
	Timeout time.Duration `yaml:"timeout"`
	// Mirrors lists extra backends every record is also written to.
	// Only "stdout" is supported.
	Mirrors []string `yaml:"mirrors"`

	File      FileAuditConfig      `yaml:"file"`
	Redis     RedisAuditConfig     `yaml:"redis"`
	Badger    BadgerAuditConfig    `yaml:"badger"`
	Firestore FirestoreAuditConfig `yaml:"firestore"`
	Postgres  PostgresAuditConfig  `yaml:"postgres"`
}

// FileAuditConfig configures the JSONL file sink.
type FileAuditConfig struct {
	Dir string `yaml:"dir"`
}

// RedisAuditConfig configures the Redis sink.
type RedisAuditConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BadgerAuditConfig configures the Badger sink.
type BadgerAuditConfig struct {
	Dir string `yaml:"dir"`
}

// FirestoreAuditConfig configures the Firestore sink.
type FirestoreAuditConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
}

// PostgresAuditConfig configures the Postgres sink.
type PostgresAuditConfig struct {
	DSN            string `yaml:"dsn"`
	SkipMigrations bool   `yaml:"skip_migrations"`
}

// TranscriptionConfig configures the speech-to-text collaborator.
type TranscriptionConfig struct {
	Provider          string        `yaml:"provider"` // none, openai
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	Language          string        `yaml:"language"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// ObservabilityConfig configures the HTTP surface and tracing.
type ObservabilityConfig struct {
	Port    int           `yaml:"port"`
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlp
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// AuthConfig holds clinician credentials. An empty user set runs anonymous.
type AuthConfig struct {
	Users map[string]UserConfig `yaml:"users"`
}

// UserConfig is one clinician login.
type UserConfig struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load is LoadConfig for a non-empty path. An empty path yields the defaults
// with environment overrides applied.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadConfig(path)
	}
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads configuration from a YAML file, applies defaults and
// environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path supplied by operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.MaxItemSize == 0 {
		c.MaxItemSize = 50 * 1024 * 1024
	}
	if len(c.AllowedFormats) == 0 {
		c.AllowedFormats = []string{"jpg", "jpeg", "png", "tif", "tiff"}
	}
	if c.TableExportFormat == "" {
		c.TableExportFormat = "csv"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "file"
	}
	if c.Audit.Timeout == 0 {
		c.Audit.Timeout = 5 * time.Second
	}
	if c.Transcription.Provider == "" {
		c.Transcription.Provider = "none"
	}
	if c.Transcription.Model == "" {
		c.Transcription.Model = "whisper-1"
	}
	if c.Transcription.Language == "" {
		c.Transcription.Language = "es"
	}
	if c.Transcription.Timeout == 0 {
		c.Transcription.Timeout = 2 * time.Minute
	}
	if c.Transcription.RequestsPerSecond == 0 {
		c.Transcription.RequestsPerSecond = 1
	}
	if c.Transcription.Burst == 0 {
		c.Transcription.Burst = 3
	}
	if c.Observability.Port == 0 {
		c.Observability.Port = 9090
	}
	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = "none"
	}
	if c.Observability.Tracing.SampleRate == 0 {
		c.Observability.Tracing.SampleRate = 1.0
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = "ophthalmocapture"
	}
}

// applyEnv fills secrets and endpoints from the environment when the file
// leaves them empty.
func (c *Config) applyEnv() {
	if c.Transcription.APIKey == "" {
		c.Transcription.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Audit.Firestore.ProjectID == "" {
		c.Audit.Firestore.ProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if c.Audit.Firestore.CredentialsFile == "" {
		c.Audit.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if c.Audit.Redis.Addr == "" {
		c.Audit.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Audit.Postgres.DSN == "" {
		c.Audit.Postgres.DSN = os.Getenv("DATABASE_URL")
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.SessionTimeout <= 0 {
		errs = append(errs, errors.New("session_timeout must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	} else if c.SweepInterval > c.SessionTimeout {
		errs = append(errs, fmt.Errorf("sweep_interval %s exceeds session_timeout %s", c.SweepInterval, c.SessionTimeout))
	}
	if c.MaxItemSize <= 0 {
		errs = append(errs, errors.New("max_item_size must be positive"))
	}
	for _, f := range c.AllowedFormats {
		if !slices.Contains(supportedFormats, strings.ToLower(strings.TrimPrefix(f, "."))) {
			errs = append(errs, fmt.Errorf("allowed_formats: unsupported format %q", f))
		}
	}
	switch c.TableExportFormat {
	case "csv", "jsonl":
	default:
		errs = append(errs, fmt.Errorf("table_export_format must be csv or jsonl, got %q", c.TableExportFormat))
	}

	switch c.Audit.Backend {
	case "memory", "file", "badger":
	case "redis":
		if c.Audit.Redis.Addr == "" {
			errs = append(errs, errors.New("audit.redis.addr is required for the redis backend"))
		}
	case "firestore":
		if c.Audit.Firestore.ProjectID == "" {
			errs = append(errs, errors.New("audit.firestore.project_id is required for the firestore backend"))
		}
	case "postgres":
		if c.Audit.Postgres.DSN == "" {
			errs = append(errs, errors.New("audit.postgres.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit.backend %q", c.Audit.Backend))
	}
	if c.Audit.Backend == "badger" && c.Audit.Badger.Dir == "" {
		errs = append(errs, errors.New("audit.badger.dir is required for the badger backend"))
	}
	for _, m := range c.Audit.Mirrors {
		if m != "stdout" {
			errs = append(errs, fmt.Errorf("unknown audit mirror %q", m))
		}
	}

	switch c.Transcription.Provider {
	case "none":
	case "openai":
		if c.Transcription.APIKey == "" && c.Transcription.BaseURL == "" {
			errs = append(errs, errors.New("transcription.api_key (or OPENAI_API_KEY) is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transcription.provider %q", c.Transcription.Provider))
	}
	if c.Transcription.RequestsPerSecond < 0 || c.Transcription.Burst < 0 {
		errs = append(errs, errors.New("transcription rate limits must not be negative"))
	}

	switch c.Observability.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("unknown observability.tracing.exporter %q", c.Observability.Tracing.Exporter))
	}

	for user, u := range c.Auth.Users {
		if u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("auth.users.%s: password_hash is required", user))
		}
	}

	return errors.Join(errs...)
}

var supportedFormats = []string{"jpg", "jpeg", "png", "tif", "tiff"}
