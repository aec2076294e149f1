package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

const (
	maxRequestsPerMinute = 800
	maxBatchSize         = 100
	maxWorkers           = 10
)

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Source      SourceConfig      `toml:"source"`
	Destination DestinationConfig `toml:"destination"`
	Database    DatabaseConfig    `toml:"database"`
	Migration   MigrationConfig   `toml:"migration"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Retry       RetryConfig       `toml:"retry"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Logging     LoggingConfig     `toml:"logging"`
}

// SourceConfig locates the document export.
type SourceConfig struct {
	DocumentsPath  string `toml:"documents_path"`
	MetadataCSV    string `toml:"metadata_csv"`
	AttachmentsURL string `toml:"attachments_url"` // gocloud blob URL, e.g. file:///exports/attachments
}

// DestinationConfig contains the remote knowledge base endpoint and credentials.
type DestinationConfig struct {
	BaseURL         string `toml:"base_url"`
	UploadURL       string `toml:"upload_url"`
	Subdomain       string `toml:"subdomain"`
	APIToken        string `toml:"api_token"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	DefaultCategory string `toml:"default_category"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// MigrationConfig shapes batching, concurrency and resume behavior.
type MigrationConfig struct {
	BatchSize                 int   `toml:"batch_size"`
	Workers                   int   `toml:"workers"`
	MaxRetries                int   `toml:"max_retries"`
	SkipExisting              bool  `toml:"skip_existing"`
	DryRun                    bool  `toml:"dry_run"`
	CheckpointIntervalSeconds int   `toml:"checkpoint_interval_seconds"`
	MaxAttachmentBytes        int64 `toml:"max_attachment_bytes"`
}

// RateLimitConfig bounds outbound requests.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// RetryConfig configures backoff for transient failures of a single remote call.
type RetryConfig struct {
	MaxAttempts         int     `toml:"max_attempts"`
	BaseDelayMillis     int     `toml:"base_delay_ms"`
	MaxDelayMillis      int     `toml:"max_delay_ms"`
	MaxTotalWaitSeconds int     `toml:"max_total_wait_seconds"`
	Jitter              float64 `toml:"jitter"`
}

// BreakerConfig configures the per error kind circuit breaker.
type BreakerConfig struct {
	Threshold       int `toml:"threshold"`
	WindowSeconds   int `toml:"window_seconds"`
	CooldownSeconds int `toml:"cooldown_seconds"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Values missing from the file keep the embedded defaults and environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyEnv()
	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnv() {
	if token := os.Getenv("KBMIGRATE_API_TOKEN"); token != "" {
		c.Destination.APIToken = token
	}
	if sub := os.Getenv("KBMIGRATE_SUBDOMAIN"); sub != "" {
		c.Destination.Subdomain = sub
	}
}

// Validate checks value ranges; credentials are only required when the run talks to the remote.
func (c *Config) Validate() error {
	switch {
	case c.Source.DocumentsPath == "":
		return fmt.Errorf("%w: source.documents_path is required", ErrInvalidConfig)
	case c.Database.Path == "":
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	case c.RateLimit.RequestsPerMinute < 1 || c.RateLimit.RequestsPerMinute > maxRequestsPerMinute:
		return fmt.Errorf("%w: rate_limit.requests_per_minute must be between 1 and %d", ErrInvalidConfig, maxRequestsPerMinute)
	case c.Migration.BatchSize < 1 || c.Migration.BatchSize > maxBatchSize:
		return fmt.Errorf("%w: migration.batch_size must be between 1 and %d", ErrInvalidConfig, maxBatchSize)
	case c.Migration.Workers < 1 || c.Migration.Workers > maxWorkers:
		return fmt.Errorf("%w: migration.workers must be between 1 and %d", ErrInvalidConfig, maxWorkers)
	case c.Migration.MaxRetries < 0:
		return fmt.Errorf("%w: migration.max_retries must not be negative", ErrInvalidConfig)
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", ErrInvalidConfig)
	case c.Breaker.Threshold < 1:
		return fmt.Errorf("%w: breaker.threshold must be at least 1", ErrInvalidConfig)
	}

	if !c.Migration.DryRun {
		if c.Destination.BaseURL == "" {
			return fmt.Errorf("%w: destination.base_url is required", ErrInvalidConfig)
		}
		if c.Destination.APIToken == "" || c.Destination.Subdomain == "" {
			return fmt.Errorf("%w: destination.api_token and destination.subdomain", ErrMissingCredentials)
		}
	}
	return nil
}

// Fingerprint identifies the migration lineage this configuration belongs to.
func (c *Config) Fingerprint() string {
	return Fingerprint(
		normalizePath(c.Source.DocumentsPath),
		normalizePath(c.Source.MetadataCSV),
		c.Destination.BaseURL,
		c.Destination.Subdomain,
	)
}

// Timeout returns the per-request timeout for remote calls.
func (d DestinationConfig) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// CheckpointInterval returns how often the progress tracker checkpoints the run.
func (m MigrationConfig) CheckpointInterval() time.Duration {
	if m.CheckpointIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(m.CheckpointIntervalSeconds) * time.Second
}
