// Package config provides the configuration of the lakehouse pipeline.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fmcg/lakehouse/internal/conform"
	perrors "github.com/fmcg/lakehouse/internal/errors"
	"github.com/fmcg/lakehouse/internal/metrics/datadog"
	"github.com/fmcg/lakehouse/internal/pipeline"
)

// Storage types.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Checkpoint store types.
const (
	CheckpointSQLite   = "sqlite"
	CheckpointPostgres = "postgres"
)

// Metrics backends.
const (
	MetricsNone        = "none"
	MetricsPushgateway = "pushgateway"
	MetricsDatadog     = "datadog"
)

// Config holds the configuration of the pipeline and its stores.
type Config struct {
	// DataDir is the base directory for local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Storage holds landing files and table objects
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// TableStore configures the versioned table store
	TableStore TableStoreConfig `json:"table_store" yaml:"table_store"`

	// Checkpoint configures where incremental progress is kept
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`

	// Merge configures retries of gold merges and bronze and silver writes
	Merge MergeConfig `json:"merge" yaml:"merge"`

	// Metrics configures the metrics backend
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Schedule configures the scheduler daemon
	Schedule ScheduleConfig `json:"schedule" yaml:"schedule"`

	// Concurrency bounds how many entities run-all processes at once.
	// Zero means no limit.
	Concurrency int `json:"concurrency" yaml:"concurrency"`

	// Entities configures the bronze and silver stages per entity type
	Entities []pipeline.Entity `json:"entities" yaml:"entities"`

	// Conformance describes the gold dimensions and facts
	Conformance conform.Specs `json:"conformance" yaml:"conformance"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// TableStoreConfig holds table store configuration.
type TableStoreConfig struct {
	// ManifestPath is the SQLite manifest database
	ManifestPath string `json:"manifest_path" yaml:"manifest_path"`

	// OpTimeout bounds every manifest and object operation
	OpTimeout time.Duration `json:"op_timeout" yaml:"op_timeout"`

	// Retention is how long versions stay readable before vacuum expires them
	Retention time.Duration `json:"retention" yaml:"retention"`

	// KeyFilterFPR is the false positive rate of per-file key filters
	KeyFilterFPR float64 `json:"key_filter_fpr" yaml:"key_filter_fpr"`
}

// CheckpointConfig holds checkpoint store configuration.
type CheckpointConfig struct {
	// Type is the store type: sqlite, postgres
	Type string `json:"type" yaml:"type"`

	// Path is the SQLite database (for sqlite type)
	Path string `json:"path" yaml:"path"`

	// DSN is the connection string (for postgres type)
	DSN string `json:"dsn" yaml:"dsn"`
}

// MergeConfig holds merge retry configuration.
type MergeConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
}

// MetricsConfig holds metrics backend configuration.
type MetricsConfig struct {
	// Type is the backend: none, pushgateway, datadog
	Type string `json:"type" yaml:"type"`

	// Job is the Pushgateway job name
	Job string `json:"job" yaml:"job"`

	// PushgatewayURL is the Pushgateway address
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`

	// Datadog configures the DogStatsD client
	Datadog datadog.Config `json:"datadog" yaml:"datadog"`
}

// ScheduleConfig holds configuration for scheduled incremental runs.
type ScheduleConfig struct {
	// Interval is the time between incremental runs of every entity
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Vacuum expires table history past the retention after each cycle
	Vacuum bool `json:"vacuum" yaml:"vacuum"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/lakehouse",
		Storage: StorageConfig{
			Type: StorageLocal,
		},
		TableStore: TableStoreConfig{
			OpTimeout:    30 * time.Second,
			Retention:    7 * 24 * time.Hour,
			KeyFilterFPR: 0.01,
		},
		Checkpoint: CheckpointConfig{
			Type: CheckpointSQLite,
		},
		Merge: MergeConfig{
			MaxAttempts: 5,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
		Metrics: MetricsConfig{
			Type: MetricsNone,
			Job:  "lakehouse",
		},
		Schedule: ScheduleConfig{
			Interval: 15 * time.Minute,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/lakehouse"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = StorageLocal
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.TableStore.ManifestPath == "" {
		c.TableStore.ManifestPath = filepath.Join(c.DataDir, "manifest.db")
	}
	if c.Checkpoint.Type == "" {
		c.Checkpoint.Type = CheckpointSQLite
	}
	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join(c.DataDir, "checkpoints.db")
	}
	if c.Metrics.Type == "" {
		c.Metrics.Type = MetricsNone
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return perrors.NewConfigError("data_dir is required")
	}

	switch c.Storage.Type {
	case StorageLocal:
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			return perrors.NewConfigError("storage.s3.bucket is required when storage type is s3")
		}
	default:
		return perrors.NewConfigError(fmt.Sprintf("invalid storage type: %s (must be local or s3)", c.Storage.Type))
	}

	if c.TableStore.OpTimeout <= 0 {
		return perrors.NewConfigError("table_store.op_timeout must be positive")
	}
	if c.TableStore.Retention < 0 {
		return perrors.NewConfigError("table_store.retention must not be negative")
	}
	if c.TableStore.KeyFilterFPR <= 0 || c.TableStore.KeyFilterFPR >= 1 {
		return perrors.NewConfigError(fmt.Sprintf("table_store.key_filter_fpr must be in (0, 1), got %g", c.TableStore.KeyFilterFPR))
	}

	switch c.Checkpoint.Type {
	case CheckpointSQLite:
	case CheckpointPostgres:
		if c.Checkpoint.DSN == "" {
			return perrors.NewConfigError("checkpoint.dsn is required when checkpoint type is postgres")
		}
	default:
		return perrors.NewConfigError(fmt.Sprintf("invalid checkpoint type: %s (must be sqlite or postgres)", c.Checkpoint.Type))
	}

	if c.Merge.MaxAttempts < 1 {
		return perrors.NewConfigError(fmt.Sprintf("merge.max_attempts must be at least 1, got %d", c.Merge.MaxAttempts))
	}
	if c.Merge.MaxDelay < c.Merge.BaseDelay {
		return perrors.NewConfigError("merge.max_delay must not be below merge.base_delay")
	}

	switch c.Metrics.Type {
	case MetricsNone:
	case MetricsPushgateway:
		if c.Metrics.PushgatewayURL == "" {
			return perrors.NewConfigError("metrics.pushgateway_url is required when metrics type is pushgateway")
		}
	case MetricsDatadog:
		if c.Metrics.Datadog.Addr == "" {
			return perrors.NewConfigError("metrics.datadog.addr is required when metrics type is datadog")
		}
	default:
		return perrors.NewConfigError(fmt.Sprintf("invalid metrics type: %s (must be none, pushgateway or datadog)", c.Metrics.Type))
	}

	if c.Schedule.Interval < 0 {
		return perrors.NewConfigError("schedule.interval must not be negative")
	}

	if c.Concurrency < 0 {
		return perrors.NewConfigError("concurrency must not be negative")
	}

	known := make(map[string]bool, len(c.Entities))
	for _, e := range c.Entities {
		if e.Name == "" {
			return perrors.NewConfigError("entities: name is required")
		}
		if known[e.Name] {
			return perrors.NewConfigError(fmt.Sprintf("entities: %q is defined twice", e.Name))
		}
		known[e.Name] = true
		if e.Source.Prefix == "" {
			return perrors.NewConfigError(fmt.Sprintf("entities: %s: source.prefix is required", e.Name))
		}
		if err := e.Identity.Validate(); err != nil {
			return fmt.Errorf("entities: %s: %w", e.Name, err)
		}
	}

	if err := c.Conformance.Validate(); err != nil {
		return err
	}
	for _, d := range c.Conformance.Dimensions {
		if !known[d.Source] {
			return perrors.NewConfigError(fmt.Sprintf("conformance: dimension %s reads unknown entity %q", d.Name, d.Source))
		}
	}
	for _, f := range c.Conformance.Facts {
		if !known[f.Source] {
			return perrors.NewConfigError(fmt.Sprintf("conformance: fact %s reads unknown entity %q", f.Name, f.Source))
		}
	}

	return nil
}

// EntityNames returns the configured entity names in order.
func (c *Config) EntityNames() []string {
	names := make([]string, 0, len(c.Entities))
	for _, e := range c.Entities {
		names = append(names, e.Name)
	}
	return names
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LAKEHOUSE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LAKEHOUSE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Storage configuration
	if v := os.Getenv("LAKEHOUSE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("LAKEHOUSE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LAKEHOUSE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("LAKEHOUSE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("LAKEHOUSE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("LAKEHOUSE_S3_PREFIX"); v != "" {
		cfg.Storage.S3.Prefix = v
	}

	// Table store configuration
	if v := os.Getenv("LAKEHOUSE_MANIFEST_PATH"); v != "" {
		cfg.TableStore.ManifestPath = v
	}
	if v := os.Getenv("LAKEHOUSE_OP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TableStore.OpTimeout = d
		}
	}
	if v := os.Getenv("LAKEHOUSE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TableStore.Retention = d
		}
	}

	// Checkpoint configuration
	if v := os.Getenv("LAKEHOUSE_CHECKPOINT_TYPE"); v != "" {
		cfg.Checkpoint.Type = v
	}
	if v := os.Getenv("LAKEHOUSE_CHECKPOINT_PATH"); v != "" {
		cfg.Checkpoint.Path = v
	}
	if v := os.Getenv("LAKEHOUSE_CHECKPOINT_DSN"); v != "" {
		cfg.Checkpoint.DSN = v
	}

	// Merge configuration
	if v := os.Getenv("LAKEHOUSE_MERGE_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Merge.MaxAttempts)
	}

	// Metrics configuration
	if v := os.Getenv("LAKEHOUSE_METRICS_TYPE"); v != "" {
		cfg.Metrics.Type = v
	}
	if v := os.Getenv("LAKEHOUSE_PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("LAKEHOUSE_DATADOG_ADDR"); v != "" {
		cfg.Metrics.Datadog.Addr = v
	}

	// Schedule configuration
	if v := os.Getenv("LAKEHOUSE_SCHEDULE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Schedule.Interval = d
		}
	}
	if v := os.Getenv("LAKEHOUSE_SCHEDULE_VACUUM"); v != "" {
		cfg.Schedule.Vacuum = v == "true" || v == "1"
	}

	if v := os.Getenv("LAKEHOUSE_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Concurrency)
	}
}

// EnsureDirectories creates all required local directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, filepath.Dir(c.TableStore.ManifestPath)}
	if c.Storage.Type == StorageLocal {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Checkpoint.Type == CheckpointSQLite {
		dirs = append(dirs, filepath.Dir(c.Checkpoint.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
