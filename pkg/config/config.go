package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRuntimeEngine is the default container runtime.
	DefaultRuntimeEngine = "docker"

	// DefaultExecTimeout bounds a single in-container command execution.
	DefaultExecTimeout = 10 * time.Minute

	// DefaultCopyTimeout bounds a single artifact copy out of a container.
	DefaultCopyTimeout = 1 * time.Minute

	// DefaultCollectTimeout bounds a discovery collect-only pass.
	DefaultCollectTimeout = 2 * time.Minute

	// DefaultMaxConcurrentRuns caps test runs executing at the same time.
	DefaultMaxConcurrentRuns = 4

	// DefaultResultsDir is the default directory for run records.
	DefaultResultsDir = "./test_results"

	// DefaultTestsCacheDir is the default directory for discovery caches.
	DefaultTestsCacheDir = "./service_tests"

	// DefaultTestsDirPath is the default tests directory relative to a
	// project root.
	DefaultTestsDirPath = "tests"

	// DefaultCatalogLimit bounds the manual-test catalog query.
	DefaultCatalogLimit = 100
)

// Config is the root configuration for testlab.
type Config struct {
	Global    GlobalConfig    `mapstructure:"global"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Results   ResultsConfig   `mapstructure:"results"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Upload    *UploadConfig   `mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

// RuntimeConfig contains container runtime settings.
type RuntimeConfig struct {
	// Engine selects the container runtime ("docker" or "podman").
	Engine string `mapstructure:"engine"`

	// PodmanSocket overrides the Podman socket URI.
	PodmanSocket string `mapstructure:"podman_socket"`

	ExecTimeout       time.Duration `mapstructure:"exec_timeout"`
	CopyTimeout       time.Duration `mapstructure:"copy_timeout"`
	MaxConcurrentRuns int64         `mapstructure:"max_concurrent_runs"`
}

// ResultsConfig contains run record persistence settings.
type ResultsConfig struct {
	Dir           string `mapstructure:"dir"`
	TestsCacheDir string `mapstructure:"tests_cache_dir"`
}

// DiscoveryConfig contains test discovery settings.
type DiscoveryConfig struct {
	TestsDirPath   string        `mapstructure:"tests_dir_path"`
	CollectTimeout time.Duration `mapstructure:"collect_timeout"`
	CatalogLimit   int           `mapstructure:"catalog_limit"`
}

// DatabaseConfig contains settings for the log/catalog/index database.
type DatabaseConfig struct {
	Driver   string                 `mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig   `mapstructure:"sqlite"`
	Postgres PostgresDatabaseConfig `mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite settings.
type SQLiteDatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresDatabaseConfig contains PostgreSQL settings.
type PostgresDatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// MetricsConfig contains host resource sampling settings.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// UploadConfig contains result archival settings.
type UploadConfig struct {
	S3 *S3UploadConfig `mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	EndpointURL     string `mapstructure:"endpoint_url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	StorageClass    string `mapstructure:"storage_class"`
	ACL             string `mapstructure:"acl"`
}

// Load reads a YAML configuration file and applies TESTLAB_* environment
// overrides. A missing path yields a config of pure defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TESTLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))

	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Runtime.Engine == "" {
		c.Runtime.Engine = DefaultRuntimeEngine
	}

	if c.Runtime.ExecTimeout == 0 {
		c.Runtime.ExecTimeout = DefaultExecTimeout
	}

	if c.Runtime.CopyTimeout == 0 {
		c.Runtime.CopyTimeout = DefaultCopyTimeout
	}

	if c.Runtime.MaxConcurrentRuns == 0 {
		c.Runtime.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}

	if c.Results.Dir == "" {
		c.Results.Dir = DefaultResultsDir
	}

	if c.Results.TestsCacheDir == "" {
		c.Results.TestsCacheDir = DefaultTestsCacheDir
	}

	if c.Discovery.TestsDirPath == "" {
		c.Discovery.TestsDirPath = DefaultTestsDirPath
	}

	if c.Discovery.CollectTimeout == 0 {
		c.Discovery.CollectTimeout = DefaultCollectTimeout
	}

	if c.Discovery.CatalogLimit == 0 {
		c.Discovery.CatalogLimit = DefaultCatalogLimit
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = "testlab.db"
	}

	if c.Metrics.SampleInterval == 0 {
		c.Metrics.SampleInterval = time.Second
	}
}

// validEngines is the list of supported container runtimes.
var validEngines = map[string]struct{}{
	"docker": {},
	"podman": {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, ok := validEngines[c.Runtime.Engine]; !ok {
		return fmt.Errorf("unknown runtime engine %q (use \"docker\" or \"podman\")", c.Runtime.Engine)
	}

	if c.Runtime.ExecTimeout <= 0 {
		return fmt.Errorf("runtime exec_timeout must be positive")
	}

	if c.Runtime.CopyTimeout <= 0 {
		return fmt.Errorf("runtime copy_timeout must be positive")
	}

	if c.Runtime.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("runtime max_concurrent_runs must be positive")
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Results.Dir != "" {
		dir := filepath.Dir(c.Results.Dir)
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	if c.Upload != nil && c.Upload.S3 != nil && c.Upload.S3.Enabled {
		if c.Upload.S3.Bucket == "" {
			return fmt.Errorf("upload s3 bucket is required when s3 upload is enabled")
		}
	}

	return nil
}
