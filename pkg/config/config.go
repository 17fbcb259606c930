package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default intake API listen address.
	DefaultListen = ":8080"

	// DefaultSchedulerPollSeconds is the default queue poll interval.
	DefaultSchedulerPollSeconds = 10

	// DefaultTimeoutMinutes is the default wall-clock budget for a single
	// boot test on the rig.
	DefaultTimeoutMinutes = 10

	// DefaultDedupWindowMinutes is the window within which identical
	// (image_url, target) submissions are treated as duplicates.
	DefaultDedupWindowMinutes = 60

	// DefaultReportPollSeconds is the default reporter poll interval.
	DefaultReportPollSeconds = 60

	// DefaultRequestTimeoutSeconds bounds a single outbound GitHub call.
	DefaultRequestTimeoutSeconds = 15

	// DefaultExpiryWarningDays is the default token expiry warning threshold.
	DefaultExpiryWarningDays = 7

	// DefaultPostgresPort is the default PostgreSQL port.
	DefaultPostgresPort = 5432
)

// Config is the root configuration for boottestd.
type Config struct {
	Global    GlobalConfig    `yaml:"global"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Intake    IntakeConfig    `yaml:"intake"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	GitHub    GitHubConfig    `yaml:"github"`
	Upload    UploadConfig    `yaml:"upload,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains intake API HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting on the submit endpoint.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// DatabaseConfig contains result store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// IntakeConfig contains request validation settings.
type IntakeConfig struct {
	// OriginRepo is the owner/repo whose release artifacts are accepted
	// as test subjects, e.g. "dirkhh/adsb-feeder-image".
	OriginRepo string `yaml:"origin_repo"`
}

// SchedulerConfig contains queue scheduler settings.
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	TimeoutMinutes      int `yaml:"timeout_minutes"`
	DedupWindowMinutes  int `yaml:"dedup_window_minutes"`
}

// ExecutorConfig contains test executor settings.
type ExecutorConfig struct {
	// Command is the hardware-control script that powers the rig, netboots
	// the image and verifies it. It receives the image URL as its final
	// argument and must exit 0 on a passing test.
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	ResultsDir string   `yaml:"results_dir,omitempty"`
}

// GitHubConfig contains result reporting settings.
type GitHubConfig struct {
	Enabled                     bool   `yaml:"enabled"`
	Token                       string `yaml:"token,omitempty"`
	Repo                        string `yaml:"repo,omitempty"`
	APIURL                      string `yaml:"api_url,omitempty"`
	PollIntervalSeconds         int    `yaml:"poll_interval_seconds"`
	RequestTimeoutSeconds       int    `yaml:"request_timeout_seconds"`
	CredentialExpiryWarningDays int    `yaml:"credential_expiry_warning_days"`
}

// UploadConfig contains run artifact archive settings.
type UploadConfig struct {
	S3 *S3UploadConfig `yaml:"s3,omitempty"`
}

// S3UploadConfig contains S3 settings for archiving run artifacts.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty"`
	ACL             string `yaml:"acl,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Postgres.Port == 0 {
			c.Database.Postgres.Port = DefaultPostgresPort
		}

		if c.Database.Postgres.SSLMode == "" {
			c.Database.Postgres.SSLMode = "disable"
		}
	}

	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = DefaultSchedulerPollSeconds
	}

	if c.Scheduler.TimeoutMinutes == 0 {
		c.Scheduler.TimeoutMinutes = DefaultTimeoutMinutes
	}

	if c.Scheduler.DedupWindowMinutes == 0 {
		c.Scheduler.DedupWindowMinutes = DefaultDedupWindowMinutes
	}

	if c.GitHub.PollIntervalSeconds == 0 {
		c.GitHub.PollIntervalSeconds = DefaultReportPollSeconds
	}

	if c.GitHub.RequestTimeoutSeconds == 0 {
		c.GitHub.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}

	if c.GitHub.CredentialExpiryWarningDays == 0 {
		c.GitHub.CredentialExpiryWarningDays = DefaultExpiryWarningDays
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Intake.OriginRepo == "" {
		return fmt.Errorf("intake.origin_repo is required")
	}

	if !strings.Contains(c.Intake.OriginRepo, "/") {
		return fmt.Errorf(
			"intake.origin_repo %q must be in owner/repo form",
			c.Intake.OriginRepo,
		)
	}

	if c.Executor.Command == "" {
		return fmt.Errorf("executor.command is required")
	}

	if c.GitHub.Enabled {
		if c.GitHub.Token == "" {
			return fmt.Errorf("github.token is required when reporting is enabled")
		}

		if c.GitHub.Repo == "" {
			return fmt.Errorf("github.repo is required when reporting is enabled")
		}

		if !strings.Contains(c.GitHub.Repo, "/") {
			return fmt.Errorf(
				"github.repo %q must be in owner/repo form", c.GitHub.Repo,
			)
		}

		if c.GitHub.APIURL != "" {
			if _, err := url.Parse(c.GitHub.APIURL); err != nil {
				return fmt.Errorf("parsing github.api_url: %w", err)
			}
		}
	}

	if c.Upload.S3 != nil && c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when S3 upload is enabled")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf(
			"server.rate_limit.requests_per_minute must be positive",
		)
	}

	return nil
}

// SchedulerPollInterval returns the scheduler poll interval as a duration.
func (c *Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// RunTimeout returns the per-run wall-clock budget as a duration.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Scheduler.TimeoutMinutes) * time.Minute
}

// DedupWindow returns the duplicate suppression window as a duration.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Scheduler.DedupWindowMinutes) * time.Minute
}

// ReportPollInterval returns the reporter poll interval as a duration.
func (c *Config) ReportPollInterval() time.Duration {
	return time.Duration(c.GitHub.PollIntervalSeconds) * time.Second
}

// RequestTimeout returns the per-call GitHub request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.GitHub.RequestTimeoutSeconds) * time.Second
}

// ExpiryWarningThreshold returns the credential expiry warning threshold.
func (c *Config) ExpiryWarningThreshold() time.Duration {
	return time.Duration(c.GitHub.CredentialExpiryWarningDays) * 24 * time.Hour
}
