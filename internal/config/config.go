package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the scheduler service and its CLI.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	ExecutablePath   string
	ExecutableArgs   []string
	ExecutableEnv    []string
	OutputSuffix     string
	ConcurrencyLimit int
	JobTimeout       time.Duration
	ProcessWaitDelay time.Duration
	MaxOutputBytes   int

	RunsDir         string
	UploadsDir      string
	UploadMaxBytes  int64
	UploadMaxFiles  int
	RecentCompleted int

	SnapshotPath     string
	SnapshotInterval time.Duration
	Retention        time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	CatalogEnabled    bool
	RateLimitCapacity int
	RateLimitRefill   float64

	PostgresDSN string

	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3PathStyle bool
	ArtifactLocalDir    string
}

var defaults = map[string]any{
	"APP_ENV":                   "dev",
	"HTTP_PORT":                 "3000",
	"METRICS_ADDR":              "",
	"LOG_LEVEL":                 "info",
	"LOG_FORMAT":                "json",
	"EXECUTABLE_PATH":           "bin/starburst99",
	"EXECUTABLE_ARGS":           "",
	"EXECUTABLE_ENV":            "",
	"OUTPUT_SUFFIX":             ".spectrum1",
	"CONCURRENCY_LIMIT":         5,
	"JOB_TIMEOUT":               15 * time.Minute,
	"PROCESS_WAIT_DELAY":        5 * time.Second,
	"MAX_OUTPUT_BYTES":          256 * 1024,
	"RUNS_DIR":                  "model_runs",
	"UPLOADS_DIR":               "uploads",
	"UPLOAD_MAX_BYTES":          10 * 1024 * 1024,
	"UPLOAD_MAX_FILES":          5,
	"RECENT_COMPLETED":          20,
	"SNAPSHOT_PATH":             "data/job_status.json",
	"SNAPSHOT_INTERVAL":         4 * time.Hour,
	"RETENTION":                 24 * time.Hour,
	"REDIS_ADDR":                "localhost:6379",
	"REDIS_PASSWORD":            "",
	"REDIS_DB":                  0,
	"CATALOG_ENABLED":           false,
	"RATE_LIMIT_CAPACITY":       0,
	"RATE_LIMIT_REFILL_PER_SEC": 1.0,
	"POSTGRES_DSN":              "",
	"ARTIFACT_S3_BUCKET":        "",
	"ARTIFACT_S3_REGION":        "us-east-1",
	"ARTIFACT_S3_ENDPOINT":      "",
	"ARTIFACT_S3_PATH_STYLE":    false,
	"ARTIFACT_LOCAL_DIR":        "",
}

// Load reads configuration from environment variables, optionally layered over
// the file named by CONFIG_FILE, with defaults suitable for local development.
func Load() (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return FromViper(v), nil
}

// FromViper maps a populated viper instance onto Config.
func FromViper(v *viper.Viper) Config {
	return Config{
		Env:         v.GetString("APP_ENV"),
		HTTPPort:    v.GetString("HTTP_PORT"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),

		ExecutablePath:   v.GetString("EXECUTABLE_PATH"),
		ExecutableArgs:   splitList(v.GetString("EXECUTABLE_ARGS"), " "),
		ExecutableEnv:    splitList(v.GetString("EXECUTABLE_ENV"), ","),
		OutputSuffix:     v.GetString("OUTPUT_SUFFIX"),
		ConcurrencyLimit: v.GetInt("CONCURRENCY_LIMIT"),
		JobTimeout:       v.GetDuration("JOB_TIMEOUT"),
		ProcessWaitDelay: v.GetDuration("PROCESS_WAIT_DELAY"),
		MaxOutputBytes:   v.GetInt("MAX_OUTPUT_BYTES"),

		RunsDir:         v.GetString("RUNS_DIR"),
		UploadsDir:      v.GetString("UPLOADS_DIR"),
		UploadMaxBytes:  v.GetInt64("UPLOAD_MAX_BYTES"),
		UploadMaxFiles:  v.GetInt("UPLOAD_MAX_FILES"),
		RecentCompleted: v.GetInt("RECENT_COMPLETED"),

		SnapshotPath:     v.GetString("SNAPSHOT_PATH"),
		SnapshotInterval: v.GetDuration("SNAPSHOT_INTERVAL"),
		Retention:        v.GetDuration("RETENTION"),

		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		CatalogEnabled:    v.GetBool("CATALOG_ENABLED"),
		RateLimitCapacity: v.GetInt("RATE_LIMIT_CAPACITY"),
		RateLimitRefill:   v.GetFloat64("RATE_LIMIT_REFILL_PER_SEC"),

		PostgresDSN: v.GetString("POSTGRES_DSN"),

		ArtifactS3Bucket:    v.GetString("ARTIFACT_S3_BUCKET"),
		ArtifactS3Region:    v.GetString("ARTIFACT_S3_REGION"),
		ArtifactS3Endpoint:  v.GetString("ARTIFACT_S3_ENDPOINT"),
		ArtifactS3PathStyle: v.GetBool("ARTIFACT_S3_PATH_STYLE"),
		ArtifactLocalDir:    v.GetString("ARTIFACT_LOCAL_DIR"),
	}
}

// Validate rejects settings the scheduler cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ConcurrencyLimit <= 0 {
		errs = append(errs, fmt.Errorf("CONCURRENCY_LIMIT must be positive, got %d", c.ConcurrencyLimit))
	}
	if c.JobTimeout <= 0 {
		errs = append(errs, fmt.Errorf("JOB_TIMEOUT must be positive, got %s", c.JobTimeout))
	}
	if c.ExecutablePath == "" {
		errs = append(errs, errors.New("EXECUTABLE_PATH is required"))
	}
	if c.SnapshotInterval <= 0 {
		errs = append(errs, fmt.Errorf("SNAPSHOT_INTERVAL must be positive, got %s", c.SnapshotInterval))
	}
	return errors.Join(errs...)
}

func splitList(v, sep string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
