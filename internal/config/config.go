// Package config loads GluwETL settings from YAML, .env files and
// GLUE_ETL_* environment variables.
//
// Keys are dotted paths ("aws.region", "s3.silver.prefix"). An environment
// variable overrides a key when its name is GLUE_ETL_ followed by the key in
// upper case with dots replaced by underscores, so GLUE_ETL_AWS_REGION sets
// aws.region and GLUE_ETL_ERRORS_MAX_RETRIES sets errors.max_retries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/rama83/GluwETL2/lake"
	"github.com/rama83/GluwETL2/lake/etlerr"
	"github.com/rama83/GluwETL2/lake/resilience"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GLUE_ETL"

// PathEnv names the variable holding the settings file path.
const PathEnv = "GLUE_ETL_CONFIG"

// DefaultPath is read when no path is given and PathEnv is unset.
const DefaultPath = "config/settings.yaml"

// Storage backends.
const (
	BackendS3     = "s3"
	BackendFS     = "fs"
	BackendMemory = "memory"
)

var defaults = map[string]any{
	"environment":                "development",
	"aws.region":                 "us-east-1",
	"aws.endpoint":               "",
	"aws.use_path_style":         false,
	"aws.glue.poll_seconds":      30,
	"s3.bronze.bucket":           "",
	"s3.bronze.prefix":           "raw/",
	"s3.silver.bucket":           "",
	"s3.silver.prefix":           "processed/",
	"s3tables.format":            lake.FormatParquet,
	"s3tables.compression":       "snappy",
	"s3tables.partition_cols":    []string{},
	"errors.max_retries":         resilience.DefaultMaxRetries,
	"errors.retry_delay_seconds": int(resilience.DefaultInitialDelay / time.Second),
	"errors.retry_backoff":       resilience.DefaultBackoff,
	"errors.alert_on_failure":    false,
	"errors.sns_topic_arn":       "",
	"logging.level":              "info",
	"logging.format":             "json",
	"logging.destination":        "console",
	"logging.local.log_dir":      "logs",
	"logging.local.max_size_mb":  10,
	"logging.local.backup_count": 5,
	"storage.backend":            BackendS3,
	"storage.fs.root":            "data",
}

// Config holds resolved settings.
type Config struct {
	v    *viper.Viper
	path string
}

// Load reads .env (if present), then the YAML file at path. An empty path
// falls back to $GLUE_ETL_CONFIG, then DefaultPath; a missing default file
// is not an error, a missing explicit file is.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, etlerr.Configuration("failed to load .env file", ".env", etlerr.WithCause(err))
	}

	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnv)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	c := New()
	c.path = path
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, etlerr.Configuration(fmt.Sprintf("failed to read config file %s", path), PathEnv, etlerr.WithCause(err))
	}
	return c, nil
}

// New returns a Config with defaults and environment overrides only.
func New() *Config {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return &Config{v: v}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// IsSet reports whether key has a value, defaults included.
func (c *Config) IsSet(key string) bool {
	return c.v.IsSet(key)
}

// Get returns the raw value for key, or def when unset.
func (c *Config) Get(key string, def any) any {
	if v := c.v.Get(key); v != nil {
		return v
	}
	return def
}

// GetString returns key as a string.
func (c *Config) GetString(key string) string {
	return cast.ToString(c.v.Get(key))
}

// GetInt returns key as an int; unparsable values yield 0.
func (c *Config) GetInt(key string) int {
	return cast.ToInt(c.v.Get(key))
}

// GetFloat returns key as a float64.
func (c *Config) GetFloat(key string) float64 {
	return cast.ToFloat64(c.v.Get(key))
}

// GetBool returns key as a bool.
func (c *Config) GetBool(key string) bool {
	return cast.ToBool(c.v.Get(key))
}

// GetDuration returns key as a duration. Bare numbers are seconds.
func (c *Config) GetDuration(key string) time.Duration {
	raw := c.v.Get(key)
	s := strings.TrimSpace(cast.ToString(raw))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return cast.ToDuration(raw)
}

// GetStringSlice returns key as a list. A string value is split on commas,
// which is how lists arrive from the environment.
func (c *Config) GetStringSlice(key string) []string {
	raw := c.v.Get(key)
	if s, ok := raw.(string); ok {
		parts := lo.Map(strings.Split(s, ","), func(p string, _ int) string { return strings.TrimSpace(p) })
		return lo.Compact(parts)
	}
	return cast.ToStringSlice(raw)
}

// Set overrides key for the lifetime of c.
func (c *Config) Set(key string, value any) {
	c.v.Set(key, value)
}

// Save writes all settings to path, or to the loaded path when empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: creating directory: %w", err)
	}
	if err := c.v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Domain views
// -----------------------------------------------------------------------------

// RetryPolicy builds the retry policy from the errors.* keys.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:   c.GetInt("errors.max_retries"),
		InitialDelay: c.GetDuration("errors.retry_delay_seconds"),
		Backoff:      c.GetFloat("errors.retry_backoff"),
	}
}

// TableConfig builds the Silver table store configuration.
func (c *Config) TableConfig() lake.TableConfig {
	return lake.TableConfig{
		Prefix:           c.GetString("s3.silver.prefix"),
		Format:           c.GetString("s3tables.format"),
		Compression:      c.GetString("s3tables.compression"),
		PartitionColumns: c.GetStringSlice("s3tables.partition_cols"),
	}
}

// Alerter builds the alerting settings. The sink is left for the caller.
func (c *Config) Alerter() *resilience.Alerter {
	return &resilience.Alerter{
		Target:  c.GetString("errors.sns_topic_arn"),
		Enabled: c.GetBool("errors.alert_on_failure"),
	}
}

// PollInterval is the Glue job status poll interval.
func (c *Config) PollInterval() time.Duration {
	return c.GetDuration("aws.glue.poll_seconds")
}

// Validate checks settings needed by every command.
func (c *Config) Validate() error {
	backend := c.GetString("storage.backend")
	switch backend {
	case BackendS3:
		if c.GetString("s3.silver.bucket") == "" {
			return etlerr.Configuration("s3.silver.bucket is required for the s3 backend", "s3.silver.bucket")
		}
	case BackendFS:
		if c.GetString("storage.fs.root") == "" {
			return etlerr.Configuration("storage.fs.root is required for the fs backend", "storage.fs.root")
		}
	case BackendMemory:
	default:
		return etlerr.Configuration(fmt.Sprintf("unknown storage backend %q", backend), "storage.backend")
	}

	if _, err := lake.NewCodec(c.GetString("s3tables.format"), c.GetString("s3tables.compression")); err != nil {
		return etlerr.Configuration(err.Error(), "s3tables.format", etlerr.WithCause(err))
	}
	if c.GetInt("errors.max_retries") < 0 {
		return etlerr.Configuration("errors.max_retries must not be negative", "errors.max_retries")
	}
	if c.GetBool("errors.alert_on_failure") && c.GetString("errors.sns_topic_arn") == "" {
		return etlerr.Configuration("errors.sns_topic_arn is required when alerting is enabled", "errors.sns_topic_arn")
	}
	return nil
}
