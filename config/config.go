// Package config provides configuration for kaigraph.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process configuration.
type Config struct {
	// DataDir is the root directory for database files.
	DataDir string `yaml:"data_dir"`
	// BadgerDir is the disk cache directory. Empty disables the disk layer
	// unless BadgerInMemory is set.
	BadgerDir      string `yaml:"badger_dir"`
	BadgerInMemory bool   `yaml:"badger_in_memory"`
	// MemoryCacheBytes bounds the in-memory layer.
	MemoryCacheBytes int64 `yaml:"memory_cache_bytes"`
	// PersistTimeout bounds each durable write.
	PersistTimeout time.Duration `yaml:"persist_timeout"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// NATSURL enables NATS event publishing and leases when set.
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	LeaseBucket   string        `yaml:"lease_bucket"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`

	// PerOwnerLimit caps concurrent value computations per component.
	PerOwnerLimit int `yaml:"per_owner_limit"`
	// MaxActiveOwners caps components computing at once; 0 is unlimited.
	MaxActiveOwners  int           `yaml:"max_active_owners"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	RebasePoll       time.Duration `yaml:"rebase_poll"`

	// MetricsAddr is where the worker serves /metrics; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
	// Actor is recorded in change set history.
	Actor string `yaml:"actor"`
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		DataDir:          getEnv("KAIGRAPH_DATA", "./data"),
		BadgerDir:        getEnv("KAIGRAPH_BADGER_DIR", ""),
		BadgerInMemory:   getEnvBool("KAIGRAPH_BADGER_IN_MEMORY", false),
		MemoryCacheBytes: getEnvInt64("KAIGRAPH_MEMORY_CACHE_BYTES", 64*1024*1024), // 64MB default
		PersistTimeout:   getEnvDuration("KAIGRAPH_PERSIST_TIMEOUT", 30*time.Second),
		LogLevel:         getEnv("KAIGRAPH_LOG_LEVEL", "info"),
		LogFormat:        getEnv("KAIGRAPH_LOG_FORMAT", "text"),
		NATSURL:          getEnv("KAIGRAPH_NATS_URL", ""),
		SubjectPrefix:    getEnv("KAIGRAPH_SUBJECT_PREFIX", "kaigraph.events"),
		LeaseBucket:      getEnv("KAIGRAPH_LEASE_BUCKET", "kaigraph_dvu_leases"),
		LeaseTTL:         getEnvDuration("KAIGRAPH_LEASE_TTL", 30*time.Second),
		PerOwnerLimit:    getEnvInt("KAIGRAPH_PER_OWNER_LIMIT", 4),
		MaxActiveOwners:  getEnvInt("KAIGRAPH_MAX_ACTIVE_OWNERS", 0),
		DebounceInterval: getEnvDuration("KAIGRAPH_DEBOUNCE_INTERVAL", time.Second),
		RebasePoll:       getEnvDuration("KAIGRAPH_REBASE_POLL", time.Second),
		MetricsAddr:      getEnv("KAIGRAPH_METRICS_ADDR", ""),
		Actor:            getEnv("KAIGRAPH_ACTOR", defaultActor()),
	}
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "kaigraph"
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// SQLitePath is the metadata database location.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "kaigraph.db")
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug, info, warn or error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: want text or json", c.LogFormat))
	}
	if c.MemoryCacheBytes < 0 {
		errs = append(errs, errors.New("memory_cache_bytes must not be negative"))
	}
	if c.PerOwnerLimit < 1 {
		errs = append(errs, errors.New("per_owner_limit must be at least 1"))
	}
	if c.MaxActiveOwners < 0 {
		errs = append(errs, errors.New("max_active_owners must not be negative"))
	}
	if c.DebounceInterval <= 0 || c.RebasePoll <= 0 || c.PersistTimeout <= 0 {
		errs = append(errs, errors.New("intervals and timeouts must be positive"))
	}
	if c.NATSURL != "" && c.LeaseTTL < c.DebounceInterval {
		errs = append(errs, errors.New("lease_ttl must be at least debounce_interval"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
