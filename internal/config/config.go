package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the amrhunter server and CLI.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Store     StoreConfig
	Lifecycle LifecycleConfig
	Download  DownloadConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MinConns        int
	ConnMaxLifetime time.Duration
	AcquireTimeout  time.Duration
}

type RedisConfig struct {
	URL string
}

// CacheConfig controls the read cache in front of annotation queries.
type CacheConfig struct {
	Backend         string
	AnnotationTTL   time.Duration
	VocabularyTTL   time.Duration
	RangeTTL        time.Duration
	CleanupInterval time.Duration
}

type StoreConfig struct {
	BatchSize int
}

type LifecycleConfig struct {
	MaxAttempts int
}

// DownloadConfig bounds fetching result files from their download URL.
type DownloadConfig struct {
	Timeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

var validCacheBackends = map[string]bool{
	CacheBackendMemory: true,
	CacheBackendRedis:  true,
}

var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

// ConfigFileEnv names an optional YAML/TOML/JSON file whose keys use the same
// names as the environment variables.
const ConfigFileEnv = "AMRHUNTER_CONFIG"

var defaults = map[string]any{
	"AMRHUNTER_PORT":             8080,
	"AMRHUNTER_ENV":              "development",
	"DATABASE_MAX_OPEN_CONNS":    25,
	"DATABASE_MIN_CONNS":         2,
	"DATABASE_CONN_MAX_LIFETIME": 5 * time.Minute,
	"DATABASE_ACQUIRE_TIMEOUT":   10 * time.Second,
	"CACHE_BACKEND":              CacheBackendMemory,
	"CACHE_ANNOTATION_TTL":       5 * time.Minute,
	"CACHE_VOCABULARY_TTL":       10 * time.Minute,
	"CACHE_RANGE_TTL":            2 * time.Minute,
	"CACHE_CLEANUP_INTERVAL":     time.Minute,
	"STORE_BATCH_SIZE":           100,
	"JOB_MAX_ATTEMPTS":           3,
	"DOWNLOAD_TIMEOUT":           2 * time.Minute,
	"LOG_LEVEL":                  "info",
	"LOG_FORMAT":                 "json",
}

// Load reads configuration from the environment (and the optional config file)
// and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := v.GetString(ConfigFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: intValue(v, "AMRHUNTER_PORT"),
			Env:  v.GetString("AMRHUNTER_ENV"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    intValue(v, "DATABASE_MAX_OPEN_CONNS"),
			MinConns:        intValue(v, "DATABASE_MIN_CONNS"),
			ConnMaxLifetime: durationValue(v, "DATABASE_CONN_MAX_LIFETIME"),
			AcquireTimeout:  durationValue(v, "DATABASE_ACQUIRE_TIMEOUT"),
		},
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
		Cache: CacheConfig{
			Backend:         strings.ToLower(v.GetString("CACHE_BACKEND")),
			AnnotationTTL:   durationValue(v, "CACHE_ANNOTATION_TTL"),
			VocabularyTTL:   durationValue(v, "CACHE_VOCABULARY_TTL"),
			RangeTTL:        durationValue(v, "CACHE_RANGE_TTL"),
			CleanupInterval: durationValue(v, "CACHE_CLEANUP_INTERVAL"),
		},
		Store: StoreConfig{
			BatchSize: intValue(v, "STORE_BATCH_SIZE"),
		},
		Lifecycle: LifecycleConfig{
			MaxAttempts: intValue(v, "JOB_MAX_ATTEMPTS"),
		},
		Download: DownloadConfig{
			Timeout: durationValue(v, "DOWNLOAD_TIMEOUT"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must start with postgres:// or postgresql://")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns)
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxOpenConns {
		return fmt.Errorf("DATABASE_MIN_CONNS must be between 0 and DATABASE_MAX_OPEN_CONNS (%d), got %d",
			c.Database.MaxOpenConns, c.Database.MinConns)
	}

	if !validCacheBackends[c.Cache.Backend] {
		return fmt.Errorf("CACHE_BACKEND must be one of memory, redis; got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == CacheBackendRedis && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required when CACHE_BACKEND is redis")
	}
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("STORE_BATCH_SIZE must be positive, got %d", c.Store.BatchSize)
	}
	if c.Lifecycle.MaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive, got %d", c.Lifecycle.MaxAttempts)
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console; got %q", c.Log.Format)
	}

	return nil
}

// intValue parses key as an int, falling back to the registered default when the
// value is not a number.
func intValue(v *viper.Viper, key string) int {
	i, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return defaults[key].(int)
	}
	return i
}

// durationValue accepts Go durations ("90s", "5m") or a bare number of seconds.
func durationValue(v *viper.Viper, key string) time.Duration {
	raw := strings.TrimSpace(v.GetString(key))
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaults[key].(time.Duration)
}
