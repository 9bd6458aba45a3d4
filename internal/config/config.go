package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"gopkg.in/yaml.v2"

	"github.com/sentinelops/perfcore/pkg/errors"
)

const envPrefix = "PERFCORE_"

// Configuration represents the complete service configuration
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Batch    BatchConfig    `yaml:"batch"`
	Events   EventsConfig   `yaml:"events"`
	Memory   MemoryConfig   `yaml:"memory"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// GlobalConfig represents process-wide settings
type GlobalConfig struct {
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	APIAddr         string        `yaml:"api_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	MetricsPrefix   string        `yaml:"metrics_prefix"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig represents the connection pool and query optimizer settings
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	CreateIndexes   bool          `yaml:"create_indexes"`
	EnsureSchema    bool          `yaml:"ensure_schema"`
}

// CacheConfig represents the two-tier cache settings
type CacheConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	PromotionTTL    time.Duration `yaml:"promotion_ttl"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig represents the remote tier settings. An empty Addr disables L2.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	Compression  bool          `yaml:"compression"`
	CompressMin  int           `yaml:"compress_min_bytes"`
	BreakerTrips uint32        `yaml:"breaker_failures"`
	BreakerReset time.Duration `yaml:"breaker_timeout"`
}

// BatchConfig represents batch processor settings
type BatchConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// EventsConfig represents event processor settings
type EventsConfig struct {
	Workers    int     `yaml:"workers"`
	BufferSize int     `yaml:"buffer_size"`
	RateLimit  float64 `yaml:"rate_limit"`
	RateBurst  int     `yaml:"rate_burst"`
	Partition  bool    `yaml:"partition"`
}

// MemoryConfig represents memory optimizer settings
type MemoryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	ThresholdMB    uint64        `yaml:"threshold_mb"`
	ReturnToOS     bool          `yaml:"return_to_os"`
	MaxSamples     int           `yaml:"max_samples"`
	// Heap and goroutine profiles are written here before a forced GC. Empty disables.
	ProfileDir string `yaml:"profile_dir"`
}

// ArchiveConfig represents the optional S3 archive sink. An empty Bucket disables it.
type ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// Static credentials; when empty the default AWS chain is used.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	c := &Configuration{
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:perfcore.db?_pragma=journal_mode(WAL)",
		},
		Memory: MemoryConfig{
			Enabled: true,
		},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued settings. It is applied after every load so a
// partial file only overrides what it names.
func (c *Configuration) ApplyDefaults() {
	setter.SetDefault(&c.Global.LogLevel, "info")
	setter.SetDefault(&c.Global.LogFormat, "text")
	setter.SetDefault(&c.Global.APIAddr, ":8080")
	setter.SetDefault(&c.Global.MetricsAddr, ":9090")
	setter.SetDefault(&c.Global.MetricsPrefix, "perfcore")
	setter.SetDefault(&c.Global.ShutdownTimeout, 15*time.Second)

	setter.SetDefault(&c.Database.MaxOpenConns, 25)
	setter.SetDefault(&c.Database.MaxIdleConns, 5)
	setter.SetDefault(&c.Database.ConnMaxLifetime, 5*time.Minute)
	setter.SetDefault(&c.Database.ConnMaxIdleTime, time.Minute)
	setter.SetDefault(&c.Database.PingTimeout, 5*time.Second)
	setter.SetDefault(&c.Database.ConnectAttempts, 5)

	setter.SetDefault(&c.Cache.CleanupInterval, 30*time.Second)
	setter.SetDefault(&c.Cache.PromotionTTL, 5*time.Minute)
	setter.SetDefault(&c.Cache.Redis.KeyPrefix, "perfcore:")
	setter.SetDefault(&c.Cache.Redis.DialTimeout, 5*time.Second)
	setter.SetDefault(&c.Cache.Redis.CompressMin, 1024)
	setter.SetDefault(&c.Cache.Redis.BreakerTrips, uint32(5))
	setter.SetDefault(&c.Cache.Redis.BreakerReset, 30*time.Second)

	setter.SetDefault(&c.Batch.BatchSize, 100)
	setter.SetDefault(&c.Batch.FlushInterval, 5*time.Second)

	setter.SetDefault(&c.Events.Workers, 10)
	setter.SetDefault(&c.Events.BufferSize, 1000)

	setter.SetDefault(&c.Memory.SampleInterval, 30*time.Second)
	setter.SetDefault(&c.Memory.ThresholdMB, uint64(500))
	setter.SetDefault(&c.Memory.MaxSamples, 120)

	setter.SetDefault(&c.Archive.Prefix, "events")
	setter.SetDefault(&c.Archive.Region, "us-east-1")
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to parse config file")
	}

	c.ApplyDefaults()
	return nil
}

// LoadFromEnv loads configuration from PERFCORE_* environment variables.
// Malformed numeric or duration values are reported, not ignored.
func (c *Configuration) LoadFromEnv() error {
	env := envReader{}

	env.str("LOG_LEVEL", &c.Global.LogLevel)
	env.str("LOG_FORMAT", &c.Global.LogFormat)
	env.str("API_ADDR", &c.Global.APIAddr)
	env.str("METRICS_ADDR", &c.Global.MetricsAddr)

	env.str("DB_DRIVER", &c.Database.Driver)
	env.str("DB_DSN", &c.Database.DSN)
	env.integer("DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	env.integer("DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	env.duration("DB_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime)
	env.duration("DB_CONN_MAX_IDLE_TIME", &c.Database.ConnMaxIdleTime)
	env.integer("DB_CONNECT_ATTEMPTS", &c.Database.ConnectAttempts)

	env.str("REDIS_ADDR", &c.Cache.Redis.Addr)
	env.str("REDIS_PASSWORD", &c.Cache.Redis.Password)
	env.duration("CACHE_PROMOTION_TTL", &c.Cache.PromotionTTL)

	env.integer("BATCH_SIZE", &c.Batch.BatchSize)
	env.duration("BATCH_FLUSH_INTERVAL", &c.Batch.FlushInterval)

	env.integer("EVENTS_WORKERS", &c.Events.Workers)
	env.integer("EVENTS_BUFFER_SIZE", &c.Events.BufferSize)
	env.boolean("EVENTS_PARTITION", &c.Events.Partition)

	env.boolean("MEMORY_ENABLED", &c.Memory.Enabled)
	env.str("MEMORY_PROFILE_DIR", &c.Memory.ProfileDir)

	env.str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	env.str("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)

	if len(env.errs) > 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, strings.Join(env.errs, "; ")).
			WithComponent("config").WithOperation("LoadFromEnv")
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	invalid := func(msg string, args ...interface{}) error {
		return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf(msg, args...)).
			WithComponent("config").WithOperation("Validate")
	}

	switch c.Database.Driver {
	case "pgx", "sqlite":
	default:
		return invalid("unsupported database driver: %s (must be one of: pgx, sqlite)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return invalid("database dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return invalid("max_open_conns must be greater than 0")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return invalid("max_idle_conns cannot exceed max_open_conns")
	}
	if c.Batch.BatchSize <= 0 {
		return invalid("batch_size must be greater than 0")
	}
	if c.Batch.FlushInterval <= 0 {
		return invalid("flush_interval must be greater than 0")
	}
	if c.Events.Workers <= 0 {
		return invalid("workers must be greater than 0")
	}
	if c.Events.BufferSize <= 0 {
		return invalid("buffer_size must be greater than 0")
	}
	if c.Events.RateLimit < 0 {
		return invalid("rate_limit cannot be negative")
	}

	validLogLevels := []string{"debug", "info", "warn", "warning", "error"}
	for _, level := range validLogLevels {
		if strings.EqualFold(c.Global.LogLevel, level) {
			return nil
		}
	}
	return invalid("invalid log_level: %s (must be one of: %s)",
		c.Global.LogLevel, strings.Join(validLogLevels, ", "))
}

type envReader struct {
	errs []string
}

func (e *envReader) lookup(name string) (string, bool) {
	val := os.Getenv(envPrefix + name)
	return val, val != ""
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.lookup(name); ok {
		*dst = val
	}
}

func (e *envReader) integer(name string, dst *int) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: %q is not an integer", envPrefix, name, val))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	val, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s%s: %q is not a duration", envPrefix, name, val))
		return
	}
	*dst = d
}

func (e *envReader) boolean(name string, dst *bool) {
	if val, ok := e.lookup(name); ok {
		*dst = strings.EqualFold(val, "true") || val == "1"
	}
}
