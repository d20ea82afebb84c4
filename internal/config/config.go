// Package config loads herbtrace settings from defaults, an optional YAML
// file and HERBTRACE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"herbtrace/internal/blob"
	"herbtrace/internal/core"
	"herbtrace/internal/infra/cache"
	"herbtrace/internal/infra/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HERBTRACE_"

// Config is the full application configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Blob      blob.Options    `yaml:"blob"`
	Cache     cache.Options   `yaml:"cache"`
	Server    ServerConfig    `yaml:"server"`
	Scan      ScanConfig      `yaml:"scan"`
	QR        QRConfig        `yaml:"qr"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
	Demo      DemoConfig      `yaml:"demo"`
}

// StorageConfig selects the batch record backend.
type StorageConfig struct {
	Driver      core.StorageDriver `yaml:"driver"`
	SQLitePath  string             `yaml:"sqlite_path"`
	PostgresDSN string             `yaml:"postgres_dsn"`
}

// Options converts to core.StorageOptions.
func (s StorageConfig) Options() core.StorageOptions {
	return core.StorageOptions{Driver: s.Driver, SQLitePath: s.SQLitePath, PostgresDSN: s.PostgresDSN}
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ScanConfig bounds scan sessions.
type ScanConfig struct {
	AccessTimeout time.Duration `yaml:"access_timeout"`
	DecodeTimeout time.Duration `yaml:"decode_timeout"`
	FrameInterval time.Duration `yaml:"frame_interval"`
}

// QRConfig configures rendered codes.
type QRConfig struct {
	Size      int  `yaml:"size"`
	Prerender bool `yaml:"prerender"`
	QueueSize int  `yaml:"queue_size"`
}

// TelemetryConfig configures tracing and metrics exposition.
type TelemetryConfig struct {
	telemetry.Config `yaml:",inline"`
	Metrics          bool `yaml:"metrics"`
	// TraceFile, when set, receives one JSON line per service operation.
	TraceFile string `yaml:"trace_file"`
}

// AuditConfig configures the RabbitMQ audit sink; an empty URL disables it.
type AuditConfig struct {
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DemoConfig controls the sample batch fixture.
type DemoConfig struct {
	Seed bool `yaml:"seed"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{Driver: core.StorageMemory, SQLitePath: "herbtrace.db"},
		Blob:    blob.Options{Driver: blob.DriverMemory, FSRoot: "./blobdata"},
		Cache:   cache.Options{Driver: cache.DriverNone, Size: cache.DefaultSize, TTL: cache.DefaultTTL},
		Server:  ServerConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Scan: ScanConfig{
			AccessTimeout: 10 * time.Second,
			DecodeTimeout: 30 * time.Second,
			FrameInterval: 100 * time.Millisecond,
		},
		QR:        QRConfig{Size: 256, Prerender: true, QueueSize: 32},
		Telemetry: TelemetryConfig{Config: telemetry.DefaultConfig(), Metrics: true},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (if non-empty) over Default and applies environment
// overrides from os.LookupEnv.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HERBTRACE_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	var storageDriver, blobDriver, cacheDriver string
	str("STORAGE_DRIVER", &storageDriver)
	if storageDriver != "" {
		c.Storage.Driver = core.StorageDriver(storageDriver)
	}
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)

	str("BLOB_DRIVER", &blobDriver)
	if blobDriver != "" {
		c.Blob.Driver = blob.Driver(blobDriver)
	}
	str("BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("BLOB_S3_REGION", &c.Blob.S3.Region)
	str("BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	boolean("BLOB_S3_PATH_STYLE", &c.Blob.S3.PathStyle)

	str("CACHE_DRIVER", &cacheDriver)
	if cacheDriver != "" {
		c.Cache.Driver = cache.Driver(cacheDriver)
	}
	duration("CACHE_TTL", &c.Cache.TTL)
	str("REDIS_ADDR", &c.Cache.RedisAddr)

	str("ADDR", &c.Server.Addr)
	str("OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("TRACE_FILE", &c.Telemetry.TraceFile)
	boolean("METRICS", &c.Telemetry.Metrics)
	str("AMQP_URL", &c.Audit.AMQPURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	boolean("DEMO_SEED", &c.Demo.Seed)
	duration("SCAN_DECODE_TIMEOUT", &c.Scan.DecodeTimeout)
	return errors.Join(errs...)
}

// Validate rejects unknown drivers and nonsensical bounds.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "", core.StorageMemory, core.StorageSQLite, core.StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "", blob.DriverMemory, blob.DriverFilesystem, blob.DriverS3:
	default:
		errs = append(errs, fmt.Errorf("blob.driver: unknown %q", c.Blob.Driver))
	}
	if c.Blob.Driver == blob.DriverS3 && c.Blob.S3.Bucket == "" {
		errs = append(errs, errors.New("blob.s3.bucket: required for s3 driver"))
	}
	switch c.Cache.Driver {
	case "", cache.DriverNone, cache.DriverLRU:
	case cache.DriverRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr: required for redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.driver: unknown %q", c.Cache.Driver))
	}
	if c.Scan.FrameInterval < 0 || c.Scan.AccessTimeout < 0 || c.Scan.DecodeTimeout < 0 {
		errs = append(errs, errors.New("scan: durations must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level: unknown %q", s)
	}
}
