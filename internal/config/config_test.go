package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"herbtrace/internal/blob"
	"herbtrace/internal/core"
	"herbtrace/internal/infra/cache"
)

func env(values map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := values[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Driver != core.StorageMemory || cfg.Blob.Driver != blob.DriverMemory || cfg.Cache.Driver != cache.DriverNone {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Scan.FrameInterval != 100*time.Millisecond {
		t.Fatalf("unexpected frame interval %v", cfg.Scan.FrameInterval)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herbtrace.yaml")
	yaml := `
storage:
  driver: sqlite
  sqlite_path: /var/lib/herbtrace/batches.db
blob:
  driver: s3
  s3:
    bucket: herbtrace-qr
    endpoint: http://minio:9000
    path_style: true
cache:
  driver: lru
  ttl: 30s
scan:
  decode_timeout: 1m
telemetry:
  otlp_endpoint: collector:4317
  trace_file: /var/log/herbtrace/spans.jsonl
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != core.StorageSQLite || cfg.Storage.SQLitePath != "/var/lib/herbtrace/batches.db" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Blob.S3.Bucket != "herbtrace-qr" || !cfg.Blob.S3.PathStyle {
		t.Fatalf("unexpected blob %+v", cfg.Blob)
	}
	if cfg.Cache.TTL != 30*time.Second || cfg.Cache.Size != cache.DefaultSize {
		t.Fatalf("unexpected cache %+v", cfg.Cache)
	}
	if cfg.Scan.DecodeTimeout != time.Minute || cfg.Scan.AccessTimeout != 10*time.Second {
		t.Fatalf("unexpected scan %+v", cfg.Scan)
	}
	if cfg.Telemetry.Endpoint != "collector:4317" || cfg.Telemetry.ServiceName != "herbtrace" || !cfg.Telemetry.Metrics {
		t.Fatalf("unexpected telemetry %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.TraceFile != "/var/log/herbtrace/spans.jsonl" {
		t.Fatalf("unexpected trace file %q", cfg.Telemetry.TraceFile)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("server addr default lost: %q", cfg.Server.Addr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"HERBTRACE_STORAGE_DRIVER":     "postgres",
		"HERBTRACE_POSTGRES_DSN":       "postgres://db/herbtrace",
		"HERBTRACE_BLOB_DRIVER":        "fs",
		"HERBTRACE_BLOB_FS_ROOT":       "/data/qr",
		"HERBTRACE_CACHE_DRIVER":       "redis",
		"HERBTRACE_REDIS_ADDR":         "redis:6379",
		"HERBTRACE_CACHE_TTL":          "2m",
		"HERBTRACE_ADDR":               ":9090",
		"HERBTRACE_AMQP_URL":           "amqp://guest:guest@mq:5672/",
		"HERBTRACE_DEMO_SEED":          "true",
		"HERBTRACE_BLOB_S3_PATH_STYLE": "1",
		"HERBTRACE_TRACE_FILE":         "spans.jsonl",
	}))
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Storage.Options().Driver != core.StoragePostgres || cfg.Storage.PostgresDSN != "postgres://db/herbtrace" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Blob.Driver != blob.DriverFilesystem || cfg.Blob.FSRoot != "/data/qr" || !cfg.Blob.S3.PathStyle {
		t.Fatalf("unexpected blob %+v", cfg.Blob)
	}
	if cfg.Cache.Driver != cache.DriverRedis || cfg.Cache.TTL != 2*time.Minute {
		t.Fatalf("unexpected cache %+v", cfg.Cache)
	}
	if cfg.Telemetry.TraceFile != "spans.jsonl" {
		t.Fatalf("unexpected trace file %q", cfg.Telemetry.TraceFile)
	}
	if cfg.Server.Addr != ":9090" || !cfg.Demo.Seed || cfg.Audit.AMQPURL == "" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestEnvParseErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"HERBTRACE_DEMO_SEED": "maybe",
		"HERBTRACE_CACHE_TTL": "forever",
	}))
	if err == nil || !strings.Contains(err.Error(), "HERBTRACE_DEMO_SEED") || !strings.Contains(err.Error(), "HERBTRACE_CACHE_TTL") {
		t.Fatalf("expected both parse errors, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"storage":    func(c *Config) { c.Storage.Driver = "mongo" },
		"blob":       func(c *Config) { c.Blob.Driver = "tape" },
		"s3 bucket":  func(c *Config) { c.Blob.Driver = blob.DriverS3 },
		"cache":      func(c *Config) { c.Cache.Driver = "memcached" },
		"redis addr": func(c *Config) { c.Cache.Driver = cache.DriverRedis },
		"scan":       func(c *Config) { c.Scan.FrameInterval = -time.Second },
		"log level":  func(c *Config) { c.Log.Level = "loud" },
		"log format": func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("storage: [\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "batch_id", "B1")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"batch_id":"B1"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
