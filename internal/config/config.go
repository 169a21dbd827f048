package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/oklog/ulid/v2"
)

// Config represents the application configuration. Values come from an
// optional TOML file named by CONFIG_FILE and are then overridden by the
// environment.
type Config struct {
	AppName          string        `toml:"app_name"`
	InstanceID       string        `toml:"instance_id"`
	PostgresURL      string        `toml:"postgres_url"`
	RedisAddr        string        `toml:"redis_addr"`
	RedisPassword    string        `toml:"redis_password"`
	RedisDB          int           `toml:"redis_db"`
	ObjectEndpoint   string        `toml:"object_endpoint"`
	ObjectRegion     string        `toml:"object_region"`
	ObjectBucket     string        `toml:"object_bucket"`
	ObjectAccessKey  string        `toml:"object_access_key"`
	ObjectSecretKey  string        `toml:"object_secret_key"`
	ObjectUseSSL     bool          `toml:"object_use_ssl"`
	HTTPListenAddr   string        `toml:"http_listen_addr"`
	MetricsAddr      string        `toml:"metrics_listen_addr"`
	ShutdownTimeout  time.Duration `toml:"shutdown_timeout"`
	HealthcheckProbe time.Duration `toml:"healthcheck_interval"`
	OTLPEndpoint     string        `toml:"otlp_endpoint"`

	SnapshotInterval  time.Duration `toml:"snapshot_interval"`
	SnapshotThreshold int64         `toml:"snapshot_threshold"`

	Demo Demo `toml:"demo"`
}

// Demo configures the store the server binds to a shared document at startup.
type Demo struct {
	Document string         `toml:"document"`
	Map      string         `toml:"map"`
	Fields   []string       `toml:"fields"`
	Defaults map[string]any `toml:"defaults"`
}

func defaults() Config {
	return Config{
		AppName:           "sync-state-bridge",
		ObjectRegion:      "us-east-1",
		ObjectBucket:      "sync-state",
		HTTPListenAddr:    ":8080",
		MetricsAddr:       ":9090",
		ShutdownTimeout:   10 * time.Second,
		HealthcheckProbe:  30 * time.Second,
		SnapshotInterval:  15 * time.Second,
		SnapshotThreshold: 500,
		Demo: Demo{
			Document: "demo",
			Map:      "state",
			Defaults: map[string]any{"count": int64(0), "title": ""},
		},
	}
}

// Load reads configuration from the optional file and the environment while
// applying sensible defaults for local development. Empty Postgres, Redis or
// object storage addresses disable the corresponding feature.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.AppName = getEnv("APP_NAME", cfg.AppName)
	cfg.InstanceID = getEnv("INSTANCE_ID", cfg.InstanceID)
	cfg.PostgresURL = getEnv("POSTGRES_URL", cfg.PostgresURL)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB)
	cfg.ObjectEndpoint = getEnv("OBJECT_ENDPOINT", cfg.ObjectEndpoint)
	cfg.ObjectRegion = getEnv("OBJECT_REGION", cfg.ObjectRegion)
	cfg.ObjectBucket = getEnv("OBJECT_BUCKET", cfg.ObjectBucket)
	cfg.ObjectAccessKey = getEnv("OBJECT_ACCESS_KEY", cfg.ObjectAccessKey)
	cfg.ObjectSecretKey = getEnv("OBJECT_SECRET_KEY", cfg.ObjectSecretKey)
	cfg.ObjectUseSSL = getBool("OBJECT_USE_SSL", cfg.ObjectUseSSL)
	cfg.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", cfg.HTTPListenAddr)
	cfg.MetricsAddr = getEnv("METRICS_LISTEN_ADDR", cfg.MetricsAddr)
	cfg.ShutdownTimeout = getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.HealthcheckProbe = getDuration("HEALTHCHECK_INTERVAL", cfg.HealthcheckProbe)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.SnapshotInterval = getDuration("SNAPSHOT_INTERVAL", cfg.SnapshotInterval)
	cfg.SnapshotThreshold = int64(getInt("SNAPSHOT_THRESHOLD", int(cfg.SnapshotThreshold)))
	cfg.Demo.Document = getEnv("DEMO_DOCUMENT", cfg.Demo.Document)
	cfg.Demo.Map = getEnv("DEMO_MAP", cfg.Demo.Map)
	if fields := os.Getenv("DEMO_FIELDS"); fields != "" {
		cfg.Demo.Fields = splitList(fields)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = ulid.Make().String()
	}
	if cfg.ObjectEndpoint != "" && (cfg.ObjectAccessKey == "" || cfg.ObjectSecretKey == "") {
		return Config{}, fmt.Errorf("object storage credentials must be provided")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
