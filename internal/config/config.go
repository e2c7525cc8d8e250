// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/roach88/recordcache/internal/durable"
)

// Config holds all configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig
	Durable    DurableConfig
	Upstream   UpstreamConfig
	Cache      CacheConfig
	ObjectInfo ObjectInfoConfig
}

// ServerConfig holds HTTP sidecar settings.
type ServerConfig struct {
	Host            string        `envconfig:"RECORDCACHE_SERVER_HOST" default:"127.0.0.1"`
	Port            int           `envconfig:"RECORDCACHE_SERVER_PORT" default:"8787"`
	ReadTimeout     time.Duration `envconfig:"RECORDCACHE_SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"RECORDCACHE_SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"RECORDCACHE_SERVER_SHUTDOWN_TIMEOUT" default:"10s"`
	AllowedOrigins  []string      `envconfig:"RECORDCACHE_SERVER_ALLOWED_ORIGINS" default:"*"`
}

// DurableConfig selects the persistent store.
type DurableConfig struct {
	Backend      string `envconfig:"RECORDCACHE_DURABLE_BACKEND" default:"sqlite"` // sqlite, redis or memory
	SQLitePath   string `envconfig:"RECORDCACHE_DURABLE_SQLITE_PATH" default:"./data/recordcache.db"`
	SQLiteDriver string `envconfig:"RECORDCACHE_DURABLE_SQLITE_DRIVER" default:"sqlite3"` // sqlite3 (cgo) or sqlite (pure Go)

	RedisAddr      string `envconfig:"RECORDCACHE_DURABLE_REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string `envconfig:"RECORDCACHE_DURABLE_REDIS_PASSWORD" default:""`
	RedisDB        int    `envconfig:"RECORDCACHE_DURABLE_REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"RECORDCACHE_DURABLE_REDIS_KEY_PREFIX" default:"recordcache"`
}

// UpstreamConfig points at the record API.
type UpstreamConfig struct {
	BaseURL string        `envconfig:"RECORDCACHE_UPSTREAM_BASE_URL" default:"http://localhost:8080"`
	Timeout time.Duration `envconfig:"RECORDCACHE_UPSTREAM_TIMEOUT" default:"30s"`
}

// CacheConfig tunes the record cache and the draft queue.
type CacheConfig struct {
	MaxDepth         int           `envconfig:"RECORDCACHE_CACHE_MAX_DEPTH" default:"5"`
	MappingRetention time.Duration `envconfig:"RECORDCACHE_CACHE_MAPPING_RETENTION" default:"720h"`
	RetryInterval    time.Duration `envconfig:"RECORDCACHE_CACHE_RETRY_INTERVAL" default:"5s"`
}

// ObjectInfoConfig locates the CUE object metadata. An empty path uses the
// built-in metadata.
type ObjectInfoConfig struct {
	Path string `envconfig:"RECORDCACHE_OBJECTINFO_PATH" default:""`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Options converts the durable section to durable.Options.
func (d *DurableConfig) Options(logger *slog.Logger) durable.Options {
	return durable.Options{
		Backend:      d.Backend,
		SQLitePath:   d.SQLitePath,
		SQLiteDriver: d.SQLiteDriver,
		Redis: durable.RedisConfig{
			Addr:      d.RedisAddr,
			Password:  d.RedisPassword,
			DB:        d.RedisDB,
			KeyPrefix: d.RedisKeyPrefix,
		},
		Logger: logger,
	}
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	switch c.Durable.Backend {
	case durable.BackendSQLite, durable.BackendRedis, durable.BackendMemory:
	default:
		return fmt.Errorf("durable backend %q: want sqlite, redis or memory", c.Durable.Backend)
	}
	if c.Durable.Backend == durable.BackendSQLite &&
		c.Durable.SQLiteDriver != durable.DriverCGO && c.Durable.SQLiteDriver != durable.DriverPureGo {
		return fmt.Errorf("sqlite driver %q: want %s or %s", c.Durable.SQLiteDriver, durable.DriverCGO, durable.DriverPureGo)
	}
	if c.Cache.MaxDepth <= 0 {
		return fmt.Errorf("cache max depth must be positive, got %d", c.Cache.MaxDepth)
	}
	if c.Cache.MappingRetention <= 0 {
		return fmt.Errorf("mapping retention must be positive, got %s", c.Cache.MappingRetention)
	}
	return nil
}

// Load reads configuration from the environment. The named .env files (or
// ".env" when none are given) are loaded first when they exist; variables
// already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
