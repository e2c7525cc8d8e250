package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordcache/internal/durable"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Address())
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, durable.BackendSQLite, cfg.Durable.Backend)
	assert.Equal(t, durable.DriverCGO, cfg.Durable.SQLiteDriver)
	assert.Equal(t, 5, cfg.Cache.MaxDepth)
	assert.Equal(t, 720*time.Hour, cfg.Cache.MappingRetention)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Empty(t, cfg.ObjectInfo.Path)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RECORDCACHE_SERVER_PORT", "9999")
	t.Setenv("RECORDCACHE_DURABLE_BACKEND", "redis")
	t.Setenv("RECORDCACHE_DURABLE_REDIS_DB", "3")
	t.Setenv("RECORDCACHE_CACHE_MAPPING_RETENTION", "24h")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)

	opts := cfg.Durable.Options(nil)
	assert.Equal(t, durable.BackendRedis, opts.Backend)
	assert.Equal(t, 3, opts.Redis.DB)
	assert.Equal(t, "recordcache", opts.Redis.KeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.Cache.MappingRetention)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RECORDCACHE_SERVER_HOST=0.0.0.0\nRECORDCACHE_DURABLE_SQLITE_DRIVER=sqlite\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("RECORDCACHE_SERVER_HOST")
		os.Unsetenv("RECORDCACHE_DURABLE_SQLITE_DRIVER")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, durable.DriverPureGo, cfg.Durable.SQLiteDriver)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"unknown backend", "RECORDCACHE_DURABLE_BACKEND", "couchdb"},
		{"unknown sqlite driver", "RECORDCACHE_DURABLE_SQLITE_DRIVER", "pgx"},
		{"zero depth", "RECORDCACHE_CACHE_MAX_DEPTH", "0"},
		{"bad duration", "RECORDCACHE_UPSTREAM_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}
