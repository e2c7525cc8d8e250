package durable

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend      string
	SQLitePath   string
	SQLiteDriver string
	Redis        RedisConfig
	Logger       *slog.Logger
}

// Open returns the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		driver := opts.SQLiteDriver
		if driver == "" {
			driver = DriverCGO
		}
		return OpenSQLite(opts.SQLitePath, WithDriver(driver), WithSQLiteLogger(opts.Logger))
	case BackendRedis:
		return OpenRedis(ctx, opts.Redis, opts.Logger)
	case BackendMemory:
		return NewMemoryStore(opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown durable backend %q", opts.Backend)
	}
}

// LiveEntries returns the unexpired entries of segment and evicts the
// expired ones.
func LiveEntries(ctx context.Context, s Store, segment Segment, now time.Time) (map[string]Entry, error) {
	all, err := s.GetAllEntries(ctx, segment)
	if err != nil {
		return nil, err
	}
	var expired []string
	for k, e := range all {
		if e.Expired(now) {
			expired = append(expired, k)
			delete(all, k)
		}
	}
	if len(expired) > 0 {
		if err := s.EvictEntries(ctx, expired, segment); err != nil {
			return nil, fmt.Errorf("evict expired: %w", err)
		}
	}
	return all, nil
}
