package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for the Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps each segment in one Redis hash. Hash fields are store
// keys and values are the entry JSON.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	listeners
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStore(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string, logger *slog.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "recordcache"
	}
	s := &RedisStore{client: client, keyPrefix: keyPrefix}
	s.logger = logger
	return s
}

func (s *RedisStore) segmentKey(segment Segment) string {
	return s.keyPrefix + ":" + string(segment)
}

// GetEntries returns the entries present for keys. Absent keys are omitted.
func (s *RedisStore) GetEntries(ctx context.Context, keys []string, segment Segment) (map[string]Entry, error) {
	out := make(map[string]Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.segmentKey(segment), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("get entries: decode %s: %w", keys[i], err)
		}
		out[keys[i]] = e
	}
	return out, nil
}

// GetAllEntries returns every entry in segment.
func (s *RedisStore) GetAllEntries(ctx context.Context, segment Segment) (map[string]Entry, error) {
	vals, err := s.client.HGetAll(ctx, s.segmentKey(segment)).Result()
	if err != nil {
		return nil, fmt.Errorf("get all entries: %w", err)
	}
	out := make(map[string]Entry, len(vals))
	for k, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("get all entries: decode %s: %w", k, err)
		}
		out[k] = e
	}
	return out, nil
}

// SetEntries writes entries, replacing existing ones.
func (s *RedisStore) SetEntries(ctx context.Context, entries map[string]Entry, segment Segment) error {
	return s.BatchOperations(ctx, []Operation{{Type: OpSetEntries, Segment: segment, Entries: entries}})
}

// EvictEntries removes keys.
func (s *RedisStore) EvictEntries(ctx context.Context, keys []string, segment Segment) error {
	return s.BatchOperations(ctx, []Operation{{Type: OpEvictEntries, Segment: segment, Keys: keys}})
}

// BatchOperations applies ops in one MULTI/EXEC pipeline.
func (s *RedisStore) BatchOperations(ctx context.Context, ops []Operation) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			key := s.segmentKey(op.Segment)
			switch op.Type {
			case OpSetEntries:
				if len(op.Entries) == 0 {
					continue
				}
				values := make([]any, 0, len(op.Entries)*2)
				for _, k := range sortedKeys(op.Entries) {
					data, err := json.Marshal(op.Entries[k])
					if err != nil {
						return fmt.Errorf("encode %s: %w", k, err)
					}
					values = append(values, k, data)
				}
				pipe.HSet(ctx, key, values...)
			case OpEvictEntries:
				if len(op.Keys) == 0 {
					continue
				}
				pipe.HDel(ctx, key, op.Keys...)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch operations: %w", err)
	}

	s.notify(ctx, changesFor(ops))
	return nil
}

// RegisterOnChangedListener adds fn to the listeners.
func (s *RedisStore) RegisterOnChangedListener(fn Listener) func() {
	return s.register(fn)
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
