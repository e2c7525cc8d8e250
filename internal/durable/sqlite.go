package durable

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on entries.expiration for the expired-entry sweep
const currentSchemaVersion = 1

// SQLite driver names registered by the imported drivers.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SQLiteStore is a Store backed by a single SQLite file in WAL mode.
type SQLiteStore struct {
	db *sql.DB
	listeners
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteOption configures OpenSQLite.
type SQLiteOption func(*sqliteConfig)

type sqliteConfig struct {
	driver string
	logger *slog.Logger
}

// WithDriver selects the database/sql driver name (DriverCGO or DriverPureGo).
func WithDriver(name string) SQLiteOption {
	return func(c *sqliteConfig) { c.driver = name }
}

// WithSQLiteLogger sets the logger used for listener failures.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(c *sqliteConfig) { c.logger = l }
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	cfg := sqliteConfig{driver: DriverCGO}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.driver != DriverCGO && cfg.driver != DriverPureGo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", cfg.driver)
	}

	if dir := filepath.Dir(path); path != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	s.logger = cfg.logger
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_entries_expiration
		ON entries(segment, expiration)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// GetEntries returns the entries present for keys. Absent keys are omitted.
func (s *SQLiteStore) GetEntries(ctx context.Context, keys []string, segment Segment) (map[string]Entry, error) {
	out := make(map[string]Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, string(segment))
	for _, k := range keys {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, data, expiration FROM entries
		WHERE segment = ? AND key IN (`+placeholders+`)
		ORDER BY key ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	defer rows.Close()

	if err := scanEntries(rows, out); err != nil {
		return nil, fmt.Errorf("get entries: %w", err)
	}
	return out, nil
}

// GetAllEntries returns every entry in segment.
func (s *SQLiteStore) GetAllEntries(ctx context.Context, segment Segment) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, data, expiration FROM entries
		WHERE segment = ?
		ORDER BY key ASC
	`, string(segment))
	if err != nil {
		return nil, fmt.Errorf("get all entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	if err := scanEntries(rows, out); err != nil {
		return nil, fmt.Errorf("get all entries: %w", err)
	}
	return out, nil
}

func scanEntries(rows *sql.Rows, out map[string]Entry) error {
	for rows.Next() {
		var (
			key  string
			data string
			exp  int64
		)
		if err := rows.Scan(&key, &data, &exp); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		out[key] = Entry{Data: []byte(data), Expiration: exp}
	}
	return rows.Err()
}

// SetEntries writes entries, replacing existing ones.
func (s *SQLiteStore) SetEntries(ctx context.Context, entries map[string]Entry, segment Segment) error {
	return s.BatchOperations(ctx, []Operation{{Type: OpSetEntries, Segment: segment, Entries: entries}})
}

// EvictEntries removes keys.
func (s *SQLiteStore) EvictEntries(ctx context.Context, keys []string, segment Segment) error {
	return s.BatchOperations(ctx, []Operation{{Type: OpEvictEntries, Segment: segment, Keys: keys}})
}

// BatchOperations applies ops in one transaction, then notifies listeners.
func (s *SQLiteStore) BatchOperations(ctx context.Context, ops []Operation) error {
	if err := validateOps(ops); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("batch operations: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, op := range ops {
		switch op.Type {
		case OpSetEntries:
			for _, key := range sortedKeys(op.Entries) {
				e := op.Entries[key]
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO entries (segment, key, data, expiration)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(segment, key) DO UPDATE SET
						data = excluded.data,
						expiration = excluded.expiration
				`, string(op.Segment), key, string(e.Data), e.Expiration); err != nil {
					return fmt.Errorf("batch operations: set %s: %w", key, err)
				}
			}
		case OpEvictEntries:
			for _, key := range op.Keys {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM entries WHERE segment = ? AND key = ?`,
					string(op.Segment), key); err != nil {
					return fmt.Errorf("batch operations: evict %s: %w", key, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("batch operations: commit: %w", err)
	}

	s.notify(ctx, changesFor(ops))
	return nil
}

// RegisterOnChangedListener adds fn to the listeners.
func (s *SQLiteStore) RegisterOnChangedListener(fn Listener) func() {
	return s.register(fn)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteStore) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
