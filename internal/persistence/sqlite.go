package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Store provides SQLite-based persistence for cached call results and
// operational state.
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite store and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

// migrate runs database schema migrations.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS call_cache (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_call_cache_updated ON call_cache(updated_at)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	log.Debug().Msg("Database migrations completed")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM call_cache WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading cache key: %w", err)
	}
	return value, true, nil
}

// Set inserts or replaces the cached value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	query := `INSERT INTO call_cache (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, key, value, time.Now()); err != nil {
		return fmt.Errorf("writing cache key: %w", err)
	}
	return nil
}

// DeleteMatching removes every cached key containing pattern (case
// sensitive). An empty pattern removes all keys.
func (s *Store) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if pattern == "" {
		res, err = s.db.ExecContext(ctx, "DELETE FROM call_cache")
	} else {
		res, err = s.db.ExecContext(ctx, "DELETE FROM call_cache WHERE instr(key, ?) > 0", pattern)
	}
	if err != nil {
		return 0, fmt.Errorf("deleting cache keys: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of cached entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM call_cache").Scan(&count)
	return count, err
}

// PruneBefore removes cached entries last written before cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM call_cache WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning cache: %w", err)
	}
	return res.RowsAffected()
}

// SetSystemState stores a key-value pair in system state.
func (s *Store) SetSystemState(ctx context.Context, key, value string) error {
	query := `INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, key, value, time.Now())
	return err
}

// GetSystemState retrieves a value from system state.
func (s *Store) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM system_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
