package backend

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"daysync/internal/backend/migrations"
	"daysync/internal/daysync"
)

// SQLiteBackend keeps every key in a single SQLite table. The database file
// may be opened by several processes; SQLite's own locking serializes writers.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (or creates) the database at path and applies
// pending migrations. path can be ":memory:". maxBytes, when positive, caps
// the database size so that writes beyond it fail with ErrQuotaExceeded.
func NewSQLiteBackend(path string, maxBytes int64) (*SQLiteBackend, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	if maxBytes > 0 {
		if err := limitSize(db, maxBytes); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

// OpenConnection opens a SQLite connection configured for shared use.
// In-memory databases are pinned to one connection, since every new
// connection would otherwise see its own empty database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

func limitSize(db *sql.DB, maxBytes int64) error {
	var pageSize int64
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return fmt.Errorf("reading page size: %w", err)
	}
	pages := maxBytes / pageSize
	if pages < 1 {
		pages = 1
	}
	// max_page_count does not accept bound parameters.
	if _, err := db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		return fmt.Errorf("setting max page count: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM entries WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", daysync.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteBackend) Put(key string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO entries (key, value, updated_at)
		VALUES (?, ?, CAST(strftime('%s','now') AS INTEGER))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		if isFull(err) {
			return fmt.Errorf("%w: %s: %v", daysync.ErrQuotaExceeded, key, err)
		}
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteBackend) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteBackend) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM entries ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ValidateSetup checks that the database answers and its schema is current.
func (s *SQLiteBackend) ValidateSetup() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("database %s is not reachable: %w", s.path, err)
	}
	return migrations.CheckStatus(s.db)
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

func isFull(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrFull
}

var _ daysync.Backend = (*SQLiteBackend)(nil)
