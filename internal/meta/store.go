// Package meta is the durable key/value store backing the routing policy
// store, the table policy store, and split plan persistence. It is a
// single SQLite database opened with the same single-writer discipline as
// the per-shard engines.
package meta

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"shardsql/internal/logging"
)

// Store is a SQLite-backed KV store. Safe for concurrent use; SQLite
// serializes writers through the single connection.
type Store struct {
	db   *sql.DB
	path string
}

// KV is one key/value pair returned by List.
type KV struct {
	Key   string
	Value []byte
}

// Open initializes the metadata database at path. ":memory:" is accepted
// for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create meta directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open meta database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Boot("meta: failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Boot("meta: failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Boot("meta: failed to set synchronous=NORMAL: %v", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize meta schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRow("SELECT v FROM kv WHERE k = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("meta get %s: %w", key, err)
	}
	return v, true, nil
}

// Put upserts one key.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (k, v, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("meta put %s: %w", key, err)
	}
	return nil
}

// PutMany upserts all pairs inside one transaction. Used to persist a new
// policy version and move the current pointer atomically.
func (s *Store) PutMany(pairs map[string][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("meta begin: %w", err)
	}
	for k, v := range pairs {
		if _, err := tx.Exec(`
			INSERT INTO kv (k, v, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP`,
			k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("meta put %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("meta commit: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE k = ?", key); err != nil {
		return fmt.Errorf("meta delete %s: %w", key, err)
	}
	return nil
}

// List returns all pairs whose key starts with prefix, ordered by key.
func (s *Store) List(prefix string) ([]KV, error) {
	rows, err := s.db.Query(
		"SELECT k, v FROM kv WHERE k >= ? AND k < ? ORDER BY k",
		prefix, prefix+"\xff")
	if err != nil {
		return nil, fmt.Errorf("meta list %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(kv.Key, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
