// Package sqlitehook is the default hooks.PersistenceHook, backed by SQLite.
// It gives the teacher's dangling mattn/go-sqlite3 indirect dependency a
// concrete home: identity material and MAPE-K Knowledge Base snapshots
// (spec.md §6 persisted state layout) live in a single-table key/value store.
package sqlitehook

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed hooks.PersistenceHook.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and ensures
// the kv table exists. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitehook: open %s: %w", path, err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitehook: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Load implements hooks.PersistenceHook.
func (s *Store) Load(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitehook: load %s: %w", key, err)
	}
	return value, true, nil
}

// Save implements hooks.PersistenceHook.
func (s *Store) Save(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlitehook: save %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
