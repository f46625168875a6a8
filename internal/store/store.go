package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a namespaced key-value store backed by sqlite. It is the
// persistence layer behind the failure registry, the follow list, and the
// session seen-set. Single-key atomicity only; no transactions span keys.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	// Small write volume; a handful of connections is plenty
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	// WAL mode allows readers and writers to work concurrently
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set pragma: %v", err)
		}
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("could not create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	table := `
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY(namespace, key)
	);`

	_, err := db.Exec(table)
	return err
}

// Get returns the stored value, or ok=false if the key is absent.
func (s *Store) Get(namespace, key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(
		"SELECT value FROM kv WHERE namespace = ? AND key = ?;",
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Put inserts or replaces a key. The original created_at is kept on conflict
// so first-seen timestamps survive repeated writes.
func (s *Store) Put(namespace, key, value string) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO kv (namespace, key, value, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value;
	`
	_, err := s.db.Exec(query, namespace, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(namespace, key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE namespace = ? AND key = ?;", namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteAll clears an entire namespace.
func (s *Store) DeleteAll(namespace string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE namespace = ?;", namespace)
	if err != nil {
		return fmt.Errorf("failed to clear namespace %s: %w", namespace, err)
	}
	return nil
}

// ForEach streams all entries in a namespace through a callback, avoiding
// loading the whole namespace into memory.
func (s *Store) ForEach(namespace string, callback func(key, value string) error) error {
	rows, err := s.db.Query("SELECT key, value FROM kv WHERE namespace = ?;", namespace)
	if err != nil {
		return fmt.Errorf("failed to query namespace %s: %w", namespace, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan entry: %w", err)
		}
		if err := callback(key, value); err != nil {
			return fmt.Errorf("callback error: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating namespace %s: %w", namespace, err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
