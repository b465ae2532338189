package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("storage: conflicting update")
)

const schemaVersion = "1"

// DB wraps the SQLite database that holds call records.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates calls.db in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	// Timestamps are unix milliseconds; started_at/ended_at stay NULL until set.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _calls (
			id          TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			started_at  INTEGER,
			ended_at    INTEGER,
			CHECK (caller_id <> receiver_id)
		);
		CREATE INDEX IF NOT EXISTS idx_calls_receiver ON _calls(receiver_id, status);
		CREATE INDEX IF NOT EXISTS idx_calls_caller ON _calls(caller_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	d := &DB{db: db, path: dbPath}
	switch v := d.GetMeta("schema_version"); v {
	case "":
		if err := d.SetMeta("schema_version", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("write schema version: %w", err)
		}
	case schemaVersion:
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported schema version %q in %s", v, dbPath)
	}
	return d, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// SetMeta stores a key/value pair in the internal metadata table.
func (d *DB) SetMeta(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetMeta returns a metadata value, or "" when unset.
func (d *DB) GetMeta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	_ = d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	return v
}
