// Package store owns the embedded SQLite database shared by all engines:
// jobs, runs, state rows, queue definitions and items, and the schema
// version ledger. Writers are serialized through WAL; a single process
// owns the file.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job, run, or queue item does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database backing the runner.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path, enables WAL and foreign-key
// enforcement, and applies any pending migrations. Parent directories are
// created if missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// _txlock=immediate makes every transaction a write transaction from
	// BEGIN. A deferred transaction that reads first and upgrades at its
	// first write fails with SQLITE_BUSY when another writer committed in
	// between (busy_timeout does not retry snapshot conflicts); immediate
	// transactions queue on the write lock and honor busy_timeout instead.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("store opened", "path", path)
	return s, nil
}

// DB exposes the underlying handle for read queries by the engines.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the database file path (exported to job child processes).
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Batch runs fn inside a single immediate (write) transaction, rolling
// back on error. This is the atomic primitive used by migrations and the
// queue dequeue; concurrent batches serialize on the write lock rather
// than failing on a stale read snapshot.
func (s *Store) Batch(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// nowMS returns the current time in milliseconds.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
