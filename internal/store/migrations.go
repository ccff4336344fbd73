package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is a forward-only DDL/DML script keyed by an ascending integer.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				schedule TEXT NOT NULL,
				script TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT 'script',
				description TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				timeout_ms INTEGER,
				overlap_policy TEXT NOT NULL DEFAULT 'skip',
				notify_on_failure TEXT,
				notify_on_success TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id TEXT NOT NULL REFERENCES jobs(id),
				status TEXT NOT NULL,
				started_at INTEGER NOT NULL,
				finished_at INTEGER,
				duration_ms INTEGER,
				exit_code INTEGER,
				tokens INTEGER,
				result_meta TEXT,
				error TEXT,
				stdout_tail TEXT,
				stderr_tail TEXT,
				"trigger" TEXT NOT NULL DEFAULT 'schedule'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_job_started ON runs(job_id, started_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS state (
				namespace TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT,
				expires_at INTEGER,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (namespace, key)
			)`,
			`CREATE TABLE IF NOT EXISTS state_items (
				namespace TEXT NOT NULL,
				key TEXT NOT NULL,
				item_key TEXT NOT NULL,
				value TEXT,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (namespace, key, item_key),
				FOREIGN KEY (namespace, key) REFERENCES state(namespace, key)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_state_expires ON state(expires_at) WHERE expires_at IS NOT NULL`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS queue_defs (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				dedup_expr TEXT,
				dedup_scope TEXT NOT NULL DEFAULT 'pending',
				max_attempts INTEGER NOT NULL DEFAULT 1,
				retention_days INTEGER NOT NULL DEFAULT 7
			)`,
			`CREATE TABLE IF NOT EXISTS queue_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				queue_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				priority INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 1,
				dedup_key TEXT,
				error TEXT,
				created_at INTEGER NOT NULL,
				claimed_at INTEGER,
				finished_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_pending ON queue_items(queue_id, status, priority DESC, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_dedup ON queue_items(queue_id, dedup_key) WHERE dedup_key IS NOT NULL`,
		},
	},
}

// migrate applies every registered migration with a version greater than
// the current max, each wrapped in one transaction together with its
// schema_version row. Re-running on an up-to-date store is a no-op.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.Batch(func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
				}
			}
			_, err := tx.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`, m.version, nowMS())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		slog.Info("migration applied", "version", m.version)
	}

	return nil
}
