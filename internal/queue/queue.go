// Package queue implements the durable work queue: enqueue with optional
// path-expression deduplication, claim-based dequeue under a transaction,
// explicit completion, and retry-or-dead-letter on failure.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

// Item statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Dedup scopes: which statuses participate in duplicate detection.
const (
	ScopePending = "pending" // {pending, processing}
	ScopeAll     = "all"     // {pending, processing, done}
)

// Defaults for queues without a definition row.
const (
	DefaultMaxAttempts   = 1
	DefaultRetentionDays = 7
)

// SkippedID is the sentinel returned by Enqueue when deduplication
// suppressed the insert.
const SkippedID = int64(-1)

// ErrInvalidDefinition is returned for malformed queue definitions.
var ErrInvalidDefinition = errors.New("invalid queue definition")

// Definition declares a queue and its dedup/retry/retention behavior.
type Definition struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DedupExpr     string `json:"dedup_expr,omitempty"`
	DedupScope    string `json:"dedup_scope"`
	MaxAttempts   int    `json:"max_attempts"`
	RetentionDays int    `json:"retention_days"`
}

// Item is a dequeued work item.
type Item struct {
	ID      int64
	Payload json.RawMessage
}

// ItemRow is the full persisted shape, for listings and tests.
type ItemRow struct {
	ID          int64           `json:"id"`
	QueueID     string          `json:"queue_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DedupKey    *string         `json:"dedup_key,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	ClaimedAt   *int64          `json:"claimed_at,omitempty"`
	FinishedAt  *int64          `json:"finished_at,omitempty"`
}

// EnqueueOptions override queue defaults per item.
type EnqueueOptions struct {
	MaxAttempts int // 0 = use queue default
	Priority    int
}

// Engine implements the queue contract over the shared store.
type Engine struct {
	store *store.Store
}

// NewEngine creates a queue engine backed by the store.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Define upserts a queue definition. Definitions are normally seeded once
// and immutable afterward.
func (e *Engine) Define(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if def.DedupScope == "" {
		def.DedupScope = ScopePending
	}
	if def.DedupScope != ScopePending && def.DedupScope != ScopeAll {
		return fmt.Errorf("%w: unknown dedup scope %q", ErrInvalidDefinition, def.DedupScope)
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = DefaultMaxAttempts
	}
	if def.RetentionDays <= 0 {
		def.RetentionDays = DefaultRetentionDays
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	_, err := e.store.DB().Exec(`INSERT INTO queue_defs (id, name, dedup_expr, dedup_scope, max_attempts, retention_days)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, dedup_expr=excluded.dedup_expr,
			dedup_scope=excluded.dedup_scope, max_attempts=excluded.max_attempts, retention_days=excluded.retention_days`,
		def.ID, def.Name, nullIfEmpty(def.DedupExpr), def.DedupScope, def.MaxAttempts, def.RetentionDays)
	if err != nil {
		return fmt.Errorf("define queue: %w", err)
	}
	return nil
}

// GetDefinition returns the definition for a queue id. Undefined queues are
// allowed: the second return is false and callers fall back to defaults.
func (e *Engine) GetDefinition(id string) (Definition, bool, error) {
	var def Definition
	var expr sql.NullString
	err := e.store.DB().QueryRow(`SELECT id, name, dedup_expr, dedup_scope, max_attempts, retention_days
		FROM queue_defs WHERE id=?`, id).
		Scan(&def.ID, &def.Name, &expr, &def.DedupScope, &def.MaxAttempts, &def.RetentionDays)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, false, nil
	}
	if err != nil {
		return Definition{}, false, fmt.Errorf("get queue def: %w", err)
	}
	def.DedupExpr = expr.String
	return def, true, nil
}

// ListDefinitions returns all queue definitions.
func (e *Engine) ListDefinitions() ([]Definition, error) {
	rows, err := e.store.DB().Query(`SELECT id, name, dedup_expr, dedup_scope, max_attempts, retention_days FROM queue_defs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list queue defs: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		var expr sql.NullString
		if err := rows.Scan(&def.ID, &def.Name, &expr, &def.DedupScope, &def.MaxAttempts, &def.RetentionDays); err != nil {
			return nil, err
		}
		def.DedupExpr = expr.String
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Enqueue inserts a pending item. When the queue defines a dedup
// expression and an item with the same dedup key already exists within the
// queue's dedup scope, the insert is skipped and SkippedID is returned.
func (e *Engine) Enqueue(queueID string, payload any, opts EnqueueOptions) (int64, error) {
	def, defined, err := e.GetDefinition(queueID)
	if err != nil {
		return 0, err
	}
	maxAttempts := DefaultMaxAttempts
	dedupExpr := ""
	scope := ScopePending
	if defined {
		maxAttempts = def.MaxAttempts
		dedupExpr = def.DedupExpr
		scope = def.DedupScope
	}
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	var dedupKey *string
	if dedupExpr != "" {
		if key, ok := evalDedupKey(dedupExpr, raw); ok {
			dedupKey = &key
		}
	}

	if dedupKey != nil {
		dup, err := e.dedupExists(queueID, *dedupKey, scope)
		if err != nil {
			return 0, err
		}
		if dup {
			slog.Debug("enqueue skipped by dedup", "queue", queueID, "dedupKey", *dedupKey, "scope", scope)
			return SkippedID, nil
		}
	}

	res, err := e.store.DB().Exec(`INSERT INTO queue_items (queue_id, payload, status, priority, attempts, max_attempts, dedup_key, created_at)
		VALUES (?, ?, 'pending', ?, 0, ?, ?, ?)`,
		queueID, string(raw), opts.Priority, maxAttempts, dedupKey, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return res.LastInsertId()
}

// evalDedupKey evaluates a path expression against the JSON payload. The
// first yielded element is converted to a string; no match means no dedup.
func evalDedupKey(expr string, payload []byte) (string, bool) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", false
	}
	result, err := jsonpath.Get(expr, doc)
	if err != nil || result == nil {
		return "", false
	}
	if list, ok := result.([]any); ok {
		if len(list) == 0 {
			return "", false
		}
		result = list[0]
	}
	return fmt.Sprint(result), true
}

func scopeStatuses(scope string) []string {
	if scope == ScopeAll {
		return []string{StatusPending, StatusProcessing, StatusDone}
	}
	return []string{StatusPending, StatusProcessing}
}

func (e *Engine) dedupExists(queueID, dedupKey, scope string) (bool, error) {
	statuses := scopeStatuses(scope)
	placeholders := strings.TrimPrefix(strings.Repeat(",?", len(statuses)), ",")
	args := []any{queueID, dedupKey}
	for _, st := range statuses {
		args = append(args, st)
	}

	var one int
	err := e.store.DB().QueryRow(`SELECT 1 FROM queue_items WHERE queue_id=? AND dedup_key=? AND status IN (`+placeholders+`) LIMIT 1`,
		args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return true, nil
}

// Dequeue atomically claims up to count pending items, ordered by priority
// (descending) then age. Claimed items move to processing with their
// attempts counter incremented. Two concurrent callers never receive
// overlapping id sets.
func (e *Engine) Dequeue(queueID string, count int) ([]Item, error) {
	if count <= 0 {
		count = 1
	}

	var items []Item
	err := e.store.Batch(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id, payload FROM queue_items
			WHERE queue_id=? AND status='pending'
			ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`, queueID, count)
		if err != nil {
			return err
		}
		for rows.Next() {
			var it Item
			var payload string
			if err := rows.Scan(&it.ID, &payload); err != nil {
				rows.Close()
				return err
			}
			it.Payload = json.RawMessage(payload)
			items = append(items, it)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		for _, it := range items {
			if _, err := tx.Exec(`UPDATE queue_items SET status='processing', claimed_at=?, attempts=attempts+1 WHERE id=?`,
				now, it.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return items, nil
}

// Done marks an item completed.
func (e *Engine) Done(id int64) error {
	_, err := e.store.DB().Exec(`UPDATE queue_items SET status='done', finished_at=? WHERE id=?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("queue done: %w", err)
	}
	return nil
}

// Fail records a failure. Items that still have attempts left reset to
// pending with the error message; exhausted items dead-letter to failed.
// Missing items are a no-op.
func (e *Engine) Fail(id int64, errMsg string) error {
	var attempts, maxAttempts int
	err := e.store.DB().QueryRow(`SELECT attempts, max_attempts FROM queue_items WHERE id=?`, id).
		Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue fail lookup: %w", err)
	}

	if attempts < maxAttempts {
		_, err = e.store.DB().Exec(`UPDATE queue_items SET status='pending', error=? WHERE id=?`, errMsg, id)
	} else {
		_, err = e.store.DB().Exec(`UPDATE queue_items SET status='failed', finished_at=?, error=? WHERE id=?`,
			time.Now().UnixMilli(), errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("queue fail: %w", err)
	}
	return nil
}

// GetItem returns the full row for an item id, or store.ErrNotFound.
func (e *Engine) GetItem(id int64) (ItemRow, error) {
	var r ItemRow
	var payload string
	err := e.store.DB().QueryRow(`SELECT id, queue_id, payload, status, priority, attempts, max_attempts, dedup_key, error, created_at, claimed_at, finished_at
		FROM queue_items WHERE id=?`, id).
		Scan(&r.ID, &r.QueueID, &payload, &r.Status, &r.Priority, &r.Attempts, &r.MaxAttempts,
			&r.DedupKey, &r.Error, &r.CreatedAt, &r.ClaimedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemRow{}, fmt.Errorf("queue item %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return ItemRow{}, fmt.Errorf("get queue item: %w", err)
	}
	r.Payload = json.RawMessage(payload)
	return r, nil
}

// ListItems returns items for a queue, newest first, optionally filtered
// by status.
func (e *Engine) ListItems(queueID, status string, limit int) ([]ItemRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, queue_id, payload, status, priority, attempts, max_attempts, dedup_key, error, created_at, claimed_at, finished_at
		FROM queue_items WHERE queue_id=?`
	args := []any{queueID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := e.store.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var out []ItemRow
	for rows.Next() {
		var r ItemRow
		var payload string
		if err := rows.Scan(&r.ID, &r.QueueID, &payload, &r.Status, &r.Priority, &r.Attempts, &r.MaxAttempts,
			&r.DedupKey, &r.Error, &r.CreatedAt, &r.ClaimedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RetentionSweep deletes done/failed items whose finished_at is older than
// their queue's retention window (default 7 days for undefined queues).
// Returns the delete count.
func (e *Engine) RetentionSweep() (int64, error) {
	const dayMS = int64(24 * time.Hour / time.Millisecond)
	now := time.Now().UnixMilli()
	res, err := e.store.DB().Exec(`DELETE FROM queue_items
		WHERE status IN ('done','failed') AND finished_at IS NOT NULL
		AND finished_at < ? - COALESCE(
			(SELECT retention_days FROM queue_defs d WHERE d.id = queue_items.queue_id), ?) * ?`,
		now, DefaultRetentionDays, dayMS)
	if err != nil {
		return 0, fmt.Errorf("queue retention sweep: %w", err)
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
