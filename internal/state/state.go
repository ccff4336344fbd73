// Package state provides the namespaced key/value store with optional TTL
// expiry, plus a grouped-items ("collection") sub-store that shares a
// parent state row. Jobs use it to coordinate work across runs.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/jobrunner/internal/store"
)

// ErrBadTTL is returned for TTL strings that don't match <n><d|h|m>.
var ErrBadTTL = errors.New("invalid ttl")

var ttlRe = regexp.MustCompile(`^(\d+)([dhm])$`)

// ParseTTL converts a "<positive integer><d|h|m>" string into a duration.
func ParseTTL(ttl string) (time.Duration, error) {
	m := ttlRe.FindStringSubmatch(ttl)
	if m == nil {
		return 0, fmt.Errorf("%w: %q (expected <n><d|h|m>)", ErrBadTTL, ttl)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q (expected positive integer)", ErrBadTTL, ttl)
	}
	switch m[2] {
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * time.Minute, nil
	}
}

// Engine implements the state contract over the shared store.
type Engine struct {
	store *store.Store
}

// NewEngine creates a state engine backed by the store.
func NewEngine(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Get returns the value for (ns, key) if the row exists and has not
// expired. The second return reports presence.
func (e *Engine) Get(ns, key string) (string, bool, error) {
	var value sql.NullString
	var expiresAt sql.NullInt64
	err := e.store.DB().QueryRow(`SELECT value, expires_at FROM state WHERE namespace=? AND key=?`,
		ns, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state get: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		return "", false, nil
	}
	return value.String, true, nil
}

// Set upserts (ns, key) -> value. A non-empty ttl computes an absolute
// expiry of now+ttl; an empty ttl stores no expiry.
func (e *Engine) Set(ns, key, value, ttl string) error {
	var expiresAt *int64
	if ttl != "" {
		d, err := ParseTTL(ttl)
		if err != nil {
			return err
		}
		exp := time.Now().Add(d).UnixMilli()
		expiresAt = &exp
	}

	_, err := e.store.DB().Exec(`INSERT INTO state (namespace, key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		ns, key, value, expiresAt, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("state set: %w", err)
	}
	return nil
}

// Delete removes (ns, key) and any items grouped under it.
func (e *Engine) Delete(ns, key string) error {
	return e.store.Batch(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM state_items WHERE namespace=? AND key=?`, ns, key); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM state WHERE namespace=? AND key=?`, ns, key)
		return err
	})
}

// ExpireSweep deletes state rows whose expiry has passed. Returns the
// delete count. Called by the maintenance controller.
func (e *Engine) ExpireSweep() (int64, error) {
	res, err := e.store.DB().Exec(`DELETE FROM state WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("state expire sweep: %w", err)
	}
	return res.RowsAffected()
}

// --- Collection items ---

// HasItem reports whether (ns, key, itemKey) exists.
func (e *Engine) HasItem(ns, key, itemKey string) (bool, error) {
	var one int
	err := e.store.DB().QueryRow(`SELECT 1 FROM state_items WHERE namespace=? AND key=? AND item_key=?`,
		ns, key, itemKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state has item: %w", err)
	}
	return true, nil
}

// GetItem returns the item value for (ns, key, itemKey), if present.
func (e *Engine) GetItem(ns, key, itemKey string) (string, bool, error) {
	var value sql.NullString
	err := e.store.DB().QueryRow(`SELECT value FROM state_items WHERE namespace=? AND key=? AND item_key=?`,
		ns, key, itemKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state get item: %w", err)
	}
	return value.String, true, nil
}

// SetItem upserts an item under (ns, key). The parent state row is created
// with a NULL value if it does not already exist.
func (e *Engine) SetItem(ns, key, itemKey string, value *string) error {
	now := time.Now().UnixMilli()
	return e.store.Batch(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO state (namespace, key, value, expires_at, updated_at)
			VALUES (?, ?, NULL, NULL, ?)
			ON CONFLICT(namespace, key) DO NOTHING`, ns, key, now); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO state_items (namespace, key, item_key, value, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(namespace, key, item_key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
			ns, key, itemKey, value, now)
		return err
	})
}

// DeleteItem removes a single item.
func (e *Engine) DeleteItem(ns, key, itemKey string) error {
	_, err := e.store.DB().Exec(`DELETE FROM state_items WHERE namespace=? AND key=? AND item_key=?`,
		ns, key, itemKey)
	if err != nil {
		return fmt.Errorf("state delete item: %w", err)
	}
	return nil
}

// CountItems returns the number of items under (ns, key).
func (e *Engine) CountItems(ns, key string) (int, error) {
	var n int
	err := e.store.DB().QueryRow(`SELECT COUNT(*) FROM state_items WHERE namespace=? AND key=?`,
		ns, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("state count items: %w", err)
	}
	return n, nil
}

// PruneItems deletes items for (ns, key) that are not among the keepCount
// most recently updated. Returns the number deleted.
func (e *Engine) PruneItems(ns, key string, keepCount int) (int64, error) {
	if keepCount < 0 {
		keepCount = 0
	}
	res, err := e.store.DB().Exec(`DELETE FROM state_items
		WHERE namespace=? AND key=? AND item_key NOT IN (
			SELECT item_key FROM state_items WHERE namespace=? AND key=?
			ORDER BY updated_at DESC, item_key DESC LIMIT ?
		)`, ns, key, ns, key, keepCount)
	if err != nil {
		return 0, fmt.Errorf("state prune items: %w", err)
	}
	return res.RowsAffected()
}

// ListItemKeys lists item keys under (ns, key) ordered by updated_at
// (descending unless asc is set). limit <= 0 means no limit.
func (e *Engine) ListItemKeys(ns, key string, limit int, asc bool) ([]string, error) {
	order := "DESC"
	if asc {
		order = "ASC"
	}
	if limit <= 0 {
		limit = -1 // sqlite: LIMIT -1 = unlimited
	}
	rows, err := e.store.DB().Query(`SELECT item_key FROM state_items WHERE namespace=? AND key=?
		ORDER BY updated_at `+order+`, item_key `+order+` LIMIT ?`, ns, key, limit)
	if err != nil {
		return nil, fmt.Errorf("state list item keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
