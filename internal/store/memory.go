package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MemoryRow is a persisted memory entry.
type MemoryRow struct {
	Namespace    string
	Key          string
	Value        []byte
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	AccessCount  int64
	LastAccessed *time.Time
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

const memoryColumns = `namespace, key, value, created_at, expires_at, access_count, last_accessed`

func scanMemoryRow(scanner interface {
	Scan(dest ...any) error
}) (*MemoryRow, error) {
	r := &MemoryRow{}
	var created int64
	var expires, accessed sql.NullInt64
	if err := scanner.Scan(&r.Namespace, &r.Key, &r.Value, &created, &expires, &r.AccessCount, &accessed); err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(created)
	r.ExpiresAt = fromMillis(expires)
	r.LastAccessed = fromMillis(accessed)
	return r, nil
}

// PutEntry writes an entry, replacing any previous value for the same
// namespace and key. Concurrent writers race; the last write wins.
func (s *Store) PutEntry(ctx context.Context, r MemoryRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (namespace, key, value, created_at, expires_at, access_count, last_accessed)
		VALUES (?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			access_count = 0,
			last_accessed = NULL`,
		r.Namespace, r.Key, r.Value, r.CreatedAt.UnixMilli(), toMillis(r.ExpiresAt))
	if err != nil {
		return fmt.Errorf("put memory entry: %w", err)
	}
	return nil
}

// GetEntry returns the live entry for namespace/key, or nil if it is absent
// or expired at now. A hit bumps the access counters.
func (s *Store) GetEntry(ctx context.Context, namespace, key string, now time.Time) (*MemoryRow, error) {
	nowMs := now.UnixMilli()
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_entries
		WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		namespace, key, nowMs)
	r, err := scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory entry: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries SET access_count = access_count + 1, last_accessed = ?
		WHERE namespace = ? AND key = ?`, nowMs, namespace, key); err != nil {
		return nil, fmt.Errorf("touch memory entry: %w", err)
	}
	r.AccessCount++
	r.LastAccessed = &now
	return r, nil
}

func (s *Store) DeleteEntry(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete memory entry: %w", err)
	}
	return nil
}

// ScanEntries lists live entries in a namespace whose key starts with prefix.
func (s *Store) ScanEntries(ctx context.Context, namespace, prefix string, now time.Time) ([]MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memory_entries
		WHERE namespace = ? AND substr(key, 1, length(?)) = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key`,
		namespace, prefix, prefix, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("scan memory entries: %w", err)
	}
	defer rows.Close()

	var out []MemoryRow
	for rows.Next() {
		r, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// PurgeExpired removes every entry whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge memory entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Namespaces lists the namespaces that currently hold entries.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM memory_entries ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}
