package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_values (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS kv_lists (
	seq INTEGER PRIMARY KEY,
	key TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_lists_key ON kv_lists(key, seq);
`

// SQLiteStore is a Store shared between processes through a SQLite database file.
// Expiry times are unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at dbPath and applies the schema.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection per process: pragmas are per connection and every
	// statement below is a single atomic write anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate kv schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.nowMillis()
	var expires any
	if ttl > 0 {
		expires = now + ttl.Milliseconds()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_values(key, value, expires_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		WHERE kv_values.expires_at IS NOT NULL AND kv_values.expires_at <= ?`,
		key, value, expires, now,
	)
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("setnx %s rows: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_values WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_values WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteIf(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_values WHERE key = ? AND value = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, value, s.nowMillis(),
	)
	if err != nil {
		return false, fmt.Errorf("delete-if %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete-if %s rows: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) RPush(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_lists(seq, key, value) VALUES((SELECT COALESCE(MAX(seq), 0) + 1 FROM kv_lists), ?, ?)`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LPush(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_lists(seq, key, value) VALUES((SELECT COALESCE(MIN(seq), 0) - 1 FROM kv_lists), ?, ?)`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LPop(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM kv_lists
		WHERE seq = (SELECT seq FROM kv_lists WHERE key = ? ORDER BY seq LIMIT 1)
		RETURNING value`,
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lpop %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) LLen(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func (s *SQLiteStore) LRange(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM kv_lists WHERE key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan lrange %s: %w", key, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lrange %s: %w", key, err)
	}
	return out, nil
}

func (s *SQLiteStore) LRem(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_lists
		WHERE seq = (SELECT seq FROM kv_lists WHERE key = ? AND value = ? ORDER BY seq LIMIT 1)`,
		key, value,
	)
	if err != nil {
		return false, fmt.Errorf("lrem %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lrem %s rows: %w", key, err)
	}
	return n == 1, nil
}
