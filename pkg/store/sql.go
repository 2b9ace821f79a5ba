package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Dialect selects placeholder style and locking clauses for SQLKV.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLKV implements KV on database/sql. It works with lib/pq and
// modernc.org/sqlite; the driver is registered by the caller.
type SQLKV struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLKV wraps an open database handle.
func NewSQLKV(db *sql.DB, dialect Dialect) *SQLKV {
	return &SQLKV{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock for deterministic TTL tests.
func (s *SQLKV) WithClock(clock func() time.Time) *SQLKV {
	s.clock = clock
	return s
}

// Migrate creates the kv_entries table if missing. Expiry is stored as unix
// milliseconds; 0 means no expiry.
func (s *SQLKV) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate kv_entries: %w", err)
	}
	return nil
}

func (s *SQLKV) ph(q string) string {
	if s.dialect == DialectPostgres {
		out := q
		for i := 1; strings.Contains(out, "?"); i++ {
			out = strings.Replace(out, "?", fmt.Sprintf("$%d", i), 1)
		}
		return out
	}
	return q
}

func (s *SQLKV) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock().Add(ttl).UnixMilli()
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, s.ph(`SELECT value, expires_at FROM kv_entries WHERE key = ?`), key).
		Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sql get %s: %w", key, err)
	}
	if expiresAt != 0 && s.clock().UnixMilli() >= expiresAt {
		return nil, false, nil
	}
	return []byte(value), true, nil
}

func (s *SQLKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, s.ph(`
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`), key, string(value), s.expiry(ttl))
	if err != nil {
		return fmt.Errorf("sql set %s: %w", key, err)
	}
	return nil
}

func (s *SQLKV) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sql cas begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sel := `SELECT value, expires_at FROM kv_entries WHERE key = ?`
	if s.dialect == DialectPostgres {
		sel += ` FOR UPDATE`
	}

	var cur string
	var expiresAt int64
	exists := true
	err = tx.QueryRowContext(ctx, s.ph(sel), key).Scan(&cur, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, fmt.Errorf("sql cas read %s: %w", key, err)
	}
	if exists && expiresAt != 0 && s.clock().UnixMilli() >= expiresAt {
		exists = false
	}

	if expected == nil {
		if exists {
			return false, nil
		}
	} else if !exists || cur != string(expected) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, s.ph(`
		INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`), key, string(next), s.expiry(ttl))
	if err != nil {
		return false, fmt.Errorf("sql cas write %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sql cas commit %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.ph(`DELETE FROM kv_entries WHERE key = ?`), key); err != nil {
		return fmt.Errorf("sql delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLKV) ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.ph(`SELECT key, value, expires_at FROM kv_entries WHERE key LIKE ?`), prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("sql scan %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	now := s.clock().UnixMilli()
	out := make(map[string][]byte)
	for rows.Next() {
		var key, value string
		var expiresAt int64
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, fmt.Errorf("sql scan row: %w", err)
		}
		if expiresAt != 0 && now >= expiresAt {
			continue
		}
		out[key] = []byte(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sql scan rows: %w", err)
	}
	return out, nil
}
