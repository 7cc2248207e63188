package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/corpus/config"
)

// PostgresStore persists entries in the cache_entries table.
type PostgresStore struct {
	DB *sql.DB
}

// OpenPostgres connects with the configured DSN and pings.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (s *PostgresStore) Read(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e        Entry
		value    []byte
		priority string
	)
	row := s.DB.QueryRowContext(ctx, `SELECT value, created_at, access_count, last_access, priority FROM cache_entries WHERE key = $1`, key)
	err := row.Scan(&value, &e.CreatedAt, &e.AccessCount, &e.LastAccess, &priority)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	e.Key = key
	e.Value = value
	e.Priority = Priority(priority)
	return e, true, nil
}

func (s *PostgresStore) Write(ctx context.Context, e Entry) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO cache_entries (key, value, created_at, access_count, last_access, priority)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (key) DO UPDATE SET
  value = EXCLUDED.value,
  created_at = EXCLUDED.created_at,
  access_count = EXCLUDED.access_count,
  last_access = EXCLUDED.last_access,
  priority = EXCLUDED.priority;
`, e.Key, []byte(e.Value), e.CreatedAt, e.AccessCount, e.LastAccess, string(e.Priority))
	if err != nil {
		return fmt.Errorf("write cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE cache_entries SET access_count = access_count + 1, last_access = $2 WHERE key = $1`, key, at)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ANY($1)`, pq.Array(keys))
	if err != nil {
		return 0, fmt.Errorf("delete cache entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ScanExpired(ctx context.Context, createdBefore time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key FROM cache_entries WHERE created_at < $1`, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("scan expired: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context) ([]Meta, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, created_at, access_count, last_access, priority FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer rows.Close()
	var out []Meta
	for rows.Next() {
		var (
			m        Meta
			priority string
		)
		if err := rows.Scan(&m.Key, &m.CreatedAt, &m.AccessCount, &m.LastAccess, &priority); err != nil {
			return nil, err
		}
		m.Priority = Priority(priority)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Close() error { return s.DB.Close() }
