package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// SQL keeps entries in the cache_entries table so separate processes sharing a
// workspace database see the same codes.
type SQL struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQL) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s SQL) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO cache_entries(key,value,expires_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at`,
		key, value, s.now().Add(ttl).Format(timeLayout))
	return err
}

func (s SQL) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE key=? AND expires_at > ?`,
		key, s.now().Format(timeLayout)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s SQL) Delete(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, key)
	return err
}

// Incr runs as one upsert so concurrent callers never read the same count.
func (s SQL) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	var n int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO cache_entries(key,value,expires_at) VALUES (?,'1',?)
ON CONFLICT(key) DO UPDATE SET
  value = CASE WHEN expires_at > ? THEN CAST(CAST(value AS INTEGER)+1 AS TEXT) ELSE '1' END,
  expires_at = CASE WHEN expires_at > ? THEN expires_at ELSE excluded.expires_at END
RETURNING CAST(value AS INTEGER)`,
		key, now.Add(ttl).Format(timeLayout), now.Format(timeLayout), now.Format(timeLayout)).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s SQL) Sweep(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.now().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
