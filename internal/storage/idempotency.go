package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore persists create-request keys with TTL.
type IdempotencyStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewIdempotencyStore(pool *pgxpool.Pool, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &IdempotencyStore{pool: pool, ttl: ttl}
}

func (s *IdempotencyStore) TTL() time.Duration {
	return s.ttl
}

func (s *IdempotencyStore) Remember(ctx context.Context, key, pointID string) error {
	if key == "" || pointID == "" {
		return nil
	}
	exp := time.Now().Add(s.ttl)
	_, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, point_id, expires_at)
VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET point_id=EXCLUDED.point_id, expires_at=EXCLUDED.expires_at
`, key, pointID, exp)
	return err
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var (
		pointID string
		expires time.Time
	)
	err := s.pool.QueryRow(ctx, `
SELECT point_id, expires_at FROM idempotency_keys WHERE key = $1
`, key).Scan(&pointID, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if time.Now().After(expires) {
		return "", false, nil
	}
	return pointID, true, nil
}

// Prune deletes expired keys.
func (s *IdempotencyStore) Prune(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
