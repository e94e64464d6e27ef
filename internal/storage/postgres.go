package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mappoints/internal/livesync"
)

// Records stores the title/description part of points keyed by id.
type Records interface {
	Write(ctx context.Context, id string, rec livesync.Record) error
	Remove(ctx context.Context, id string) error
	// Fetch wraps livesync.ErrNotFound when id has no record.
	Fetch(ctx context.Context, id string) (livesync.Record, error)
}

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the point, event, identity and idempotency tables.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := ApplySchema(ctx, pool)
	return err
}

func (p *Postgres) Write(ctx context.Context, id string, rec livesync.Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO points (id, title, description, created_at, updated_at)
VALUES ($1,$2,$3,NOW(),NOW())
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	description = EXCLUDED.description,
	updated_at = NOW()
`, id, rec.Title, rec.Description)
	return err
}

func (p *Postgres) Remove(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM points WHERE id = $1`, id)
	return err
}

func (p *Postgres) Fetch(ctx context.Context, id string) (livesync.Record, error) {
	var rec livesync.Record
	err := p.pool.QueryRow(ctx, `
SELECT title, description FROM points WHERE id = $1
`, id).Scan(&rec.Title, &rec.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return livesync.Record{}, fmt.Errorf("%w: %s", livesync.ErrNotFound, id)
		}
		return livesync.Record{}, err
	}
	return rec, nil
}

func (p *Postgres) CountPoints(ctx context.Context) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM points`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	return pgxpool.NewWithConfig(ctx, cfg)
}
