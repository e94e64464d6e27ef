package storage

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL []byte

const schemaName = "schema.sql"

// ApplySchema applies schema.sql once, recording its hash in the migrations table.
// It reports whether the schema was applied by this call.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return false, fmt.Errorf("migrations table: %w", err)
	}
	hash := SchemaHash()
	applied, err := isHashApplied(ctx, pool, hash)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}
	if _, err := pool.Exec(ctx, string(schemaSQL)); err != nil {
		return false, fmt.Errorf("apply %s: %w", schemaName, err)
	}
	_, err = pool.Exec(ctx, `INSERT INTO migrations (name, hash) VALUES ($1,$2)`, schemaName, hash)
	return err == nil, err
}

// SchemaHash is the sha256 of the embedded schema.
func SchemaHash() string {
	return fmt.Sprintf("%x", sha256.Sum256(schemaSQL))
}

func ensureMigrationTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS migrations (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS migrations_name_hash_idx ON migrations(name, hash);
`)
	return err
}

func isHashApplied(ctx context.Context, pool *pgxpool.Pool, hash string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM migrations WHERE name=$1 AND hash=$2)`, schemaName, hash).Scan(&exists)
	return exists, err
}
