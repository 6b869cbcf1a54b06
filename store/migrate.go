package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by Migrate.
func Schema() string {
	return schemaSQL
}

// Migrate applies the governance schema. Every statement is idempotent so it
// is safe to run on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	sql := strings.TrimSpace(schemaSQL)
	if sql == "" {
		return fmt.Errorf("store: no schema to apply")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire conn: %w", err)
	}
	defer conn.Release()

	res := conn.Conn().PgConn().Exec(ctx, sql)
	if _, err := res.ReadAll(); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
