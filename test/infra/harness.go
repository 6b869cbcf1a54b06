package infra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"covenant/config"
	"covenant/db"
	"covenant/store"
)

// Harness owns a migrated Postgres database and the pool connected to it.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
}

// NewHarness connects to dsn, or boots a container when dsn is empty, and
// applies the governance schema.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	h := &Harness{dsn: dsn}
	if h.dsn == "" {
		c, started, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn = c, started
	}

	pool, err := db.NewPool(ctx, config.DatabaseConfig{
		URL:             h.dsn,
		MaxConns:        32,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		h.Close(ctx)
		return nil, err
	}
	h.pool = pool

	if err := store.Migrate(ctx, pool); err != nil {
		h.Close(ctx)
		return nil, err
	}
	if err := h.Reset(ctx); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Store wraps the pool in the Postgres store.
func (h *Harness) Store() *store.Postgres {
	return store.NewPostgres(h.pool)
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reset truncates every governance table.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"outbox",
		"dispute_ballots",
		"dispute_sessions",
		"verification_ballots",
		"wallet_redirects",
		"agreement_refs",
		"agreements",
		"accounts",
		"token_allowances",
		"token_balances",
		"reputation_scores",
		"grants",
		"settings",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}

// DSNFromEnv returns the first configured test database.
func DSNFromEnv() string {
	for _, key := range []string{"STRESS_TEST_PG_DSN", "DATABASE_URL"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
