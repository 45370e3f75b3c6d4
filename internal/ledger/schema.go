package ledger

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema holds the idempotent DDL for the ledger tables and triggers.
//
//go:embed schema.sql
var Schema string

// Migrate applies Schema to the database.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("ledger: migrate: pool not initialised")
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}
